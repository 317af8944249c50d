// Package actors drives concurrent marketplace traffic against the real
// Postgres stores during stress runs.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketflow/listing"
	"marketflow/offer"
	"marketflow/outbox"
)

// Catalog is the set of listing ids actors pick from.
type Catalog struct {
	mu  sync.RWMutex
	ids []string
}

func (c *Catalog) Add(id string) {
	c.mu.Lock()
	c.ids = append(c.ids, id)
	c.mu.Unlock()
}

func (c *Catalog) Random() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.ids) == 0 {
		return "", false
	}
	return c.ids[rand.Intn(len(c.ids))], true
}

func (c *Catalog) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, v := range c.ids {
		if v == id {
			c.ids = append(c.ids[:i], c.ids[i+1:]...)
			return
		}
	}
}

func (c *Catalog) All() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.ids...)
}

// Stats counts outcomes across all actors.
type Stats struct {
	Submitted atomic.Int64
	Accepted  atomic.Int64
	Rejected  atomic.Int64
	Conflicts atomic.Int64
	Infra     atomic.Int64
	Published atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("submitted=%d accepted=%d rejected=%d conflicts=%d infra=%d published=%d",
		s.Submitted.Load(), s.Accepted.Load(), s.Rejected.Load(), s.Conflicts.Load(), s.Infra.Load(), s.Published.Load())
}

// Env bundles the services under test.
type Env struct {
	Lifecycle *listing.Lifecycle
	Admission *offer.AdmissionService
	Decisions *offer.DecisionService
	Offers    offer.Repository
	Catalog   *Catalog
	// Unsettled holds sold listings whose fan-out may not have finished:
	// the accept reported a fan-out error or its commit is uncertain.
	Unsettled *Catalog
	SellerID  string
	Stats     *Stats
}

var refused = []error{
	listing.ErrNotFound,
	listing.ErrInvalidTransition,
	listing.ErrStaleVersion,
	listing.ErrForbidden,
	offer.ErrNotFound,
	offer.ErrListingNotOpen,
	offer.ErrOfferAlreadyDecided,
	offer.ErrListingNotAcceptable,
}

var expected = append(append([]error(nil), refused...), context.Canceled, context.DeadlineExceeded)

// refusedCleanly reports whether err is a domain refusal, meaning the
// operation wrote nothing.
func refusedCleanly(err error) bool {
	for _, want := range refused {
		if errors.Is(err, want) {
			return true
		}
	}
	return false
}

// check sorts err into a domain conflict, an infrastructure fault caused by
// chaos, or a bug. Only bugs are returned.
func (e *Env) check(actor string, err error) error {
	if err == nil {
		return nil
	}
	for _, want := range expected {
		if errors.Is(err, want) {
			e.Stats.Conflicts.Add(1)
			return nil
		}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case "08", "40", "53", "57":
			e.Stats.Infra.Add(1)
			return nil
		}
		return fmt.Errorf("%s: %w", actor, err)
	}
	e.Stats.Infra.Add(1)
	return nil
}

func done(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(min, spread int) {
	time.Sleep(time.Duration(min+rand.Intn(spread)) * time.Millisecond)
}

// Lister keeps the catalog supplied with fresh active listings; every
// fourth one is free.
func Lister(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		price := int64(100 + rand.Intn(900))
		if rand.Intn(4) == 0 {
			price = 0
		}
		l, err := env.Lifecycle.Create(ctx, listing.CreateParams{SellerID: env.SellerID, Price: price, SubmitForReview: true})
		if err == nil {
			l, err = env.Lifecycle.Transition(ctx, listing.TransitionParams{ListingID: l.ID, ActorID: listing.SystemActor, Event: listing.EventApprove}, l.Version)
		}
		if err == nil {
			env.Catalog.Add(l.ID)
		}
		if err := env.check("lister", err); err != nil {
			return err
		}
		pause(300, 300)
	}
	return nil
}

// Submitter sends offers from random buyers, including nonzero amounts on
// free listings.
func Submitter(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		id, ok := env.Catalog.Random()
		if !ok {
			pause(20, 20)
			continue
		}
		_, err := env.Admission.Submit(ctx, offer.SubmitParams{
			ListingID:    id,
			BuyerID:      fmt.Sprintf("buyer-%d", rand.Intn(50)),
			Amount:       int64(1 + rand.Intn(1000)),
			Message:      "is this still available?",
			ContactName:  "Stress Buyer",
			ContactPhone: "555-0100",
		})
		if err == nil {
			env.Stats.Submitted.Add(1)
		}
		if err := env.check("submitter", err); err != nil {
			return err
		}
		pause(5, 20)
	}
	return nil
}

// Accepter races other accepters for the same listing.
func Accepter(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		o, ok, err := randomPending(ctx, env)
		if err := env.check("accepter", err); err != nil {
			return err
		}
		if !ok {
			pause(10, 20)
			continue
		}
		out, err := env.Decisions.Decide(ctx, offer.DecideParams{
			ListingID: o.ListingID,
			OfferID:   o.ID,
			ActorID:   env.SellerID,
			Decision:  offer.DecisionAccept,
		})
		switch {
		case err == nil:
			env.Stats.Accepted.Add(1)
			if out.FanoutErr != nil {
				env.Unsettled.Add(o.ListingID)
			}
		case !refusedCleanly(err):
			env.Unsettled.Add(o.ListingID)
		}
		if err := env.check("accepter", err); err != nil {
			return err
		}
		pause(10, 30)
	}
	return nil
}

// Rejecter declines random pending offers, racing accepts and the fan-out.
func Rejecter(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		o, ok, err := randomPending(ctx, env)
		if err := env.check("rejecter", err); err != nil {
			return err
		}
		if !ok {
			pause(10, 20)
			continue
		}
		_, err = env.Decisions.Decide(ctx, offer.DecideParams{
			ListingID: o.ListingID,
			OfferID:   o.ID,
			ActorID:   env.SellerID,
			Decision:  offer.DecisionReject,
		})
		if err == nil {
			env.Stats.Rejected.Add(1)
		}
		if err := env.check("rejecter", err); err != nil {
			return err
		}
		pause(20, 40)
	}
	return nil
}

// Seller issues lifecycle events that compete with accepts.
func Seller(ctx context.Context, env *Env, stop <-chan struct{}) error {
	events := []listing.Event{
		listing.EventPause, listing.EventResume, listing.EventReserve,
		listing.EventRelease, listing.EventMarkSold, listing.EventArchive,
	}
	for !done(ctx, stop) {
		id, ok := env.Catalog.Random()
		if !ok {
			pause(20, 20)
			continue
		}
		ev := events[rand.Intn(len(events))]
		var err error
		if ev == listing.EventMarkSold {
			_, err = env.Lifecycle.MarkSold(ctx, id, env.SellerID)
		} else {
			_, err = env.Lifecycle.TransitionListing(ctx, listing.TransitionParams{ListingID: id, ActorID: env.SellerID, Event: ev})
		}
		if err := env.check("seller", err); err != nil {
			return err
		}
		pause(80, 120)
	}
	return nil
}

// Fanout finishes bulk rejections that an accept left incomplete. Listings
// whose accept fan-out succeeded are never touched, so a pending offer that
// slips in after the accept stays visible to the quiescent checks.
func Fanout(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		id, ok := env.Unsettled.Random()
		if ok {
			l, err := env.Lifecycle.Get(ctx, id)
			if err == nil && l.AcceptedOfferID != nil {
				_, err = env.Decisions.RejectPending(ctx, id, env.SellerID)
			}
			if err == nil {
				env.Unsettled.Remove(id)
			}
			if err := env.check("fanout", err); err != nil {
				return err
			}
		}
		pause(150, 100)
	}
	return nil
}

func randomPending(ctx context.Context, env *Env) (offer.Offer, bool, error) {
	id, ok := env.Catalog.Random()
	if !ok {
		return offer.Offer{}, false, nil
	}
	pending, err := env.Offers.ListByListing(ctx, id, offer.StatusPending)
	if err != nil || len(pending) == 0 {
		return offer.Offer{}, false, err
	}
	return pending[rand.Intn(len(pending))], true, nil
}

type flakyPublisher struct {
	stats *Stats
}

func (p flakyPublisher) Publish(context.Context, outbox.Message) error {
	if rand.Intn(10) == 0 {
		return errors.New("simulated broker outage")
	}
	p.stats.Published.Add(1)
	return nil
}

// OutboxWorker relays the outbox through a publisher that fails one in ten
// deliveries.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stats *Stats, stop <-chan struct{}) error {
	relay := outbox.NewRelay(pool, flakyPublisher{stats: stats}, nil).WithBatchSize(25)
	for !done(ctx, stop) {
		if _, err := relay.RelayOnce(ctx); err != nil {
			stats.Infra.Add(1)
		}
		pause(100, 50)
	}
	return nil
}
