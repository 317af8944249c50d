// Package memstore keeps listings, offers and their outbox events in process
// memory. A transaction holds the store lock and works on a copy that replaces
// the live state on commit.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"marketflow/listing"
	"marketflow/offer"
	"marketflow/outbox"
)

type state struct {
	listings  map[string]listing.Listing
	offers    map[string]offer.Offer
	byListing map[string][]string
	events    []outbox.Event
}

func newState() *state {
	return &state{
		listings:  make(map[string]listing.Listing),
		offers:    make(map[string]offer.Offer),
		byListing: make(map[string][]string),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.listings {
		c.listings[k] = v
	}
	for k, v := range s.offers {
		c.offers[k] = v
	}
	for k, v := range s.byListing {
		c.byListing[k] = append([]string(nil), v...)
	}
	c.events = append([]outbox.Event(nil), s.events...)
	return c
}

// Store is a Transactor over in-memory listing and offer repositories.
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time

	offerSwapHook func(id string, to offer.Status) error
}

func New() *Store {
	return &Store{st: newState(), now: time.Now}
}

func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// FailOfferSwap installs a hook consulted before every offer status write; a
// non-nil result aborts that write. Pass nil to remove it.
func (s *Store) FailOfferSwap(hook func(id string, to offer.Status) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offerSwapHook = hook
}

// Listings returns the repository view outside any transaction.
func (s *Store) Listings() listing.Repository {
	return &listingRepo{store: s}
}

// Offers returns the repository view outside any transaction.
func (s *Store) Offers() offer.Repository {
	return &offerRepo{store: s}
}

// Events returns every committed outbox event in write order.
func (s *Store) Events() []outbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outbox.Event(nil), s.st.events...)
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, st offer.Stores) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	staged := s.st.clone()
	err := fn(ctx, offer.Stores{
		Listings: &listingRepo{store: s, tx: staged},
		Offers:   &offerRepo{store: s, tx: staged},
	})
	if err != nil {
		return err
	}
	s.st = staged
	return nil
}

// view runs fn against the transaction state when tx is set, or against the
// live state under the store lock otherwise.
func (s *Store) view(tx *state, fn func(st *state) error) error {
	if tx != nil {
		return fn(tx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

type listingRepo struct {
	store *Store
	tx    *state
}

func (r *listingRepo) Create(ctx context.Context, l listing.Listing) (listing.Listing, error) {
	err := r.store.view(r.tx, func(st *state) error {
		if _, ok := st.listings[l.ID]; ok {
			return fmt.Errorf("memstore: listing %s already exists", l.ID)
		}
		l.Metadata.Images = append([]string(nil), l.Metadata.Images...)
		st.listings[l.ID] = l
		st.events = append(st.events, outbox.ListingCreated(l))
		return nil
	})
	if err != nil {
		return listing.Listing{}, err
	}
	return l, nil
}

func (r *listingRepo) Get(ctx context.Context, id string) (listing.Listing, error) {
	var out listing.Listing
	err := r.store.view(r.tx, func(st *state) error {
		l, ok := st.listings[id]
		if !ok {
			return listing.ErrNotFound
		}
		out = l
		return nil
	})
	return out, err
}

func (r *listingRepo) SwapStatus(ctx context.Context, p listing.SwapParams) (listing.Listing, error) {
	var out listing.Listing
	err := r.store.view(r.tx, func(st *state) error {
		l, ok := st.listings[p.ListingID]
		if !ok {
			return listing.ErrNotFound
		}
		if l.Version != p.ExpectedVersion {
			return listing.ErrStaleVersion
		}
		if p.AcceptedOfferID != nil {
			if l.AcceptedOfferID != nil {
				return fmt.Errorf("memstore: listing %s already has an accepted offer", l.ID)
			}
			id := *p.AcceptedOfferID
			l.AcceptedOfferID = &id
		}
		l.Status = p.To
		l.Version++
		l.UpdatedAt = r.store.now().UTC()
		st.listings[l.ID] = l
		st.events = append(st.events, outbox.ListingStatusChanged(p, l))
		out = l
		return nil
	})
	return out, err
}

func (r *listingRepo) ListExpiring(ctx context.Context, now time.Time, limit int) ([]listing.Listing, error) {
	var out []listing.Listing
	err := r.store.view(r.tx, func(st *state) error {
		for _, l := range st.listings {
			if l.ExpiresAt == nil || l.ExpiresAt.After(now) {
				continue
			}
			switch l.Status {
			case listing.StatusActive, listing.StatusPaused, listing.StatusPendingReview:
				out = append(out, l)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

type offerRepo struct {
	store *Store
	tx    *state
}

func (r *offerRepo) Create(ctx context.Context, o offer.Offer) (offer.Offer, error) {
	err := r.store.view(r.tx, func(st *state) error {
		l, ok := st.listings[o.ListingID]
		if !ok {
			return listing.ErrNotFound
		}
		if l.Status != listing.StatusActive {
			return fmt.Errorf("%w: listing is %s", offer.ErrListingNotOpen, l.Status)
		}
		if _, ok := st.offers[o.ID]; ok {
			return fmt.Errorf("memstore: offer %s already exists", o.ID)
		}
		st.offers[o.ID] = o
		st.byListing[o.ListingID] = append(st.byListing[o.ListingID], o.ID)
		st.events = append(st.events, outbox.OfferSubmitted(o))
		return nil
	})
	if err != nil {
		return offer.Offer{}, err
	}
	return o, nil
}

func (r *offerRepo) Get(ctx context.Context, id string) (offer.Offer, error) {
	var out offer.Offer
	err := r.store.view(r.tx, func(st *state) error {
		o, ok := st.offers[id]
		if !ok {
			return offer.ErrNotFound
		}
		out = o
		return nil
	})
	return out, err
}

func (r *offerRepo) ListByListing(ctx context.Context, listingID string, status offer.Status) ([]offer.Offer, error) {
	var out []offer.Offer
	err := r.store.view(r.tx, func(st *state) error {
		for _, id := range st.byListing[listingID] {
			o := st.offers[id]
			if status == "" || o.Status == status {
				out = append(out, o)
			}
		}
		return nil
	})
	return out, err
}

func (r *offerRepo) SwapStatus(ctx context.Context, id string, from, to offer.Status, decidedAt time.Time) (offer.Offer, error) {
	var out offer.Offer
	err := r.store.view(r.tx, func(st *state) error {
		if hook := r.store.offerSwapHook; hook != nil {
			if err := hook(id, to); err != nil {
				return err
			}
		}
		o, ok := st.offers[id]
		if !ok {
			return offer.ErrNotFound
		}
		if o.Status != from {
			return offer.ErrOfferAlreadyDecided
		}
		if to == offer.StatusAccepted {
			for _, sibling := range st.byListing[o.ListingID] {
				if st.offers[sibling].Status == offer.StatusAccepted {
					return fmt.Errorf("memstore: listing %s already has an accepted offer", o.ListingID)
				}
			}
		}
		at := decidedAt
		o.Status = to
		o.DecidedAt = &at
		st.offers[id] = o
		st.events = append(st.events, outbox.OfferDecided(o))
		out = o
		return nil
	})
	return out, err
}
