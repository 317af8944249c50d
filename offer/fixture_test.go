package offer_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketflow/listing"
	"marketflow/memstore"
	"marketflow/offer"
)

const sellerID = "seller-1"

type fixture struct {
	store     *memstore.Store
	lifecycle *listing.Lifecycle
	admission *offer.AdmissionService
	decisions *offer.DecisionService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	var seq atomic.Int64
	ids := func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }
	clock := func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }

	lc := listing.NewLifecycle(store.Listings(), nil).WithIDGenerator(ids).WithClock(clock)
	return &fixture{
		store:     store,
		lifecycle: lc,
		admission: offer.NewAdmissionService(store.Listings(), store.Offers(), nil).WithIDGenerator(ids).WithClock(clock),
		decisions: offer.NewDecisionService(store.Listings(), store.Offers(), store, lc, nil).WithClock(clock),
	}
}

// activeListing creates and approves a listing at the given price.
func (f *fixture) activeListing(t *testing.T, price int64) listing.Listing {
	t.Helper()
	ctx := context.Background()
	l, err := f.lifecycle.Create(ctx, listing.CreateParams{SellerID: sellerID, Price: price, SubmitForReview: true})
	require.NoError(t, err)
	l, err = f.lifecycle.Transition(ctx, listing.TransitionParams{ListingID: l.ID, ActorID: "moderator", Event: listing.EventApprove}, l.Version)
	require.NoError(t, err)
	return l
}

func (f *fixture) submit(t *testing.T, listingID, buyer string, amount int64) offer.Offer {
	t.Helper()
	sub, err := f.admission.Submit(context.Background(), submitParams(listingID, buyer, amount))
	require.NoError(t, err)
	require.Equal(t, offer.StatusPending, sub.Offer.Status)
	return sub.Offer
}

func (f *fixture) offer(t *testing.T, id string) offer.Offer {
	t.Helper()
	o, err := f.store.Offers().Get(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (f *fixture) listing(t *testing.T, id string) listing.Listing {
	t.Helper()
	l, err := f.lifecycle.Get(context.Background(), id)
	require.NoError(t, err)
	return l
}

func submitParams(listingID, buyer string, amount int64) offer.SubmitParams {
	return offer.SubmitParams{
		ListingID:    listingID,
		BuyerID:      buyer,
		Amount:       amount,
		Message:      "Is this still available?",
		ContactName:  "Buyer " + buyer,
		ContactPhone: "+15550100",
	}
}

func accept(listingID, offerID string) offer.DecideParams {
	return offer.DecideParams{ListingID: listingID, OfferID: offerID, ActorID: sellerID, Decision: offer.DecisionAccept}
}

func reject(listingID, offerID string) offer.DecideParams {
	return offer.DecideParams{ListingID: listingID, OfferID: offerID, ActorID: sellerID, Decision: offer.DecisionReject}
}

// memIdempotency is an in-process IdempotencyStore.
type memIdempotency struct {
	mu        sync.Mutex
	keys      map[string]string
	confirmed map[string]string
}

func newMemIdempotency() *memIdempotency {
	return &memIdempotency{keys: make(map[string]string), confirmed: make(map[string]string)}
}

func (m *memIdempotency) Claim(_ context.Context, scope, key, value string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := scope + "/" + key
	if existing, ok := m.keys[k]; ok {
		return existing, false, nil
	}
	m.keys[k] = value
	return value, true, nil
}

func (m *memIdempotency) Confirm(_ context.Context, scope, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmed[scope+"/"+key] = value
	return nil
}

func (m *memIdempotency) Release(_ context.Context, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, scope+"/"+key)
	return nil
}

// hookedReader runs after once, right after the first listing read.
type hookedReader struct {
	offer.ListingReader
	after func()
}

func (r *hookedReader) Get(ctx context.Context, id string) (listing.Listing, error) {
	l, err := r.ListingReader.Get(ctx, id)
	if fn := r.after; fn != nil {
		r.after = nil
		fn()
	}
	return l, err
}
