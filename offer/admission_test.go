package offer_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketflow/idempotency"
	"marketflow/listing"
	"marketflow/offer"
	"marketflow/outbox"
)

func TestSubmitCreatesPendingOffer(t *testing.T) {
	f := newFixture(t)
	l := f.activeListing(t, 500)

	o := f.submit(t, l.ID, "buyer-1", 400)
	assert.Equal(t, l.ID, o.ListingID)
	assert.EqualValues(t, 400, o.Amount)
	assert.Nil(t, o.DecidedAt)

	events := f.store.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, outbox.TopicOfferSubmitted, events[len(events)-1].Topic)
	assert.EqualValues(t, 2, f.listing(t, l.ID).Version, "admission must not touch the listing")
}

func TestSubmitValidatesInput(t *testing.T) {
	f := newFixture(t)
	l := f.activeListing(t, 500)
	ctx := context.Background()

	cases := map[string]func(p *offer.SubmitParams){
		"negative amount": func(p *offer.SubmitParams) { p.Amount = -1 },
		"blank message":   func(p *offer.SubmitParams) { p.Message = "   " },
		"blank name":      func(p *offer.SubmitParams) { p.ContactName = "" },
		"blank phone":     func(p *offer.SubmitParams) { p.ContactPhone = "\t" },
		"missing buyer":   func(p *offer.SubmitParams) { p.BuyerID = "" },
		"seller as buyer": func(p *offer.SubmitParams) { p.BuyerID = sellerID },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := submitParams(l.ID, "buyer-1", 100)
			mutate(&p)
			_, err := f.admission.Submit(ctx, p)
			require.ErrorIs(t, err, offer.ErrInvalidOffer)
		})
	}

	offers, err := f.store.Offers().ListByListing(ctx, l.ID, "")
	require.NoError(t, err)
	assert.Empty(t, offers)
}

func TestSubmitTrimsFields(t *testing.T) {
	f := newFixture(t)
	l := f.activeListing(t, 500)

	p := submitParams(l.ID, "buyer-1", 100)
	p.Message = "  hello  "
	sub, err := f.admission.Submit(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "hello", sub.Offer.Message)
}

func TestSubmitUnknownListing(t *testing.T) {
	f := newFixture(t)

	_, err := f.admission.Submit(context.Background(), submitParams("missing", "buyer-1", 100))
	require.ErrorIs(t, err, listing.ErrNotFound)
}

func TestSubmitRequiresActiveListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft, err := f.lifecycle.Create(ctx, listing.CreateParams{SellerID: sellerID, Price: 100})
	require.NoError(t, err)
	_, err = f.admission.Submit(ctx, submitParams(draft.ID, "buyer-1", 50))
	require.ErrorIs(t, err, offer.ErrListingNotOpen)

	l := f.activeListing(t, 100)
	_, err = f.lifecycle.TransitionListing(ctx, listing.TransitionParams{ListingID: l.ID, ActorID: sellerID, Event: listing.EventPause})
	require.NoError(t, err)
	_, err = f.admission.Submit(ctx, submitParams(l.ID, "buyer-1", 50))
	require.ErrorIs(t, err, offer.ErrListingNotOpen)
}

// Scenario C: submitting against a sold listing is refused.
func TestSubmitOnSoldListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.activeListing(t, 500)

	_, err := f.lifecycle.MarkSold(ctx, l.ID, sellerID)
	require.NoError(t, err)

	_, err = f.admission.Submit(ctx, submitParams(l.ID, "buyer-1", 400))
	require.ErrorIs(t, err, offer.ErrListingNotOpen)
}

func TestSubmitFreeListingForcesZeroAmount(t *testing.T) {
	f := newFixture(t)
	l := f.activeListing(t, 0)

	for _, amount := range []int64{0, 1, 9999} {
		o := f.submit(t, l.ID, "buyer-1", amount)
		assert.Zero(t, o.Amount)
	}
	offers, err := f.store.Offers().ListByListing(context.Background(), l.ID, "")
	require.NoError(t, err)
	require.Len(t, offers, 3)
	for _, o := range offers {
		assert.Zero(t, o.Amount)
	}
}

func TestSubmitIdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t)
	f.admission.WithIdempotency(newMemIdempotency())
	l := f.activeListing(t, 500)
	ctx := context.Background()

	p := submitParams(l.ID, "buyer-1", 400)
	p.IdempotencyKey = "retry-1"
	first, err := f.admission.Submit(ctx, p)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := f.admission.Submit(ctx, p)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Offer.ID, second.Offer.ID)

	offers, err := f.store.Offers().ListByListing(ctx, l.ID, "")
	require.NoError(t, err)
	assert.Len(t, offers, 1)

	other := submitParams(l.ID, "buyer-2", 400)
	other.IdempotencyKey = "retry-1"
	third, err := f.admission.Submit(ctx, other)
	require.NoError(t, err, "keys are scoped per buyer")
	assert.NotEqual(t, first.Offer.ID, third.Offer.ID)
}

func TestSubmitIdempotencyKeyOnOtherListing(t *testing.T) {
	f := newFixture(t)
	f.admission.WithIdempotency(newMemIdempotency())
	a := f.activeListing(t, 500)
	b := f.activeListing(t, 500)
	ctx := context.Background()

	p := submitParams(a.ID, "buyer-1", 400)
	p.IdempotencyKey = "k"
	_, err := f.admission.Submit(ctx, p)
	require.NoError(t, err)

	p.ListingID = b.ID
	_, err = f.admission.Submit(ctx, p)
	require.ErrorIs(t, err, offer.ErrInvalidOffer)
}

func TestSubmitIdempotencyKeyInFlight(t *testing.T) {
	f := newFixture(t)
	idem := newMemIdempotency()
	f.admission.WithIdempotency(idem)
	l := f.activeListing(t, 500)
	ctx := context.Background()

	_, claimed, err := idem.Claim(ctx, "buyer-1", "k", "not-yet-stored")
	require.NoError(t, err)
	require.True(t, claimed)

	p := submitParams(l.ID, "buyer-1", 400)
	p.IdempotencyKey = "k"
	_, err = f.admission.Submit(ctx, p)
	require.ErrorIs(t, err, offer.ErrSubmissionInFlight)
}

func TestSubmitReleasesKeyOnFailure(t *testing.T) {
	f := newFixture(t)
	f.admission.WithIdempotency(newMemIdempotency())
	ctx := context.Background()

	draft, err := f.lifecycle.Create(ctx, listing.CreateParams{SellerID: sellerID, Price: 100, SubmitForReview: true})
	require.NoError(t, err)

	p := submitParams(draft.ID, "buyer-1", 50)
	p.IdempotencyKey = "k"
	_, err = f.admission.Submit(ctx, p)
	require.ErrorIs(t, err, offer.ErrListingNotOpen)

	_, err = f.lifecycle.Transition(ctx, listing.TransitionParams{ListingID: draft.ID, Event: listing.EventApprove}, draft.Version)
	require.NoError(t, err)

	sub, err := f.admission.Submit(ctx, p)
	require.NoError(t, err)
	assert.False(t, sub.Replayed)
}

func TestSubmitConfirmsKeyOnlyAfterStore(t *testing.T) {
	f := newFixture(t)
	idem := newMemIdempotency()
	f.admission.WithIdempotency(idem)
	ctx := context.Background()

	draft, err := f.lifecycle.Create(ctx, listing.CreateParams{SellerID: sellerID, Price: 100})
	require.NoError(t, err)
	p := submitParams(draft.ID, "buyer-1", 50)
	p.IdempotencyKey = "k"
	_, err = f.admission.Submit(ctx, p)
	require.ErrorIs(t, err, offer.ErrListingNotOpen)
	assert.Empty(t, idem.confirmed)

	l := f.activeListing(t, 100)
	p.ListingID = l.ID
	sub, err := f.admission.Submit(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, sub.Offer.ID, idem.confirmed["buyer-1/k"])
}

func TestSubmitRetryAfterAbandonedClaim(t *testing.T) {
	f := newFixture(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	f.admission.WithIdempotency(idempotency.NewRedisStore(client, time.Hour).WithPendingTTL(5 * time.Second))
	l := f.activeListing(t, 500)
	ctx := context.Background()

	// A first attempt claimed the key and died before storing its offer.
	_, claimed, err := idempotency.NewRedisStore(client, time.Hour).Claim(ctx, "buyer-1", "k", "lost-offer")
	require.NoError(t, err)
	require.True(t, claimed)

	p := submitParams(l.ID, "buyer-1", 400)
	p.IdempotencyKey = "k"
	_, err = f.admission.Submit(ctx, p)
	require.ErrorIs(t, err, offer.ErrSubmissionInFlight)

	mr.FastForward(6 * time.Second)
	sub, err := f.admission.Submit(ctx, p)
	require.NoError(t, err)
	assert.False(t, sub.Replayed)
	assert.Equal(t, time.Hour, mr.TTL("idem:offer:buyer-1:k"))

	again, err := f.admission.Submit(ctx, p)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, sub.Offer.ID, again.Offer.ID)
}

func TestSubmitRefusedWhenAcceptWinsAfterRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.activeListing(t, 500)
	first := f.submit(t, l.ID, "buyer-1", 450)

	reader := &hookedReader{ListingReader: f.store.Listings(), after: func() {
		out, err := f.decisions.Decide(ctx, accept(l.ID, first.ID))
		require.NoError(t, err)
		require.NoError(t, out.FanoutErr)
	}}
	admission := offer.NewAdmissionService(reader, f.store.Offers(), nil)

	_, err := admission.Submit(ctx, submitParams(l.ID, "buyer-2", 300))
	require.ErrorIs(t, err, offer.ErrListingNotOpen)

	assert.Equal(t, listing.StatusSold, f.listing(t, l.ID).Status)
	pending, err := f.store.Offers().ListByListing(ctx, l.ID, offer.StatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending, "no offer may stay pending on a sold listing")
}
