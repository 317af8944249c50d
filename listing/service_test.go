package listing_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketflow/listing"
	"marketflow/memstore"
	"marketflow/outbox"
)

const seller = "seller-1"

func newLifecycle(t *testing.T) (*listing.Lifecycle, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	n := 0
	lc := listing.NewLifecycle(store.Listings(), nil).WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("listing-%d", n)
	})
	return lc, store
}

func activeListing(t *testing.T, lc *listing.Lifecycle) listing.Listing {
	t.Helper()
	ctx := context.Background()
	l, err := lc.Create(ctx, listing.CreateParams{SellerID: seller, Price: 500, SubmitForReview: true})
	require.NoError(t, err)
	l, err = lc.Transition(ctx, listing.TransitionParams{ListingID: l.ID, ActorID: "moderator", Event: listing.EventApprove}, l.Version)
	require.NoError(t, err)
	require.Equal(t, listing.StatusActive, l.Status)
	return l
}

func TestCreateStartsAtVersionOne(t *testing.T) {
	lc, store := newLifecycle(t)

	l, err := lc.Create(context.Background(), listing.CreateParams{
		SellerID: seller,
		Price:    0,
		Metadata: listing.Metadata{Title: "Sofa", Images: []string{"a.jpg"}},
	})
	require.NoError(t, err)
	require.Equal(t, listing.StatusDraft, l.Status)
	require.EqualValues(t, 1, l.Version)
	require.Nil(t, l.AcceptedOfferID)
	require.True(t, l.IsFree())

	events := store.Events()
	require.Len(t, events, 1)
	require.Equal(t, outbox.TopicListingCreated, events[0].Topic)
}

func TestCreateValidates(t *testing.T) {
	lc, _ := newLifecycle(t)
	ctx := context.Background()

	_, err := lc.Create(ctx, listing.CreateParams{Price: 10})
	require.ErrorIs(t, err, listing.ErrInvalidListing)

	_, err = lc.Create(ctx, listing.CreateParams{SellerID: seller, Price: -1})
	require.ErrorIs(t, err, listing.ErrInvalidListing)

	images := make([]string, listing.MaxImages+1)
	_, err = lc.Create(ctx, listing.CreateParams{SellerID: seller, Metadata: listing.Metadata{Images: images}})
	require.ErrorIs(t, err, listing.ErrInvalidListing)
}

func TestTransitionBumpsVersionByOne(t *testing.T) {
	lc, _ := newLifecycle(t)
	ctx := context.Background()
	l := activeListing(t, lc)
	require.EqualValues(t, 2, l.Version)

	paused, err := lc.Transition(ctx, listing.TransitionParams{ListingID: l.ID, ActorID: seller, Event: listing.EventPause}, l.Version)
	require.NoError(t, err)
	require.Equal(t, listing.StatusPaused, paused.Status)
	require.Equal(t, l.Version+1, paused.Version)
}

func TestTransitionStaleVersion(t *testing.T) {
	lc, _ := newLifecycle(t)
	ctx := context.Background()
	l := activeListing(t, lc)

	_, err := lc.Transition(ctx, listing.TransitionParams{ListingID: l.ID, ActorID: seller, Event: listing.EventPause}, l.Version-1)
	require.ErrorIs(t, err, listing.ErrStaleVersion)

	got, err := lc.Get(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, l.Version, got.Version)
	require.Equal(t, listing.StatusActive, got.Status)
}

func TestTransitionRejectsAcceptOffer(t *testing.T) {
	lc, _ := newLifecycle(t)
	l := activeListing(t, lc)

	_, err := lc.Transition(context.Background(), listing.TransitionParams{ListingID: l.ID, ActorID: seller, Event: listing.EventAcceptOffer}, l.Version)
	require.ErrorIs(t, err, listing.ErrInvalidTransition)
}

func TestTransitionRequiresSeller(t *testing.T) {
	lc, _ := newLifecycle(t)
	l := activeListing(t, lc)

	_, err := lc.Transition(context.Background(), listing.TransitionParams{ListingID: l.ID, ActorID: "intruder", Event: listing.EventCancel}, l.Version)
	require.ErrorIs(t, err, listing.ErrForbidden)
}

func TestTransitionUnknownListing(t *testing.T) {
	lc, _ := newLifecycle(t)

	_, err := lc.TransitionListing(context.Background(), listing.TransitionParams{ListingID: "missing", ActorID: seller, Event: listing.EventPause})
	require.ErrorIs(t, err, listing.ErrNotFound)
}

func TestSoldListingNeverLeavesSold(t *testing.T) {
	lc, _ := newLifecycle(t)
	ctx := context.Background()
	l := activeListing(t, lc)

	sold, err := lc.MarkSold(ctx, l.ID, seller)
	require.NoError(t, err)
	require.Equal(t, listing.StatusSold, sold.Status)
	require.Nil(t, sold.AcceptedOfferID)

	for _, ev := range []listing.Event{listing.EventResume, listing.EventArchive, listing.EventCancel, listing.EventMarkSold} {
		_, err := lc.TransitionListing(ctx, listing.TransitionParams{ListingID: l.ID, ActorID: seller, Event: ev})
		require.ErrorIs(t, err, listing.ErrInvalidTransition, "event %s", ev)
	}
	got, err := lc.Get(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, sold.Version, got.Version)
}

func TestConcurrentTransitionsSingleWinnerPerVersion(t *testing.T) {
	lc, _ := newLifecycle(t)
	ctx := context.Background()
	l := activeListing(t, lc)

	const n = 16
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		stale int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := lc.Transition(ctx, listing.TransitionParams{ListingID: l.ID, ActorID: seller, Event: listing.EventMarkSold}, l.Version)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, listing.ErrStaleVersion):
				stale++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	require.Equal(t, n-1, stale)
}

// flakyRepo lets a concurrent writer bump the version right before the next
// swap once bumpNext is set.
type flakyRepo struct {
	listing.Repository
	bumpNext bool
}

func (r *flakyRepo) SwapStatus(ctx context.Context, p listing.SwapParams) (listing.Listing, error) {
	if r.bumpNext {
		r.bumpNext = false
		_, _ = r.Repository.SwapStatus(ctx, listing.SwapParams{
			ListingID: p.ListingID, ExpectedVersion: p.ExpectedVersion, From: p.From, To: listing.StatusReserved, Event: listing.EventReserve,
		})
		_, _ = r.Repository.SwapStatus(ctx, listing.SwapParams{
			ListingID: p.ListingID, ExpectedVersion: p.ExpectedVersion + 1, From: listing.StatusReserved, To: listing.StatusActive, Event: listing.EventRelease,
		})
	}
	return r.Repository.SwapStatus(ctx, p)
}

func TestTransitionListingRetriesStaleVersion(t *testing.T) {
	store := memstore.New()
	repo := &flakyRepo{Repository: store.Listings()}
	lc := listing.NewLifecycle(repo, nil)
	ctx := context.Background()

	l, err := lc.Create(ctx, listing.CreateParams{SellerID: seller, Price: 10, SubmitForReview: true})
	require.NoError(t, err)
	_, err = lc.Transition(ctx, listing.TransitionParams{ListingID: l.ID, Event: listing.EventApprove}, l.Version)
	require.NoError(t, err)

	repo.bumpNext = true
	paused, err := lc.TransitionListing(ctx, listing.TransitionParams{ListingID: l.ID, ActorID: seller, Event: listing.EventPause})
	require.NoError(t, err)
	require.Equal(t, listing.StatusPaused, paused.Status)
	require.EqualValues(t, 5, paused.Version)
}

func TestTransitionListingGivesUpAfterRetries(t *testing.T) {
	store := memstore.New()
	repo := &alwaysStaleRepo{Repository: store.Listings()}
	lc := listing.NewLifecycle(repo, nil).WithRetries(2)
	ctx := context.Background()

	l, err := lc.Create(ctx, listing.CreateParams{SellerID: seller, Price: 10})
	require.NoError(t, err)

	_, err = lc.TransitionListing(ctx, listing.TransitionParams{ListingID: l.ID, ActorID: seller, Event: listing.EventSubmit})
	require.ErrorIs(t, err, listing.ErrStaleVersion)
	require.Equal(t, 3, repo.swaps)
}

type alwaysStaleRepo struct {
	listing.Repository
	swaps int
}

func (r *alwaysStaleRepo) SwapStatus(context.Context, listing.SwapParams) (listing.Listing, error) {
	r.swaps++
	return listing.Listing{}, listing.ErrStaleVersion
}

func TestSweeperExpiresOverdueListings(t *testing.T) {
	store := memstore.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lc := listing.NewLifecycle(store.Listings(), nil).WithClock(func() time.Time { return now })
	ctx := context.Background()

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	overdue, err := lc.Create(ctx, listing.CreateParams{SellerID: seller, Price: 1, ExpiresAt: &past, SubmitForReview: true})
	require.NoError(t, err)
	fresh, err := lc.Create(ctx, listing.CreateParams{SellerID: seller, Price: 1, ExpiresAt: &future, SubmitForReview: true})
	require.NoError(t, err)
	draft, err := lc.Create(ctx, listing.CreateParams{SellerID: seller, Price: 1, ExpiresAt: &past})
	require.NoError(t, err)

	n, err := listing.NewSweeper(lc, store.Listings(), time.Minute, 10).SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := lc.Get(ctx, overdue.ID)
	require.NoError(t, err)
	require.Equal(t, listing.StatusExpired, got.Status)

	got, err = lc.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, listing.StatusPendingReview, got.Status)

	got, err = lc.Get(ctx, draft.ID)
	require.NoError(t, err)
	require.Equal(t, listing.StatusDraft, got.Status)
}

func TestSweeperReportsEachExpiredListing(t *testing.T) {
	store := memstore.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lc := listing.NewLifecycle(store.Listings(), nil).WithClock(func() time.Time { return now })
	ctx := context.Background()

	past := now.Add(-time.Hour)
	var want []string
	for i := 0; i < 3; i++ {
		l, err := lc.Create(ctx, listing.CreateParams{SellerID: seller, Price: 1, ExpiresAt: &past, SubmitForReview: true})
		require.NoError(t, err)
		want = append(want, l.ID)
	}
	_, err := lc.Create(ctx, listing.CreateParams{SellerID: seller, Price: 1, ExpiresAt: &past})
	require.NoError(t, err)

	var got []string
	n, err := listing.NewSweeper(lc, store.Listings(), time.Minute, 10).
		OnExpire(func(_ context.Context, id string) { got = append(got, id) }).
		SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.ElementsMatch(t, want, got)
}
