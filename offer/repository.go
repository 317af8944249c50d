package offer

import (
	"context"
	"errors"
	"time"

	"marketflow/listing"
)

var (
	ErrNotFound       = errors.New("offer: not found")
	ErrListingNotOpen = errors.New("offer: listing is not accepting offers")
	// ErrOfferAlreadyDecided is returned when the offer left pending before
	// this request's conditional write.
	ErrOfferAlreadyDecided  = errors.New("offer: already decided")
	ErrListingNotAcceptable = errors.New("offer: listing can no longer accept this offer")
	ErrInvalidOffer         = errors.New("offer: invalid offer")
	// ErrSubmissionInFlight is returned when an idempotency key is claimed by a
	// submission that has not stored its offer yet.
	ErrSubmissionInFlight = errors.New("offer: submission with this idempotency key is in progress")
)

// Repository stores offers keyed by id and indexed by listing. SwapStatus
// changes status only if the stored one equals from, returning
// ErrOfferAlreadyDecided otherwise, and records the matching outbox event.
type Repository interface {
	// Create inserts o only while its listing is active, atomically with
	// respect to listing status writes, and returns ErrListingNotOpen
	// otherwise.
	Create(ctx context.Context, o Offer) (Offer, error)
	Get(ctx context.Context, id string) (Offer, error)
	// ListByListing returns offers of a listing in submission order. An empty
	// status returns all of them.
	ListByListing(ctx context.Context, listingID string, status Status) ([]Offer, error)
	SwapStatus(ctx context.Context, id string, from, to Status, decidedAt time.Time) (Offer, error)
}

// Stores are the repositories bound to one unit of work.
type Stores struct {
	Listings listing.Repository
	Offers   Repository
}

// Transactor runs fn with stores sharing a single transaction. fn's writes
// commit together when it returns nil and are discarded otherwise.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, s Stores) error) error
}

// IdempotencyStore remembers which offer a (scope, key) pair produced. Claim
// stores value when the pair is new and reports claimed=true; otherwise it
// returns the value stored by the first claimant. A fresh claim only lives
// long enough to cover one submission; Confirm keeps it for the full replay
// window once the offer is stored.
type IdempotencyStore interface {
	Claim(ctx context.Context, scope, key, value string) (existing string, claimed bool, err error)
	Confirm(ctx context.Context, scope, key, value string) error
	Release(ctx context.Context, scope, key string) error
}
