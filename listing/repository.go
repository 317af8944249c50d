package listing

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("listing: not found")
	// ErrInvalidTransition is returned when the event is not allowed from the
	// listing's current status.
	ErrInvalidTransition = errors.New("listing: invalid transition")
	// ErrStaleVersion is returned when the caller's version no longer matches
	// the stored one, whether detected on read or by the conditional write.
	ErrStaleVersion   = errors.New("listing: stale version")
	ErrForbidden      = errors.New("listing: actor does not own listing")
	ErrInvalidListing = errors.New("listing: invalid listing")
)

// Repository is the durable keyed store of listings. SwapStatus is the only
// mutation after Create and must apply atomically: it succeeds only when the
// stored version equals p.ExpectedVersion, bumps the version by one and
// records the matching outbox event.
type Repository interface {
	Create(ctx context.Context, l Listing) (Listing, error)
	Get(ctx context.Context, id string) (Listing, error)
	SwapStatus(ctx context.Context, p SwapParams) (Listing, error)
	ListExpiring(ctx context.Context, now time.Time, limit int) ([]Listing, error)
}
