package listing

import "time"

type Status string

const (
	StatusDraft         Status = "draft"
	StatusPendingReview Status = "pending_review"
	StatusActive        Status = "active"
	StatusSold          Status = "sold"
	StatusPaused        Status = "paused"
	StatusReserved      Status = "reserved"
	StatusCancelled     Status = "cancelled"
	StatusExpired       Status = "expired"
	StatusArchived      Status = "archived"
)

// Valid reports whether s is one of the known listing statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPendingReview, StatusActive, StatusSold, StatusPaused,
		StatusReserved, StatusCancelled, StatusExpired, StatusArchived:
		return true
	default:
		return false
	}
}

// MaxImages is the number of image slots besides the cover.
const MaxImages = 9

// Location is the summary the external search service indexes.
type Location struct {
	Summary   string
	Latitude  float64
	Longitude float64
}

// Metadata holds the listing fields the lifecycle never interprets. Image
// entries are opaque filenames owned by the media service.
type Metadata struct {
	Title       string
	Description string
	Category    string
	Location    Location
	CoverImage  string
	Images      []string
}

// Listing mirrors the listings table.
type Listing struct {
	ID              string
	SellerID        string
	Status          Status
	Price           int64
	Version         int64
	AcceptedOfferID *string
	Metadata        Metadata
	ExpiresAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsFree reports whether the listing gives the item away.
func (l Listing) IsFree() bool {
	return l.Price == 0
}

// SwapParams describes one version-guarded status write.
type SwapParams struct {
	ListingID       string
	ExpectedVersion int64
	From            Status
	To              Status
	Event           Event
	ActorID         string
	AcceptedOfferID *string
}

// CreateParams are the inputs of the listing-creation flow.
type CreateParams struct {
	SellerID  string
	Price     int64
	Metadata  Metadata
	ExpiresAt *time.Time
	// SubmitForReview creates the listing in pending_review instead of draft.
	SubmitForReview bool
}

// TransitionParams identifies a requested lifecycle event on a listing.
type TransitionParams struct {
	ListingID string
	ActorID   string
	Event     Event
}
