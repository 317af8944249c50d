package listing

import "fmt"

// Event is a lifecycle trigger applied to a listing.
type Event string

const (
	EventSubmit      Event = "submit"
	EventApprove     Event = "approve"
	EventPause       Event = "pause"
	EventResume      Event = "resume"
	EventMarkSold    Event = "mark_sold"
	EventAcceptOffer Event = "accept_offer"
	EventCancel      Event = "cancel"
	EventExpire      Event = "expire"
	EventReserve     Event = "reserve"
	EventRelease     Event = "release"
	EventArchive     Event = "archive"
)

type edge struct {
	from  Status
	event Event
}

var transitions = map[edge]Status{
	{StatusDraft, EventSubmit}:           StatusPendingReview,
	{StatusPendingReview, EventApprove}:  StatusActive,
	{StatusActive, EventPause}:           StatusPaused,
	{StatusPaused, EventResume}:          StatusActive,
	{StatusActive, EventMarkSold}:        StatusSold,
	{StatusActive, EventAcceptOffer}:     StatusSold,
	{StatusActive, EventCancel}:          StatusCancelled,
	{StatusActive, EventExpire}:          StatusExpired,
	{StatusPaused, EventExpire}:          StatusExpired,
	{StatusPendingReview, EventExpire}:   StatusExpired,
	{StatusActive, EventReserve}:         StatusReserved,
	{StatusReserved, EventRelease}:       StatusActive,
	{StatusDraft, EventArchive}:          StatusArchived,
	{StatusPendingReview, EventArchive}:  StatusArchived,
	{StatusActive, EventArchive}:         StatusArchived,
	{StatusPaused, EventArchive}:         StatusArchived,
	{StatusReserved, EventArchive}:       StatusArchived,
	{StatusCancelled, EventArchive}:      StatusArchived,
	{StatusExpired, EventArchive}:        StatusArchived,
}

// Next returns the status reached by applying event in status from. Sold
// listings accept no event at all, archive included.
func Next(from Status, event Event) (Status, error) {
	to, ok := transitions[edge{from, event}]
	if !ok {
		return "", fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, from)
	}
	return to, nil
}

// Valid reports whether e is a known event.
func (e Event) Valid() bool {
	switch e {
	case EventSubmit, EventApprove, EventPause, EventResume, EventMarkSold,
		EventAcceptOffer, EventCancel, EventExpire, EventReserve, EventRelease, EventArchive:
		return true
	default:
		return false
	}
}

// IsSystem reports whether e is issued by a trusted process (moderation or the
// expiry trigger) rather than by the seller.
func (e Event) IsSystem() bool {
	return e == EventApprove || e == EventExpire
}
