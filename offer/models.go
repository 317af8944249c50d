package offer

import (
	"time"

	"marketflow/listing"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

// Offer mirrors the offers table. Everything except Status and DecidedAt is
// fixed at submission.
type Offer struct {
	ID           string
	ListingID    string
	BuyerID      string
	Amount       int64
	Message      string
	ContactName  string
	ContactPhone string
	Status       Status
	CreatedAt    time.Time
	DecidedAt    *time.Time
}

type SubmitParams struct {
	ListingID    string
	BuyerID      string
	Amount       int64
	Message      string
	ContactName  string
	ContactPhone string
	// IdempotencyKey, when set, makes retries with the same buyer and key
	// return the offer created by the first attempt.
	IdempotencyKey string
}

// Submission is the outcome of Submit. Replayed is true when the offer was
// created by an earlier request carrying the same idempotency key.
type Submission struct {
	Offer    Offer
	Replayed bool
}

type DecideParams struct {
	ListingID string
	OfferID   string
	ActorID   string
	Decision  Decision
}

// Outcome describes a completed decision. For accepts, Rejected counts the
// sibling offers closed by the fan-out and FanoutErr carries any partial
// failure; the accept itself has committed regardless.
type Outcome struct {
	Listing   listing.Listing
	Offer     Offer
	Rejected  int
	FanoutErr error
}
