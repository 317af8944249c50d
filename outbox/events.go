package outbox

import (
	"time"

	"marketflow/listing"
	"marketflow/offer"
)

const (
	TopicListingCreated       = "listing.created"
	TopicListingStatusChanged = "listing.status_changed"
	TopicOfferSubmitted       = "offer.submitted"
	TopicOfferAccepted        = "offer.accepted"
	TopicOfferRejected        = "offer.rejected"
)

// Event is a domain event waiting to be written to the outbox table in the
// same transaction as the change it describes.
type Event struct {
	Topic   string
	Key     string
	Payload map[string]any
}

func ListingCreated(l listing.Listing) Event {
	return Event{
		Topic: TopicListingCreated,
		Key:   l.ID,
		Payload: map[string]any{
			"listing_id": l.ID,
			"seller_id":  l.SellerID,
			"status":     l.Status,
			"price":      l.Price,
			"version":    l.Version,
			"title":      l.Metadata.Title,
			"category":   l.Metadata.Category,
			"location":   l.Metadata.Location.Summary,
		},
	}
}

func ListingStatusChanged(p listing.SwapParams, updated listing.Listing) Event {
	payload := map[string]any{
		"listing_id": updated.ID,
		"event":      p.Event,
		"previous":   p.From,
		"next":       p.To,
		"version":    updated.Version,
		"changed_at": updated.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if p.ActorID != "" {
		payload["actor_id"] = p.ActorID
	}
	if updated.AcceptedOfferID != nil {
		payload["accepted_offer_id"] = *updated.AcceptedOfferID
	}
	return Event{Topic: TopicListingStatusChanged, Key: updated.ID, Payload: payload}
}

func OfferSubmitted(o offer.Offer) Event {
	return Event{
		Topic: TopicOfferSubmitted,
		Key:   o.ListingID,
		Payload: map[string]any{
			"offer_id":   o.ID,
			"listing_id": o.ListingID,
			"buyer_id":   o.BuyerID,
			"amount":     o.Amount,
		},
	}
}

// OfferDecided returns the accepted or rejected event matching o.Status.
func OfferDecided(o offer.Offer) Event {
	topic := TopicOfferRejected
	if o.Status == offer.StatusAccepted {
		topic = TopicOfferAccepted
	}
	payload := map[string]any{
		"offer_id":   o.ID,
		"listing_id": o.ListingID,
		"buyer_id":   o.BuyerID,
		"status":     o.Status,
	}
	if o.DecidedAt != nil {
		payload["decided_at"] = o.DecidedAt.UTC().Format(time.RFC3339Nano)
	}
	return Event{Topic: topic, Key: o.ListingID, Payload: payload}
}
