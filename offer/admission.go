package offer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"marketflow/listing"
	"marketflow/logging"
	"marketflow/metrics"
	"marketflow/tracing"
)

// ListingReader is the read side of the listing store used by admission.
type ListingReader interface {
	Get(ctx context.Context, id string) (listing.Listing, error)
}

// AdmissionService validates and stores new pending offers. It reads the
// listing without locking it; submissions never conflict with each other.
type AdmissionService struct {
	listings ListingReader
	offers   Repository
	idem     IdempotencyStore
	logger   *zap.Logger
	metrics  *metrics.Manager
	tracer   trace.Tracer
	now      func() time.Time
	idGen    func() string
}

func NewAdmissionService(listings ListingReader, offers Repository, logger *zap.Logger) *AdmissionService {
	return &AdmissionService{
		listings: listings,
		offers:   offers,
		logger:   logging.OrNop(logger).Named("admission"),
		tracer:   tracing.Tracer("marketflow/offer"),
		now:      time.Now,
		idGen:    func() string { return uuid.NewString() },
	}
}

func (s *AdmissionService) WithIdempotency(store IdempotencyStore) *AdmissionService {
	s.idem = store
	return s
}

func (s *AdmissionService) WithMetrics(m *metrics.Manager) *AdmissionService {
	s.metrics = m
	return s
}

func (s *AdmissionService) WithClock(now func() time.Time) *AdmissionService {
	s.now = now
	return s
}

func (s *AdmissionService) WithIDGenerator(gen func() string) *AdmissionService {
	s.idGen = gen
	return s
}

// Submit admits a new pending offer on an active listing.
func (s *AdmissionService) Submit(ctx context.Context, p SubmitParams) (Submission, error) {
	ctx, span := s.tracer.Start(ctx, "offer.Submit", trace.WithAttributes(tracing.ListingAttr(p.ListingID)))
	sub, err := s.submit(ctx, p)
	tracing.End(span, err)

	switch {
	case err == nil && sub.Replayed:
		s.metrics.OfferSubmitted("replayed")
	case err == nil:
		s.metrics.OfferSubmitted("ok")
	case errors.Is(err, ErrInvalidOffer):
		s.metrics.OfferSubmitted("invalid")
	case errors.Is(err, ErrListingNotOpen):
		s.metrics.OfferSubmitted("not_open")
	default:
		s.metrics.OfferSubmitted("error")
	}
	return sub, err
}

func (s *AdmissionService) submit(ctx context.Context, p SubmitParams) (Submission, error) {
	p.BuyerID = strings.TrimSpace(p.BuyerID)
	p.Message = strings.TrimSpace(p.Message)
	p.ContactName = strings.TrimSpace(p.ContactName)
	p.ContactPhone = strings.TrimSpace(p.ContactPhone)
	if err := validateSubmit(p); err != nil {
		return Submission{}, err
	}

	id := s.idGen()
	key := strings.TrimSpace(p.IdempotencyKey)
	if key != "" && s.idem != nil {
		existing, claimed, err := s.idem.Claim(ctx, p.BuyerID, key, id)
		if err != nil {
			return Submission{}, fmt.Errorf("offer: claim idempotency key: %w", err)
		}
		if !claimed {
			return s.replay(ctx, p, existing)
		}
	}

	created, err := s.admit(ctx, p, id)
	if err != nil {
		if key != "" && s.idem != nil {
			if relErr := s.idem.Release(context.WithoutCancel(ctx), p.BuyerID, key); relErr != nil {
				s.logger.Warn("release idempotency key", zap.String("buyer_id", p.BuyerID), zap.Error(relErr))
			}
		}
		return Submission{}, err
	}
	if key != "" && s.idem != nil {
		if err := s.idem.Confirm(context.WithoutCancel(ctx), p.BuyerID, key, created.ID); err != nil {
			s.logger.Warn("confirm idempotency key", zap.String("buyer_id", p.BuyerID), zap.String("offer_id", created.ID), zap.Error(err))
		}
	}
	s.logger.Info("offer submitted",
		zap.String("offer_id", created.ID),
		zap.String("listing_id", created.ListingID),
		zap.String("buyer_id", created.BuyerID),
		zap.Int64("amount", created.Amount),
	)
	return Submission{Offer: created}, nil
}

func (s *AdmissionService) admit(ctx context.Context, p SubmitParams, id string) (Offer, error) {
	l, err := s.listings.Get(ctx, p.ListingID)
	if err != nil {
		return Offer{}, err
	}
	if l.Status != listing.StatusActive {
		return Offer{}, fmt.Errorf("%w: listing is %s", ErrListingNotOpen, l.Status)
	}
	if l.SellerID == p.BuyerID {
		return Offer{}, fmt.Errorf("%w: seller cannot offer on own listing", ErrInvalidOffer)
	}

	amount := p.Amount
	if l.IsFree() {
		amount = 0
	}
	return s.offers.Create(ctx, Offer{
		ID:           id,
		ListingID:    l.ID,
		BuyerID:      p.BuyerID,
		Amount:       amount,
		Message:      p.Message,
		ContactName:  p.ContactName,
		ContactPhone: p.ContactPhone,
		Status:       StatusPending,
		CreatedAt:    s.now().UTC(),
	})
}

func (s *AdmissionService) replay(ctx context.Context, p SubmitParams, offerID string) (Submission, error) {
	o, err := s.offers.Get(ctx, offerID)
	if errors.Is(err, ErrNotFound) {
		return Submission{}, ErrSubmissionInFlight
	}
	if err != nil {
		return Submission{}, err
	}
	if o.ListingID != p.ListingID || o.BuyerID != p.BuyerID {
		return Submission{}, fmt.Errorf("%w: idempotency key already used for another offer", ErrInvalidOffer)
	}
	s.logger.Debug("offer submission replayed", zap.String("offer_id", o.ID))
	return Submission{Offer: o, Replayed: true}, nil
}

func validateSubmit(p SubmitParams) error {
	switch {
	case p.ListingID == "":
		return fmt.Errorf("%w: missing listing id", ErrInvalidOffer)
	case p.BuyerID == "":
		return fmt.Errorf("%w: missing buyer id", ErrInvalidOffer)
	case p.Amount < 0:
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidOffer)
	case p.Message == "":
		return fmt.Errorf("%w: message is required", ErrInvalidOffer)
	case p.ContactName == "":
		return fmt.Errorf("%w: contact name is required", ErrInvalidOffer)
	case p.ContactPhone == "":
		return fmt.Errorf("%w: contact phone is required", ErrInvalidOffer)
	}
	return nil
}
