package offer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"marketflow/listing"
	"marketflow/logging"
	"marketflow/metrics"
	"marketflow/tracing"
)

const defaultFanoutLimit = 8

// DecisionService accepts and rejects offers. The listing's version guard is
// the only mutual exclusion between concurrent accepts.
type DecisionService struct {
	listings    listing.Repository
	offers      Repository
	tx          Transactor
	lifecycle   *listing.Lifecycle
	logger      *zap.Logger
	metrics     *metrics.Manager
	tracer      trace.Tracer
	now         func() time.Time
	fanoutLimit int
}

func NewDecisionService(listings listing.Repository, offers Repository, tx Transactor, lifecycle *listing.Lifecycle, logger *zap.Logger) *DecisionService {
	return &DecisionService{
		listings:    listings,
		offers:      offers,
		tx:          tx,
		lifecycle:   lifecycle,
		logger:      logging.OrNop(logger).Named("decision"),
		tracer:      tracing.Tracer("marketflow/offer"),
		now:         time.Now,
		fanoutLimit: defaultFanoutLimit,
	}
}

func (s *DecisionService) WithClock(now func() time.Time) *DecisionService {
	s.now = now
	return s
}

func (s *DecisionService) WithMetrics(m *metrics.Manager) *DecisionService {
	s.metrics = m
	return s
}

// WithFanoutLimit bounds how many sibling rejections run at once.
func (s *DecisionService) WithFanoutLimit(n int) *DecisionService {
	if n > 0 {
		s.fanoutLimit = n
	}
	return s
}

// Decide applies p.Decision to a pending offer of the listing. Only the
// listing's seller may decide.
func (s *DecisionService) Decide(ctx context.Context, p DecideParams) (Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "offer.Decide", trace.WithAttributes(
		tracing.ListingAttr(p.ListingID),
		tracing.OfferAttr(p.OfferID),
		attribute.String("offer.decision", string(p.Decision)),
	))

	var (
		out Outcome
		err error
	)
	switch p.Decision {
	case DecisionAccept:
		out, err = s.accept(ctx, p)
	case DecisionReject:
		out, err = s.reject(ctx, p)
	default:
		err = fmt.Errorf("%w: unknown decision %q", ErrInvalidOffer, p.Decision)
	}
	tracing.End(span, err)
	s.metrics.Decision(string(p.Decision), outcome(err))
	return out, err
}

// load resolves the listing and an offer that belongs to it.
func (s *DecisionService) load(ctx context.Context, p DecideParams) (listing.Listing, Offer, error) {
	l, err := s.listings.Get(ctx, p.ListingID)
	if err != nil {
		return listing.Listing{}, Offer{}, err
	}
	if p.ActorID != l.SellerID {
		return listing.Listing{}, Offer{}, listing.ErrForbidden
	}
	o, err := s.offers.Get(ctx, p.OfferID)
	if err != nil {
		return listing.Listing{}, Offer{}, err
	}
	if o.ListingID != l.ID {
		return listing.Listing{}, Offer{}, ErrNotFound
	}
	return l, o, nil
}

func alreadyDecided(o Offer) error {
	return fmt.Errorf("%w: offer is %s", ErrOfferAlreadyDecided, o.Status)
}

func (s *DecisionService) accept(ctx context.Context, p DecideParams) (Outcome, error) {
	l, o, err := s.load(ctx, p)
	if err != nil {
		return Outcome{}, err
	}
	switch o.Status {
	case StatusAccepted:
		return Outcome{}, alreadyDecided(o)
	case StatusRejected:
		// Rejected by the fan-out of a competing accept: report the listing.
		current, err := s.listings.Get(ctx, l.ID)
		if err != nil {
			return Outcome{}, err
		}
		if current.Status != listing.StatusActive {
			return Outcome{}, fmt.Errorf("%w: listing is %s", ErrListingNotAcceptable, current.Status)
		}
		return Outcome{}, alreadyDecided(o)
	}
	if l.Status != listing.StatusActive {
		return Outcome{}, fmt.Errorf("%w: listing is %s", ErrListingNotAcceptable, l.Status)
	}
	expected := l.Version

	var out Outcome
	err = s.tx.WithinTx(ctx, func(ctx context.Context, st Stores) error {
		offerID := o.ID
		sold, err := s.lifecycle.Apply(ctx, st.Listings, listing.TransitionParams{
			ListingID: l.ID,
			ActorID:   p.ActorID,
			Event:     listing.EventAcceptOffer,
		}, expected, &offerID)
		if err != nil {
			if errors.Is(err, listing.ErrStaleVersion) || errors.Is(err, listing.ErrInvalidTransition) {
				return fmt.Errorf("%w: %v", ErrListingNotAcceptable, err)
			}
			return err
		}
		accepted, err := st.Offers.SwapStatus(ctx, o.ID, StatusPending, StatusAccepted, s.now().UTC())
		if err != nil {
			return err
		}
		out.Listing = sold
		out.Offer = accepted
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrListingNotAcceptable) || errors.Is(err, ErrOfferAlreadyDecided) {
			s.logger.Warn("offer accept lost race",
				zap.String("listing_id", l.ID),
				zap.String("offer_id", o.ID),
				zap.Int64("expected_version", expected),
				zap.Error(err),
			)
		}
		return Outcome{}, err
	}

	s.logger.Info("offer accepted",
		zap.String("listing_id", out.Listing.ID),
		zap.String("offer_id", out.Offer.ID),
		zap.Int64("version", out.Listing.Version),
	)

	out.Rejected, out.FanoutErr = s.rejectPending(ctx, l.ID, o.ID)
	if out.FanoutErr != nil {
		s.logger.Warn("offer fan-out incomplete, retry with RejectPending",
			zap.String("listing_id", l.ID),
			zap.Int("rejected", out.Rejected),
			zap.Error(out.FanoutErr),
		)
	}
	return out, nil
}

func (s *DecisionService) reject(ctx context.Context, p DecideParams) (Outcome, error) {
	l, o, err := s.load(ctx, p)
	if err != nil {
		return Outcome{}, err
	}
	if o.Status != StatusPending {
		return Outcome{}, alreadyDecided(o)
	}
	rejected, err := s.offers.SwapStatus(ctx, o.ID, StatusPending, StatusRejected, s.now().UTC())
	if err != nil {
		return Outcome{}, err
	}
	s.logger.Info("offer rejected", zap.String("listing_id", l.ID), zap.String("offer_id", o.ID))
	return Outcome{Listing: l, Offer: rejected}, nil
}

// RejectPending rejects every offer of the listing that is still pending.
// It is safe to repeat: decided offers are never touched.
func (s *DecisionService) RejectPending(ctx context.Context, listingID, actorID string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "offer.RejectPending", trace.WithAttributes(tracing.ListingAttr(listingID)))
	var err error
	defer func() { tracing.End(span, err) }()

	var l listing.Listing
	l, err = s.listings.Get(ctx, listingID)
	if err != nil {
		return 0, err
	}
	if actorID != l.SellerID {
		err = listing.ErrForbidden
		return 0, err
	}
	var n int
	n, err = s.rejectPending(ctx, l.ID, "")
	return n, err
}

// rejectPending closes the pending offers of a listing, skipping except.
// Offers that were decided concurrently are not counted and not an error.
func (s *DecisionService) rejectPending(ctx context.Context, listingID, except string) (int, error) {
	pending, err := s.offers.ListByListing(ctx, listingID, StatusPending)
	if err != nil {
		return 0, fmt.Errorf("offer: list pending: %w", err)
	}

	var (
		mu       sync.Mutex
		rejected int
		errs     []error
	)
	var g errgroup.Group
	g.SetLimit(s.fanoutLimit)
	for _, o := range pending {
		if o.ID == except {
			continue
		}
		g.Go(func() error {
			_, err := s.offers.SwapStatus(ctx, o.ID, StatusPending, StatusRejected, s.now().UTC())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				rejected++
			case errors.Is(err, ErrOfferAlreadyDecided):
			default:
				errs = append(errs, fmt.Errorf("reject %s: %w", o.ID, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.FanoutRejection("ok", rejected)
	s.metrics.FanoutRejection("failed", len(errs))
	return rejected, errors.Join(errs...)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrListingNotAcceptable):
		return "not_acceptable"
	case errors.Is(err, ErrOfferAlreadyDecided):
		return "already_decided"
	case errors.Is(err, ErrNotFound), errors.Is(err, listing.ErrNotFound):
		return "not_found"
	case errors.Is(err, listing.ErrForbidden):
		return "forbidden"
	default:
		return "error"
	}
}
