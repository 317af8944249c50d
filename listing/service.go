package listing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"marketflow/logging"
	"marketflow/metrics"
	"marketflow/tracing"
)

// DefaultTransitionRetries bounds the silent retries of TransitionListing.
const DefaultTransitionRetries = 3

// Lifecycle applies guarded status transitions to listings.
type Lifecycle struct {
	repo    Repository
	logger  *zap.Logger
	metrics *metrics.Manager
	tracer  trace.Tracer
	now     func() time.Time
	idGen   func() string
	retries int
}

func NewLifecycle(repo Repository, logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		repo:    repo,
		logger:  logging.OrNop(logger).Named("listing"),
		tracer:  tracing.Tracer("marketflow/listing"),
		now:     time.Now,
		idGen:   func() string { return uuid.NewString() },
		retries: DefaultTransitionRetries,
	}
}

func (l *Lifecycle) WithClock(now func() time.Time) *Lifecycle {
	l.now = now
	return l
}

func (l *Lifecycle) WithIDGenerator(gen func() string) *Lifecycle {
	l.idGen = gen
	return l
}

func (l *Lifecycle) WithMetrics(m *metrics.Manager) *Lifecycle {
	l.metrics = m
	return l
}

// WithRetries sets how many times TransitionListing re-reads after losing a
// version race. Negative values are treated as zero.
func (l *Lifecycle) WithRetries(n int) *Lifecycle {
	if n < 0 {
		n = 0
	}
	l.retries = n
	return l
}

// Create validates and stores a new listing at version 1.
func (l *Lifecycle) Create(ctx context.Context, p CreateParams) (Listing, error) {
	ctx, span := l.tracer.Start(ctx, "listing.Create")
	var err error
	defer func() { tracing.End(span, err) }()

	if err = validateCreate(p); err != nil {
		return Listing{}, err
	}

	status := StatusDraft
	if p.SubmitForReview {
		status = StatusPendingReview
	}
	now := l.now().UTC()
	in := Listing{
		ID:        l.idGen(),
		SellerID:  strings.TrimSpace(p.SellerID),
		Status:    status,
		Price:     p.Price,
		Version:   1,
		Metadata:  p.Metadata,
		ExpiresAt: p.ExpiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var created Listing
	created, err = l.repo.Create(ctx, in)
	if err != nil {
		return Listing{}, err
	}
	span.SetAttributes(tracing.ListingAttr(created.ID))
	l.logger.Info("listing created",
		zap.String("listing_id", created.ID),
		zap.String("seller_id", created.SellerID),
		zap.String("status", string(created.Status)),
	)
	return created, nil
}

func validateCreate(p CreateParams) error {
	if strings.TrimSpace(p.SellerID) == "" {
		return fmt.Errorf("%w: missing seller id", ErrInvalidListing)
	}
	if p.Price < 0 {
		return fmt.Errorf("%w: price must not be negative", ErrInvalidListing)
	}
	if len(p.Metadata.Images) > MaxImages {
		return fmt.Errorf("%w: at most %d images besides the cover", ErrInvalidListing, MaxImages)
	}
	return nil
}

func (l *Lifecycle) Get(ctx context.Context, id string) (Listing, error) {
	if id == "" {
		return Listing{}, ErrNotFound
	}
	return l.repo.Get(ctx, id)
}

// Transition applies p.Event if the stored version still equals
// expectedVersion. acceptOffer is reserved for the offer decision flow and is
// rejected here.
func (l *Lifecycle) Transition(ctx context.Context, p TransitionParams, expectedVersion int64) (Listing, error) {
	if p.Event == EventAcceptOffer {
		return Listing{}, fmt.Errorf("%w: %s is only applied by offer decisions", ErrInvalidTransition, p.Event)
	}
	return l.Apply(ctx, l.repo, p, expectedVersion, nil)
}

// Apply runs one guarded transition against repo, which may be scoped to the
// caller's unit of work. acceptedOfferID is required for EventAcceptOffer and
// ignored otherwise.
func (l *Lifecycle) Apply(ctx context.Context, repo Repository, p TransitionParams, expectedVersion int64, acceptedOfferID *string) (Listing, error) {
	ctx, span := l.tracer.Start(ctx, "listing.Transition", trace.WithAttributes(
		tracing.ListingAttr(p.ListingID),
		attribute.String("listing.event", string(p.Event)),
		attribute.Int64("listing.expected_version", expectedVersion),
	))
	updated, err := l.apply(ctx, repo, p, expectedVersion, acceptedOfferID)
	tracing.End(span, err)
	l.metrics.Transition(string(p.Event), outcome(err))
	if errors.Is(err, ErrStaleVersion) {
		l.metrics.StaleVersion("transition")
	}
	return updated, err
}

func (l *Lifecycle) apply(ctx context.Context, repo Repository, p TransitionParams, expectedVersion int64, acceptedOfferID *string) (Listing, error) {
	if !p.Event.Valid() {
		return Listing{}, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, p.Event)
	}
	if p.Event == EventAcceptOffer && (acceptedOfferID == nil || *acceptedOfferID == "") {
		return Listing{}, fmt.Errorf("%w: accept requires an offer id", ErrInvalidTransition)
	}

	current, err := repo.Get(ctx, p.ListingID)
	if err != nil {
		return Listing{}, err
	}
	if !p.Event.IsSystem() && p.ActorID != current.SellerID {
		return Listing{}, ErrForbidden
	}
	if current.Version != expectedVersion {
		return Listing{}, fmt.Errorf("%w: have %d, stored %d", ErrStaleVersion, expectedVersion, current.Version)
	}
	next, err := Next(current.Status, p.Event)
	if err != nil {
		return Listing{}, err
	}

	swap := SwapParams{
		ListingID:       current.ID,
		ExpectedVersion: expectedVersion,
		From:            current.Status,
		To:              next,
		Event:           p.Event,
		ActorID:         p.ActorID,
	}
	if p.Event == EventAcceptOffer {
		swap.AcceptedOfferID = acceptedOfferID
	}
	updated, err := repo.SwapStatus(ctx, swap)
	if err != nil {
		if errors.Is(err, ErrStaleVersion) {
			l.logger.Warn("listing transition lost version race",
				zap.String("listing_id", current.ID),
				zap.String("event", string(p.Event)),
				zap.Int64("expected_version", expectedVersion),
			)
		}
		return Listing{}, err
	}

	l.logger.Info("listing transitioned",
		zap.String("listing_id", updated.ID),
		zap.String("event", string(p.Event)),
		zap.String("from", string(current.Status)),
		zap.String("to", string(updated.Status)),
		zap.Int64("version", updated.Version),
	)
	return updated, nil
}

// TransitionListing applies p.Event at the latest version, re-reading and
// retrying when a concurrent writer bumps the version first.
func (l *Lifecycle) TransitionListing(ctx context.Context, p TransitionParams) (Listing, error) {
	for attempt := 0; ; attempt++ {
		current, err := l.Get(ctx, p.ListingID)
		if err != nil {
			return Listing{}, err
		}
		updated, err := l.Transition(ctx, p, current.Version)
		if errors.Is(err, ErrStaleVersion) && attempt < l.retries {
			continue
		}
		return updated, err
	}
}

// MarkSold sells the listing outside the offer flow. AcceptedOfferID stays
// empty and pending offers stay pending.
func (l *Lifecycle) MarkSold(ctx context.Context, listingID, actorID string) (Listing, error) {
	return l.TransitionListing(ctx, TransitionParams{
		ListingID: listingID,
		ActorID:   actorID,
		Event:     EventMarkSold,
	})
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrStaleVersion):
		return "stale"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
