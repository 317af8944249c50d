package listing

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// SystemActor is the actor id recorded for transitions issued by the sweeper.
const SystemActor = "system"

// Sweeper issues expire transitions for listings whose ExpiresAt has passed.
type Sweeper struct {
	lifecycle *Lifecycle
	repo      Repository
	interval  time.Duration
	batch     int
	logger    *zap.Logger
	onExpire  func(ctx context.Context, id string)
}

func NewSweeper(lifecycle *Lifecycle, repo Repository, interval time.Duration, batch int) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		lifecycle: lifecycle,
		repo:      repo,
		interval:  interval,
		batch:     batch,
		logger:    lifecycle.logger.Named("sweeper"),
	}
}

// OnExpire registers fn to run after each listing the sweeper expires, for
// example to drop a cached copy.
func (s *Sweeper) OnExpire(fn func(ctx context.Context, id string)) *Sweeper {
	s.onExpire = fn
	return s
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("expiry sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce expires one batch of overdue listings and reports how many moved.
// Listings that changed status concurrently are skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	due, err := s.repo.ListExpiring(ctx, s.lifecycle.now().UTC(), s.batch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, l := range due {
		_, err := s.lifecycle.TransitionListing(ctx, TransitionParams{
			ListingID: l.ID,
			ActorID:   SystemActor,
			Event:     EventExpire,
		})
		switch {
		case err == nil:
			expired++
			if s.onExpire != nil {
				s.onExpire(ctx, l.ID)
			}
		case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrStaleVersion):
			s.logger.Debug("skip expiry", zap.String("listing_id", l.ID), zap.Error(err))
		default:
			return expired, err
		}
	}
	return expired, nil
}
