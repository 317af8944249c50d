package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"marketflow/cache"
	"marketflow/config"
	"marketflow/db"
	"marketflow/identity"
	"marketflow/idempotency"
	"marketflow/listing"
	"marketflow/logging"
	"marketflow/metrics"
	"marketflow/offer"
	"marketflow/outbox"
	"marketflow/postgres"
	"marketflow/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "marketflow: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(".env")
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: cfg.ServiceName})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns})
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	m := metrics.NewManager("marketflow")
	store := postgres.NewStore(pool)
	listings := store.Listings()
	offers := store.Offers()

	lifecycle := listing.NewLifecycle(listings, logger).
		WithMetrics(m).
		WithRetries(cfg.TransitionRetries)
	admission := offer.NewAdmissionService(listings, offers, logger).WithMetrics(m)
	decisions := offer.NewDecisionService(listings, offers, store, lifecycle, logger).
		WithMetrics(m).
		WithFanoutLimit(cfg.FanoutLimit)

	srv := &Server{
		listings:  lifecycle,
		admission: admission,
		decisions: decisions,
		offers:    offers,
		verifier:  identity.NewVerifier(cfg.JWTSecret),
		metrics:   m,
		logger:    logger.Named("http"),
		timeout:   cfg.OperationTimeout,
	}

	if cfg.RedisAddr != "" {
		rdb, err := db.NewRedis(ctx, db.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPass, DB: cfg.RedisDB})
		if err != nil {
			return err
		}
		defer rdb.Close()
		admission.WithIdempotency(idempotency.NewRedisStore(rdb, cfg.IdempotencyTTL).WithPendingTTL(cfg.IdempotencyPending))
		srv.cache = cache.NewListingCache(rdb, cfg.ListingCacheTTL, logger)
	} else {
		logger.Warn("REDIS_ADDR unset: idempotency keys and listing cache disabled")
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.NATSURL != "" {
		pub, err := outbox.NewNATSPublisher(cfg.NATSURL, cfg.ServiceName, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		relay := outbox.NewRelay(pool, pub, logger).
			WithMetrics(m).
			WithInterval(cfg.OutboxPollInterval).
			WithBatchSize(cfg.OutboxBatchSize).
			WithMaxAttempts(cfg.OutboxMaxAttempts)
		g.Go(func() error { return relay.Run(gctx) })
	} else {
		logger.Warn("NATS_URL unset: outbox rows stay pending")
	}

	sweeper := listing.NewSweeper(lifecycle, listings, cfg.ExpirySweepEvery, 100).OnExpire(srv.invalidate)
	g.Go(func() error { return sweeper.Run(gctx) })

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
