package infra

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoDatabase means neither DATABASE_URL, Docker nor a local Postgres is
// available; callers skip.
var ErrNoDatabase = errors.New("infra: no postgres available")

// Harness owns the Postgres backing a test run: a container, a local scratch
// database or an isolated schema on DATABASE_URL.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// NewHarness resolves a database in order: overrideDSN, DATABASE_URL, a
// testcontainers Postgres, a local Postgres. Shared databases get a private
// schema.
func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	h := &Harness{container: &PGContainer{}}
	shared := true

	switch {
	case overrideDSN != "":
		h.dsn = overrideDSN
	case os.Getenv("DATABASE_URL") != "":
		h.dsn = os.Getenv("DATABASE_URL")
	case DockerAvailable(ctx):
		pgC, dsn, err := StartPostgres16(ctx)
		if err != nil {
			return nil, fmt.Errorf("start postgres: %w", err)
		}
		h.container, h.dsn, shared = pgC, dsn, false
	default:
		dsn, err := InitLocalDatabase(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoDatabase, err)
		}
		h.dsn, shared = dsn, false
	}

	pool, teardown, err := ApplyMigrations(ctx, h.dsn, shared)
	if err != nil {
		_ = h.container.Terminate(ctx)
		return nil, err
	}
	h.pool, h.teardown = pool, teardown
	return h, nil
}

func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var err error
	if h.teardown != nil {
		err = h.teardown(ctx)
	}
	return errors.Join(err, h.container.Terminate(ctx))
}

// Reset truncates every table. TRUNCATE bypasses the row-level delete guards.
func (h *Harness) Reset(ctx context.Context) error {
	if _, err := h.pool.Exec(ctx, "TRUNCATE TABLE outbox, offers, listings CASCADE"); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}
