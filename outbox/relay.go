package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"marketflow/logging"
	"marketflow/metrics"
)

const (
	DefaultBatchSize   = 50
	DefaultMaxAttempts = 10
)

// Message is one pending outbox row.
type Message struct {
	ID       string
	Topic    string
	Key      string
	Payload  []byte
	Attempts int
}

// Publisher delivers a message to the event bus.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Relay moves pending outbox rows to a Publisher. Rows are locked with SKIP
// LOCKED so several relays can share one table.
type Relay struct {
	pool        TxBeginner
	pub         Publisher
	logger      *zap.Logger
	metrics     *metrics.Manager
	interval    time.Duration
	batch       int
	maxAttempts int
}

func NewRelay(pool TxBeginner, pub Publisher, logger *zap.Logger) *Relay {
	return &Relay{
		pool:        pool,
		pub:         pub,
		logger:      logging.OrNop(logger).Named("outbox"),
		interval:    time.Second,
		batch:       DefaultBatchSize,
		maxAttempts: DefaultMaxAttempts,
	}
}

func (r *Relay) WithMetrics(m *metrics.Manager) *Relay {
	r.metrics = m
	return r
}

func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batch = n
	}
	return r
}

// WithMaxAttempts sets after how many failed deliveries a row is marked dead.
func (r *Relay) WithMaxAttempts(n int) *Relay {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

// Run relays a batch every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox relay failed", zap.Error(err))
			}
		}
	}
}

// RelayOnce publishes one batch and reports how many rows were delivered.
// A failed delivery bumps attempts; the row is retried on a later batch
// until maxAttempts, then parked as dead.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := r.claim(ctx, tx)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, msg := range msgs {
		if err := r.pub.Publish(ctx, msg); err != nil {
			dead := msg.Attempts+1 >= r.maxAttempts
			r.logger.Warn("outbox publish failed",
				zap.String("id", msg.ID),
				zap.String("topic", msg.Topic),
				zap.Int("attempts", msg.Attempts+1),
				zap.Bool("dead", dead),
				zap.Error(err),
			)
			if err := r.markFailed(ctx, tx, msg.ID); err != nil {
				return delivered, err
			}
			if dead {
				r.metrics.Outbox(msg.Topic, "dead")
			} else {
				r.metrics.Outbox(msg.Topic, "failed")
			}
			continue
		}
		if _, err := tx.Exec(ctx, `
UPDATE outbox
SET status = 'processed', attempts = attempts + 1, last_attempt_at = now()
WHERE id = $1`, msg.ID); err != nil {
			return delivered, fmt.Errorf("outbox: mark processed: %w", err)
		}
		r.metrics.Outbox(msg.Topic, "published")
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit: %w", err)
	}
	return delivered, nil
}

func (r *Relay) claim(ctx context.Context, tx pgx.Tx) ([]Message, error) {
	rows, err := tx.Query(ctx, `
SELECT id::text, topic, msg_key, payload, attempts
FROM outbox
WHERE status = 'pending'
ORDER BY created_at
FOR UPDATE SKIP LOCKED
LIMIT $1`, r.batch)
	if err != nil {
		return nil, fmt.Errorf("outbox: select pending: %w", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, r.batch)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Key, &m.Payload, &m.Attempts); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}
	return msgs, nil
}

func (r *Relay) markFailed(ctx context.Context, tx pgx.Tx, id string) error {
	_, err := tx.Exec(ctx, `
UPDATE outbox
SET attempts = attempts + 1,
    last_attempt_at = now(),
    status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE 'pending' END
WHERE id = $1`, id, r.maxAttempts)
	if err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}
