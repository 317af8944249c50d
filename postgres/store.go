// Package postgres implements the listing and offer stores on pgx. Every
// mutation writes its outbox row in the same transaction as the state change.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"marketflow/offer"
	"marketflow/outbox"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx. Begin on a pgx.Tx opens
// a savepoint, so repository methods stay atomic inside a caller's tx.
type querier interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the offer.Transactor backed by a pgx pool.
type Store struct {
	db querier
}

func NewStore(db querier) *Store {
	return &Store{db: db}
}

func (s *Store) Listings() *ListingRepository {
	return &ListingRepository{db: s.db}
}

func (s *Store) Offers() *OfferRepository {
	return &OfferRepository{db: s.db}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, st offer.Stores) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, offer.Stores{
		Listings: &ListingRepository{db: tx},
		Offers:   &OfferRepository{db: tx},
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

func enqueue(ctx context.Context, tx pgx.Tx, ev outbox.Event) error {
	body, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("postgres: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, msg_key, payload) VALUES ($1, $2, $3::jsonb)`
	if _, err := tx.Exec(ctx, q, ev.Topic, ev.Key, body); err != nil {
		return fmt.Errorf("postgres: enqueue outbox: %w", err)
	}
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// validID reports whether id can be compared against a uuid column. Other
// strings can never match a row.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
