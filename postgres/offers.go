package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"marketflow/listing"
	"marketflow/offer"
	"marketflow/outbox"
)

const offerColumns = `id::text, listing_id::text, buyer_id, amount, message, contact_name, contact_phone,
       status, created_at, decided_at`

type OfferRepository struct {
	db querier
}

func (r *OfferRepository) Create(ctx context.Context, o offer.Offer) (offer.Offer, error) {
	if !validID(o.ListingID) {
		return offer.Offer{}, listing.ErrNotFound
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return offer.Offer{}, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// FOR SHARE makes the insert and a concurrent listing status write
	// serialize: either the accept's fan-out sees this offer or this insert
	// sees the listing already closed.
	const q = `
INSERT INTO offers (id, listing_id, buyer_id, amount, message, contact_name, contact_phone, status, created_at)
SELECT $1::uuid, l.id, $3::text, $4::bigint, $5::text, $6::text, $7::text, $8::text, $9::timestamptz
FROM listings l
WHERE l.id = $2 AND l.status = 'active'
FOR SHARE
RETURNING ` + offerColumns

	created, err := scanOffer(tx.QueryRow(ctx, q,
		o.ID,
		o.ListingID,
		o.BuyerID,
		o.Amount,
		o.Message,
		o.ContactName,
		o.ContactPhone,
		string(o.Status),
		o.CreatedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return offer.Offer{}, notOpen(ctx, tx, o.ListingID)
		}
		switch pgCode(err) {
		case pgForeignKeyViolation:
			return offer.Offer{}, listing.ErrNotFound
		case pgCheckViolation:
			return offer.Offer{}, fmt.Errorf("%w: %v", offer.ErrInvalidOffer, err)
		}
		return offer.Offer{}, fmt.Errorf("offer: insert: %w", err)
	}

	if err := enqueue(ctx, tx, outbox.OfferSubmitted(created)); err != nil {
		return offer.Offer{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return offer.Offer{}, fmt.Errorf("offer: commit create: %w", err)
	}
	return created, nil
}

// notOpen explains why the guarded insert matched no listing row.
func notOpen(ctx context.Context, tx pgx.Tx, listingID string) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM listings WHERE id = $1`, listingID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return listing.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("offer: read listing status: %w", err)
	}
	return fmt.Errorf("%w: listing is %s", offer.ErrListingNotOpen, status)
}

func (r *OfferRepository) Get(ctx context.Context, id string) (offer.Offer, error) {
	if !validID(id) {
		return offer.Offer{}, offer.ErrNotFound
	}
	o, err := scanOffer(r.db.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return offer.Offer{}, offer.ErrNotFound
		}
		return offer.Offer{}, fmt.Errorf("offer: get: %w", err)
	}
	return o, nil
}

func (r *OfferRepository) ListByListing(ctx context.Context, listingID string, status offer.Status) ([]offer.Offer, error) {
	if !validID(listingID) {
		return nil, nil
	}
	const q = `
SELECT ` + offerColumns + `
FROM offers
WHERE listing_id = $1 AND ($2 = '' OR status = $2)
ORDER BY created_at, id`

	rows, err := r.db.Query(ctx, q, listingID, string(status))
	if err != nil {
		return nil, fmt.Errorf("offer: list: %w", err)
	}
	defer rows.Close()

	var out []offer.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("offer: scan: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offer: iterate: %w", err)
	}
	return out, nil
}

func (r *OfferRepository) SwapStatus(ctx context.Context, id string, from, to offer.Status, decidedAt time.Time) (offer.Offer, error) {
	if !validID(id) {
		return offer.Offer{}, offer.ErrNotFound
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return offer.Offer{}, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
UPDATE offers
SET status = $3, decided_at = $4
WHERE id = $1 AND status = $2
RETURNING ` + offerColumns

	updated, err := scanOffer(tx.QueryRow(ctx, q, id, string(from), string(to), decidedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM offers WHERE id = $1)`, id).Scan(&exists); err != nil {
				return offer.Offer{}, fmt.Errorf("offer: check exists: %w", err)
			}
			if !exists {
				return offer.Offer{}, offer.ErrNotFound
			}
			return offer.Offer{}, offer.ErrOfferAlreadyDecided
		}
		if pgCode(err) == pgUniqueViolation {
			return offer.Offer{}, fmt.Errorf("%w: %v", offer.ErrListingNotAcceptable, err)
		}
		return offer.Offer{}, fmt.Errorf("offer: swap status: %w", err)
	}

	if err := enqueue(ctx, tx, outbox.OfferDecided(updated)); err != nil {
		return offer.Offer{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return offer.Offer{}, fmt.Errorf("offer: commit swap: %w", err)
	}
	return updated, nil
}

func scanOffer(row pgx.Row) (offer.Offer, error) {
	var (
		o      offer.Offer
		status string
	)
	if err := row.Scan(
		&o.ID,
		&o.ListingID,
		&o.BuyerID,
		&o.Amount,
		&o.Message,
		&o.ContactName,
		&o.ContactPhone,
		&status,
		&o.CreatedAt,
		&o.DecidedAt,
	); err != nil {
		return offer.Offer{}, err
	}
	o.Status = offer.Status(status)
	return o, nil
}
