package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"marketflow/listing"
	"marketflow/outbox"
)

const listingColumns = `id::text, seller_id, status, price, version, accepted_offer_id::text,
       title, description, category, location_summary, latitude, longitude,
       cover_image, images, expires_at, created_at, updated_at`

type ListingRepository struct {
	db querier
}

func (r *ListingRepository) Create(ctx context.Context, l listing.Listing) (listing.Listing, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return listing.Listing{}, fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	images := l.Metadata.Images
	if images == nil {
		images = []string{}
	}
	const q = `
INSERT INTO listings (id, seller_id, status, price, version, title, description, category,
                      location_summary, latitude, longitude, cover_image, images, expires_at,
                      created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
RETURNING ` + listingColumns

	created, err := scanListing(tx.QueryRow(ctx, q,
		l.ID,
		l.SellerID,
		string(l.Status),
		l.Price,
		l.Version,
		l.Metadata.Title,
		l.Metadata.Description,
		l.Metadata.Category,
		l.Metadata.Location.Summary,
		l.Metadata.Location.Latitude,
		l.Metadata.Location.Longitude,
		l.Metadata.CoverImage,
		images,
		l.ExpiresAt,
		l.CreatedAt,
	))
	if err != nil {
		if pgCode(err) == pgCheckViolation {
			return listing.Listing{}, fmt.Errorf("%w: %v", listing.ErrInvalidListing, err)
		}
		return listing.Listing{}, fmt.Errorf("listing: insert: %w", err)
	}

	if err := enqueue(ctx, tx, outbox.ListingCreated(created)); err != nil {
		return listing.Listing{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return listing.Listing{}, fmt.Errorf("listing: commit create: %w", err)
	}
	return created, nil
}

func (r *ListingRepository) Get(ctx context.Context, id string) (listing.Listing, error) {
	if !validID(id) {
		return listing.Listing{}, listing.ErrNotFound
	}
	l, err := scanListing(r.db.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return listing.Listing{}, listing.ErrNotFound
		}
		return listing.Listing{}, fmt.Errorf("listing: get: %w", err)
	}
	return l, nil
}

// SwapStatus is the linearization point of every lifecycle transition: the
// UPDATE only matches while the stored version equals p.ExpectedVersion.
func (r *ListingRepository) SwapStatus(ctx context.Context, p listing.SwapParams) (listing.Listing, error) {
	if !validID(p.ListingID) {
		return listing.Listing{}, listing.ErrNotFound
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return listing.Listing{}, fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
UPDATE listings
SET status = $3,
    version = version + 1,
    accepted_offer_id = COALESCE($4::uuid, accepted_offer_id),
    updated_at = now()
WHERE id = $1 AND version = $2
RETURNING ` + listingColumns

	updated, err := scanListing(tx.QueryRow(ctx, q, p.ListingID, p.ExpectedVersion, string(p.To), p.AcceptedOfferID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return listing.Listing{}, r.missOrStale(ctx, tx, p.ListingID)
		}
		if pgCode(err) == pgCheckViolation {
			return listing.Listing{}, fmt.Errorf("%w: %v", listing.ErrInvalidTransition, err)
		}
		return listing.Listing{}, fmt.Errorf("listing: swap status: %w", err)
	}

	if err := enqueue(ctx, tx, outbox.ListingStatusChanged(p, updated)); err != nil {
		return listing.Listing{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return listing.Listing{}, fmt.Errorf("listing: commit swap: %w", err)
	}
	return updated, nil
}

func (r *ListingRepository) missOrStale(ctx context.Context, tx pgx.Tx, id string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM listings WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("listing: check exists: %w", err)
	}
	if !exists {
		return listing.ErrNotFound
	}
	return listing.ErrStaleVersion
}

func (r *ListingRepository) ListExpiring(ctx context.Context, now time.Time, limit int) ([]listing.Listing, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT ` + listingColumns + `
FROM listings
WHERE expires_at IS NOT NULL
  AND expires_at <= $1
  AND status IN ('active','paused','pending_review')
ORDER BY expires_at
LIMIT $2`

	rows, err := r.db.Query(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing: list expiring: %w", err)
	}
	defer rows.Close()

	var out []listing.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("listing: scan expiring: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing: iterate expiring: %w", err)
	}
	return out, nil
}

func scanListing(row pgx.Row) (listing.Listing, error) {
	var (
		l      listing.Listing
		status string
	)
	if err := row.Scan(
		&l.ID,
		&l.SellerID,
		&status,
		&l.Price,
		&l.Version,
		&l.AcceptedOfferID,
		&l.Metadata.Title,
		&l.Metadata.Description,
		&l.Metadata.Category,
		&l.Metadata.Location.Summary,
		&l.Metadata.Location.Latitude,
		&l.Metadata.Location.Longitude,
		&l.Metadata.CoverImage,
		&l.Metadata.Images,
		&l.ExpiresAt,
		&l.CreatedAt,
		&l.UpdatedAt,
	); err != nil {
		return listing.Listing{}, err
	}
	l.Status = listing.Status(status)
	return l, nil
}
