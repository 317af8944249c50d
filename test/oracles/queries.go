// Package oracles holds SQL queries that return rows only when a listing or
// offer invariant has been violated.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_accepted_offer",
			SQL: `SELECT listing_id, COUNT(*) FROM offers
                  WHERE status = 'accepted'
                  GROUP BY listing_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_accepted_offer_means_sold",
			SQL: `SELECT o.id, l.status, l.accepted_offer_id FROM offers o
                  JOIN listings l ON l.id = o.listing_id
                  WHERE o.status = 'accepted'
                    AND (l.status <> 'sold' OR l.accepted_offer_id IS DISTINCT FROM o.id)`,
		},
		{
			Name: "O3_accepted_id_points_at_accepted_offer",
			SQL: `SELECT l.id, o.status FROM listings l
                  LEFT JOIN offers o ON o.id = l.accepted_offer_id
                  WHERE l.accepted_offer_id IS NOT NULL
                    AND (o.status IS DISTINCT FROM 'accepted' OR o.listing_id <> l.id)`,
		},
		{
			Name: "O4_free_listing_amount",
			SQL: `SELECT o.id, o.amount FROM offers o
                  JOIN listings l ON l.id = o.listing_id
                  WHERE l.price = 0 AND o.amount <> 0`,
		},
		{
			Name: "O5_no_resurrection",
			SQL: `SELECT payload->>'listing_id', payload->>'next' FROM outbox
                  WHERE topic = 'listing.status_changed'
                    AND payload->>'previous' IN ('sold','archived')`,
		},
		{
			Name: "O6_version_steps_by_one",
			SQL: `WITH v AS (
                      SELECT payload->>'listing_id' AS listing_id,
                             (payload->>'version')::bigint AS version,
                             LAG((payload->>'version')::bigint) OVER (
                                 PARTITION BY payload->>'listing_id'
                                 ORDER BY (payload->>'version')::bigint) AS prev
                      FROM outbox WHERE topic = 'listing.status_changed')
                  SELECT * FROM v WHERE version <> COALESCE(prev, 1) + 1`,
		},
		{
			Name: "O7_version_matches_history",
			SQL: `SELECT l.id, l.version, COUNT(e.id) FROM listings l
                  LEFT JOIN outbox e ON e.topic = 'listing.status_changed'
                                    AND e.payload->>'listing_id' = l.id::text
                  GROUP BY l.id, l.version
                  HAVING l.version <> COUNT(e.id) + 1`,
		},
		{
			Name: "O8_outbox_stale",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O9_delete_guards",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE (SELECT COUNT(*) FROM pg_trigger
                         WHERE tgname IN ('no_delete_listings','no_delete_offers')) < 2`,
		},
	}
}

// Quiescent returns oracles that only hold once no decision is in flight and
// the fan-out has been retried.
func Quiescent() []Oracle {
	return []Oracle{
		{
			Name: "Q1_no_pending_after_accept",
			SQL: `SELECT o.id FROM offers o
                  JOIN listings l ON l.id = o.listing_id
                  WHERE l.accepted_offer_id IS NOT NULL AND o.status = 'pending'`,
		},
	}
}

// Run executes the oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool, set []Oracle) (string, string, error) {
	for _, o := range set {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
