// Package chaos injects infrastructure faults during stress runs.
package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend periodically kills one backend whose
// application_name matches app, forcing in-flight transactions to abort.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, app string, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `
SELECT pg_terminate_backend(pid)
FROM pg_stat_activity
WHERE datname = current_database()
  AND pid <> pg_backend_pid()
  AND ($1 = '' OR application_name = $1)
ORDER BY random()
LIMIT 1`, app)
			}
		}
	}
}
