// Package idempotency stores Idempotency-Key claims in Redis so that retried
// offer submissions resolve to the offer created by the first attempt.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL = 24 * time.Hour
	// DefaultPendingTTL bounds how long a claim without a stored offer blocks
	// retries, e.g. after the claiming process died.
	DefaultPendingTTL = 30 * time.Second
)

type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	ttl        time.Duration
	pendingTTL time.Duration
}

func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: "idem:offer:", ttl: ttl, pendingTTL: min(DefaultPendingTTL, ttl)}
}

// WithPendingTTL sets the lifetime of a claim until Confirm. It never
// exceeds the confirmed TTL.
func (s *RedisStore) WithPendingTTL(d time.Duration) *RedisStore {
	if d > 0 {
		s.pendingTTL = min(d, s.ttl)
	}
	return s
}

func (s *RedisStore) key(scope, key string) string {
	return s.prefix + scope + ":" + key
}

// Claim stores value under (scope, key) unless a live claim exists, in which
// case the stored value is returned with claimed=false.
func (s *RedisStore) Claim(ctx context.Context, scope, key, value string) (string, bool, error) {
	k := s.key(scope, key)
	// A claim can expire between SETNX and GET; one retry covers that window.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, k, value, s.pendingTTL).Result()
		if err != nil {
			return "", false, fmt.Errorf("idempotency: claim: %w", err)
		}
		if ok {
			return value, true, nil
		}
		existing, err := s.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("idempotency: read claim: %w", err)
		}
		return existing, false, nil
	}
	return "", false, fmt.Errorf("idempotency: claim %s kept expiring", k)
}

// Confirm extends the claim to the full TTL. A claim that already expired is
// recreated unless another submission took the key meanwhile.
func (s *RedisStore) Confirm(ctx context.Context, scope, key, value string) error {
	k := s.key(scope, key)
	ok, err := s.client.Expire(ctx, k, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("idempotency: confirm: %w", err)
	}
	if ok {
		return nil
	}
	if err := s.client.SetNX(ctx, k, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: confirm: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, scope, key string) error {
	if err := s.client.Del(ctx, s.key(scope, key)).Err(); err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}
