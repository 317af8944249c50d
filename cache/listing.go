// Package cache is a read-through Redis cache for listing reads served over
// HTTP. Lifecycle and decision paths always read the store directly.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"marketflow/listing"
	"marketflow/logging"
)

const DefaultTTL = time.Minute

// ListingReader is the store read the cache falls back to.
type ListingReader interface {
	Get(ctx context.Context, id string) (listing.Listing, error)
}

type ListingCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

func NewListingCache(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *ListingCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ListingCache{client: client, ttl: ttl, logger: logging.OrNop(logger).Named("cache")}
}

func key(id string) string {
	return "listing:" + id
}

// Get returns the cached listing; ok is false on a miss.
func (c *ListingCache) Get(ctx context.Context, id string) (listing.Listing, bool, error) {
	data, err := c.client.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return listing.Listing{}, false, nil
	}
	if err != nil {
		return listing.Listing{}, false, fmt.Errorf("cache: get listing: %w", err)
	}
	var l listing.Listing
	if err := json.Unmarshal(data, &l); err != nil {
		return listing.Listing{}, false, fmt.Errorf("cache: decode listing: %w", err)
	}
	return l, true, nil
}

func (c *ListingCache) Set(ctx context.Context, l listing.Listing) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("cache: encode listing: %w", err)
	}
	if err := c.client.Set(ctx, key(l.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set listing: %w", err)
	}
	return nil
}

func (c *ListingCache) Delete(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, key(id)).Err(); err != nil {
		return fmt.Errorf("cache: delete listing: %w", err)
	}
	return nil
}

// Load serves id from the cache, falling back to src and filling the cache.
// Redis failures degrade to a direct read.
func (c *ListingCache) Load(ctx context.Context, src ListingReader, id string) (listing.Listing, error) {
	if l, ok, err := c.Get(ctx, id); err != nil {
		c.logger.Warn("listing cache read failed", zap.String("listing_id", id), zap.Error(err))
	} else if ok {
		return l, nil
	}

	l, err := src.Get(ctx, id)
	if err != nil {
		return listing.Listing{}, err
	}
	if err := c.Set(ctx, l); err != nil {
		c.logger.Warn("listing cache fill failed", zap.String("listing_id", id), zap.Error(err))
	}
	return l, nil
}

// Invalidate drops id after a mutation, logging instead of failing.
func (c *ListingCache) Invalidate(ctx context.Context, id string) {
	if err := c.Delete(ctx, id); err != nil {
		c.logger.Warn("listing cache invalidate failed", zap.String("listing_id", id), zap.Error(err))
	}
}
