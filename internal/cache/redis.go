// Package cache keeps the unfiltered need feed in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"needtotell/api/internal/store"
)

const (
	feedKeyPrefix = "feed:needs:"
	generationKey = "feed:generation"
)

func feedKey(generation int64) string {
	return feedKeyPrefix + strconv.FormatInt(generation, 10)
}

type FeedCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewFeedCache(client *redis.Client, ttl time.Duration) *FeedCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &FeedCache{client: client, ttl: ttl}
}

func (c *FeedCache) generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read feed generation: %w", err)
	}
	return gen, nil
}

// Needs returns the cached feed for the current generation. On a miss the generation is still
// returned and must be handed to StoreNeeds.
func (c *FeedCache) Needs(ctx context.Context) ([]store.Need, int64, bool, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return nil, 0, false, err
	}
	raw, err := c.client.Get(ctx, feedKey(gen)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, gen, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("read feed cache: %w", err)
	}

	var needs []store.Need
	if err := json.Unmarshal(raw, &needs); err != nil {
		return nil, 0, false, fmt.Errorf("decode feed cache: %w", err)
	}
	return needs, gen, true, nil
}

// StoreNeeds fills the entry for generation. A fill that lost a race with Invalidate lands on a key
// nobody reads any more and expires with the TTL.
func (c *FeedCache) StoreNeeds(ctx context.Context, generation int64, needs []store.Need) error {
	payload, err := json.Marshal(needs)
	if err != nil {
		return fmt.Errorf("encode feed cache: %w", err)
	}
	if err := c.client.Set(ctx, feedKey(generation), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("write feed cache: %w", err)
	}
	return nil
}

// Invalidate moves readers to a fresh generation after a need or answer is written.
func (c *FeedCache) Invalidate(ctx context.Context) error {
	if err := c.client.Incr(ctx, generationKey).Err(); err != nil {
		return fmt.Errorf("invalidate feed cache: %w", err)
	}
	return nil
}
