package apikey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/logharbor/internal/model"
)

// Cache is the 5-minute API-key resolution cache keyed by the literal API
// key (spec §4.5 step 2), backed by Redis the same way the teacher's
// alert.Deduplicator caches fingerprint lookups.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewCache creates a Cache with the given TTL.
func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

type cachedEntry struct {
	Project *model.Project `json:"project"`
	Key     *model.ApiKey  `json:"key"`
}

func cacheKey(rawKey string) string {
	return "apikey:resolve:" + Hash(rawKey)
}

// Get returns the cached (project, key) pair for rawKey, or (nil, nil, nil)
// on a cache miss.
func (c *Cache) Get(ctx context.Context, rawKey string) (*model.Project, *model.ApiKey, error) {
	val, err := c.rdb.Get(ctx, cacheKey(rawKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading api key cache: %w", err)
	}

	var entry cachedEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return nil, nil, fmt.Errorf("decoding api key cache entry: %w", err)
	}
	return entry.Project, entry.Key, nil
}

// Set caches the resolution of rawKey to (project, key).
func (c *Cache) Set(ctx context.Context, rawKey string, project *model.Project, key *model.ApiKey) error {
	raw, err := json.Marshal(cachedEntry{Project: project, Key: key})
	if err != nil {
		return fmt.Errorf("encoding api key cache entry: %w", err)
	}
	if err := c.rdb.Set(ctx, cacheKey(rawKey), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("writing api key cache: %w", err)
	}
	return nil
}

// Delete drops the cached resolution for one raw key. Entries are keyed by
// the raw key, so there is no per-project invalidation. The API-key
// handler does not call Delete: deleting a key leaves any cached
// resolution of it in place until its TTL expires.
func (c *Cache) Delete(ctx context.Context, rawKey string) error {
	if err := c.rdb.Del(ctx, cacheKey(rawKey)).Err(); err != nil {
		return fmt.Errorf("invalidating api key cache: %w", err)
	}
	return nil
}
