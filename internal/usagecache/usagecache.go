// Package usagecache is the read-through cache over DocumentStore's owner
// usage-metadata join described by spec §4.5 step 6 ("a read-through
// cached join of user + subscription + plan... TTL 10 minutes"), using the
// same go-redis GET/SET primitive pkg/apikey.Cache uses for API-key
// resolution.
package usagecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/logharbor/internal/model"
)

// Source resolves usage metadata on a cache miss.
type Source interface {
	FindUsageMetadata(ctx context.Context, ownerID uuid.UUID) (*model.UsageMetadata, error)
}

// UserLookup is passed through uncached; it's only consulted on the rare
// quota-exceeded path (spec §4.4), not worth a second cache key.
type UserLookup interface {
	FindUserByID(ctx context.Context, id uuid.UUID) (*model.User, error)
}

// Cache wraps a Source with a short-TTL Redis cache and implements the same
// {FindUsageMetadata, FindUserByID} shape pkg/ingest.UsageResolver expects,
// so it can be substituted for the bare store without widening the
// controller's interface.
type Cache struct {
	source Source
	users  UserLookup
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a Cache. source and users are typically both the same
// internal/store.Store.
func New(source Source, users UserLookup, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	return &Cache{source: source, users: users, rdb: rdb, ttl: ttl, logger: logger}
}

func cacheKey(ownerID uuid.UUID) string {
	return "usage:metadata:owner:" + ownerID.String()
}

// FindUsageMetadata returns the cached join if present and fresh, else
// resolves from source and populates the cache. A cache read/write failure
// degrades to the uncached path rather than failing the request — this
// cache is a latency optimization, not a correctness dependency (spec §5:
// "stale entries are acceptable").
func (c *Cache) FindUsageMetadata(ctx context.Context, ownerID uuid.UUID) (*model.UsageMetadata, error) {
	key := cacheKey(ownerID)

	if val, err := c.rdb.Get(ctx, key).Result(); err == nil {
		var md model.UsageMetadata
		if jerr := json.Unmarshal([]byte(val), &md); jerr == nil {
			return &md, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("usage metadata cache read failed", "owner_id", ownerID, "error", err)
	}

	md, err := c.source.FindUsageMetadata(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("resolving usage metadata: %w", err)
	}

	if raw, jerr := json.Marshal(md); jerr == nil {
		if serr := c.rdb.Set(ctx, key, raw, c.ttl).Err(); serr != nil {
			c.logger.Warn("usage metadata cache write failed", "owner_id", ownerID, "error", serr)
		}
	}
	return md, nil
}

// FindUserByID delegates uncached.
func (c *Cache) FindUserByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	return c.users.FindUserByID(ctx, id)
}
