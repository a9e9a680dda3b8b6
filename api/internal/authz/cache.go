package authz

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"multitenant-template/shared/cachex"
	"multitenant-template/shared/logx"
	"multitenant-template/shared/metricsx"
)

// Cache is the shared key/value store holding serialized snapshots. A
// positive slide on Get refreshes the entry's TTL on hit. Writers bump a
// version counter before evicting; readers write back only if the counter
// did not move while they loaded.
type Cache interface {
	Get(ctx context.Context, key string, slide time.Duration) ([]byte, bool, error)
	GetStamped(ctx context.Context, key, stampKey string, slide time.Duration) ([]byte, bool, error)
	SetIfVersion(ctx context.Context, key string, value []byte, ttl time.Duration, g cachex.Guard) (bool, error)
	Version(ctx context.Context, key string) (int64, error)
	Bump(ctx context.Context, key string, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
}

// versionTTL outlives any in-flight rebuild.
const versionTTL = 24 * time.Hour

func GrantsKey(namespace, userID string) string {
	return namespace + "/authorization/" + userID + "/grants"
}

func GroupsKey(namespace string) string {
	return namespace + "/authorization/activity-groups"
}

func versionKey(key string) string { return key + "/version" }

func stampKey(key string) string { return key + "/built" }

// invalidate bumps key's version and removes it after a committed mutation.
// A failure leaves a stale entry until its TTL or maximum age runs out, so
// it is logged and counted, not returned.
func invalidate(ctx context.Context, cache Cache, logger logx.Logger, key string) {
	if cache == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	err := cache.Bump(ctx, versionKey(key), versionTTL)
	if rmErr := cache.Remove(ctx, key); rmErr != nil {
		err = errors.Join(err, rmErr)
	}
	if err != nil {
		metricsx.IncAuthzCacheEvictFailure()
		logger.Warn(ctx, "authz_cache_evict_failed", "failed to evict authorization cache entry",
			slog.String("cache_key", key),
			slog.String("error", err.Error()),
		)
	}
}
