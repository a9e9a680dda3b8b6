package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"multitenant-template/api/internal/models"
	"multitenant-template/shared/cachex"
	"multitenant-template/shared/logx"
	"multitenant-template/shared/metricsx"
)

type GrantSource interface {
	ReadAll(ctx context.Context, userID string) ([]*models.Grant, error)
}

type GroupSource interface {
	ReadAll(ctx context.Context) ([]models.ActivityGroup, error)
}

type BuilderOptions struct {
	Namespace string
	// GrantsTTL slides: every hit pushes the per-user entry's expiry out again.
	GrantsTTL time.Duration
	// GrantsMaxAge caps how long a per-user entry lives however often it is
	// hit. Zero disables the cap.
	GrantsMaxAge time.Duration
	// GroupsTTL is absolute.
	GroupsTTL time.Duration
}

// DataBuilder assembles PolicySnapshots, reading through the cache. The cache
// only saves work: a miss, a cache error or an undecodable entry falls back
// to the repositories and writes the fresh value back.
type DataBuilder struct {
	catalog *Catalog
	grants  GrantSource
	groups  GroupSource
	cache   Cache
	logger  logx.Logger
	opts    BuilderOptions
	now     func() time.Time
}

func NewDataBuilder(catalog *Catalog, grants GrantSource, groups GroupSource, cache Cache, logger logx.Logger, opts BuilderOptions) *DataBuilder {
	return &DataBuilder{
		catalog: catalog,
		grants:  grants,
		groups:  groups,
		cache:   cache,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
	}
}

func (b *DataBuilder) Build(ctx context.Context, userID string) (PolicySnapshot, error) {
	groups, err := b.activityGroups(ctx)
	if err != nil {
		return PolicySnapshot{}, err
	}
	grants, err := b.userGrants(ctx, userID)
	if err != nil {
		return PolicySnapshot{}, err
	}
	return PolicySnapshot{
		Activities:     b.catalog.snapshot(),
		ActivityGroups: groups,
		Grants:         grants,
	}, nil
}

func (b *DataBuilder) userGrants(ctx context.Context, userID string) (map[string]GrantEntry, error) {
	entry := cacheEntry{
		name:    "grants",
		key:     GrantsKey(b.opts.Namespace, userID),
		ttl:     b.opts.GrantsTTL,
		sliding: true,
		maxAge:  b.opts.GrantsMaxAge,
	}
	return readThrough(ctx, b, entry, func(ctx context.Context) (map[string]GrantEntry, error) {
		rows, err := b.grants.ReadAll(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("load grants for %s: %w", userID, err)
		}
		now := b.now()
		out := make(map[string]GrantEntry, len(rows))
		for _, g := range rows {
			if g.IsExpiredAt(now) {
				continue
			}
			out[g.Scope.String()] = GrantEntry{ExpiresOn: g.ExpiresOn}
		}
		return out, nil
	})
}

func (b *DataBuilder) activityGroups(ctx context.Context) (map[string][]models.GroupMember, error) {
	entry := cacheEntry{
		name: "activity_groups",
		key:  GroupsKey(b.opts.Namespace),
		ttl:  b.opts.GroupsTTL,
	}
	return readThrough(ctx, b, entry, func(ctx context.Context) (map[string][]models.GroupMember, error) {
		rows, err := b.groups.ReadAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("load activity groups: %w", err)
		}
		out := make(map[string][]models.GroupMember, len(rows))
		for _, g := range rows {
			out[g.Name] = append(out[g.Name], g.Members...)
		}
		return out, nil
	})
}

type cacheEntry struct {
	name    string
	key     string
	ttl     time.Duration
	sliding bool
	maxAge  time.Duration
}

func (e cacheEntry) read(ctx context.Context, cache Cache) ([]byte, bool, error) {
	slide := time.Duration(0)
	if e.sliding {
		slide = e.ttl
	}
	if e.maxAge > 0 {
		return cache.GetStamped(ctx, e.key, stampKey(e.key), slide)
	}
	return cache.Get(ctx, e.key, slide)
}

func (e cacheEntry) guard(version int64) cachex.Guard {
	g := cachex.Guard{VersionKey: versionKey(e.key), Version: version}
	if e.maxAge > 0 {
		g.StampKey = stampKey(e.key)
		g.MaxAge = e.maxAge
	}
	return g
}

// readThrough serves e from the cache or loads and writes it back. The
// version is read before loading; a mutation that commits and bumps it
// while load runs makes the write-back a no-op, so a snapshot taken before
// the mutation never lands in the cache.
func readThrough[T any](ctx context.Context, b *DataBuilder, e cacheEntry, load func(context.Context) (T, error)) (T, error) {
	if b.cache == nil {
		return load(ctx)
	}

	raw, ok, err := e.read(ctx, b.cache)
	switch {
	case err != nil:
		metricsx.IncAuthzCacheLookup(e.name, "error")
		b.logger.Warn(ctx, "authz_cache_read_failed", "authorization cache read failed; rebuilding",
			slog.String("cache_key", e.key),
			slog.String("error", err.Error()),
		)
	case ok:
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			metricsx.IncAuthzCacheLookup(e.name, "hit")
			return v, nil
		}
		metricsx.IncAuthzCacheLookup(e.name, "corrupt")
		b.logger.Warn(ctx, "authz_cache_entry_corrupt", "authorization cache entry undecodable; rebuilding",
			slog.String("cache_key", e.key),
		)
	default:
		metricsx.IncAuthzCacheLookup(e.name, "miss")
	}

	version, verErr := b.cache.Version(ctx, versionKey(e.key))
	v, err := load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	if verErr != nil {
		// Without a version there is nothing to guard the write with.
		return v, nil
	}

	raw, err = json.Marshal(v)
	stored := false
	if err == nil {
		stored, err = b.cache.SetIfVersion(ctx, e.key, raw, e.ttl, e.guard(version))
	}
	switch {
	case err != nil:
		b.logger.Warn(ctx, "authz_cache_write_failed", "failed to populate authorization cache",
			slog.String("cache_key", e.key),
			slog.String("error", err.Error()),
		)
	case !stored:
		metricsx.IncAuthzCacheLookup(e.name, "write_skipped")
		b.logger.Debug(ctx, "authz_cache_write_skipped", "cache entry changed while rebuilding; not written",
			slog.String("cache_key", e.key),
		)
	}
	return v, nil
}
