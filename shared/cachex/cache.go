// Package cachex is the Redis-backed key/value cache shared by every service.
// Values are opaque bytes; callers own their serialization.
package cachex

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"multitenant-template/shared/config"
)

var errNotInitialized = errors.New("redis client not initialized")

var errVersionMoved = errors.New("version moved")

type Client struct {
	redis *redis.Client
}

func New(cfg config.Config) (*Client, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &Client{redis: rdb}, nil
}

// Wrap reuses an existing go-redis client.
func Wrap(rdb *redis.Client) *Client {
	return &Client{redis: rdb}
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.redis == nil {
		return errNotInitialized
	}
	return c.redis.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c == nil || c.redis == nil {
		return nil
	}
	return c.redis.Close()
}

// Get returns the value under key. A positive slide resets the key's TTL on
// every hit (GETEX), giving sliding expiration; zero leaves the TTL alone.
func (c *Client) Get(ctx context.Context, key string, slide time.Duration) ([]byte, bool, error) {
	if c == nil || c.redis == nil {
		return nil, false, errNotInitialized
	}
	var (
		raw []byte
		err error
	)
	if slide > 0 {
		raw, err = c.redis.GetEx(ctx, key, slide).Bytes()
	} else {
		raw, err = c.redis.Get(ctx, key).Bytes()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return raw, true, nil
}

// GetStamped is Get for entries written with a stamp. An entry whose stamp
// key has expired counts as a miss even if its own sliding TTL is alive.
func (c *Client) GetStamped(ctx context.Context, key, stampKey string, slide time.Duration) ([]byte, bool, error) {
	if c == nil || c.redis == nil {
		return nil, false, errNotInitialized
	}
	var (
		value   *redis.StringCmd
		stamped *redis.IntCmd
	)
	_, err := c.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		if slide > 0 {
			value = pipe.GetEx(ctx, key, slide)
		} else {
			value = pipe.Get(ctx, key)
		}
		stamped = pipe.Exists(ctx, stampKey)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, err
	}
	raw, err := value.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if stamped.Val() == 0 {
		return nil, false, nil
	}
	return raw, true, nil
}

// Version reads the counter at key. A missing counter is zero.
func (c *Client) Version(ctx context.Context, key string) (int64, error) {
	if c == nil || c.redis == nil {
		return 0, errNotInitialized
	}
	v, err := c.redis.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// Bump increments the counter at key and keeps it for ttl.
func (c *Client) Bump(ctx context.Context, key string, ttl time.Duration) error {
	if c == nil || c.redis == nil {
		return errNotInitialized
	}
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, key)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	return err
}

// Guard makes a write conditional on a version counter. When StampKey is set
// the write also stamps the entry for at most MaxAge; see GetStamped.
type Guard struct {
	VersionKey string
	Version    int64
	StampKey   string
	MaxAge     time.Duration
}

// SetIfVersion stores value only while the counter at g.VersionKey still
// equals g.Version, watching the counter so a concurrent Bump aborts the
// write. It reports whether the value was stored.
func (c *Client) SetIfVersion(ctx context.Context, key string, value []byte, ttl time.Duration, g Guard) (bool, error) {
	if c == nil || c.redis == nil {
		return false, errNotInitialized
	}
	err := c.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, g.VersionKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != g.Version {
			return errVersionMoved
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, value, ttl)
			if g.StampKey != "" {
				pipe.Set(ctx, g.StampKey, strconv.FormatInt(time.Now().Unix(), 10), g.MaxAge)
			}
			return nil
		})
		return err
	}, g.VersionKey)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errVersionMoved), errors.Is(err, redis.TxFailedErr):
		return false, nil
	default:
		return false, err
	}
}

// Set stores value with an absolute ttl. A zero ttl never expires.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c == nil || c.redis == nil {
		return errNotInitialized
	}
	return c.redis.Set(ctx, key, value, ttl).Err()
}

// Remove deletes key. Removing a missing key is not an error.
func (c *Client) Remove(ctx context.Context, key string) error {
	if c == nil || c.redis == nil {
		return errNotInitialized
	}
	return c.redis.Del(ctx, key).Err()
}

func (c *Client) Client() *redis.Client {
	if c == nil {
		return nil
	}
	return c.redis
}
