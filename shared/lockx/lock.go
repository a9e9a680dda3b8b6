// Package lockx provides a single-holder Redis lock (SET NX PX plus a
// token-checked release).
package lockx

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned by WithLock when another holder owns the key.
var ErrNotAcquired = errors.New("lock held by another owner")

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

type Lock struct {
	Key   string
	Token string
	TTL   time.Duration
}

type Locker struct {
	client *redis.Client
}

func New(client *redis.Client) *Locker {
	return &Locker{client: client}
}

func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	if l == nil || l.client == nil {
		return nil, false, errors.New("redis client not initialized")
	}
	if ttl <= 0 {
		return nil, false, errors.New("ttl must be > 0")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{Key: key, Token: token, TTL: ttl}, true, nil
}

// Release deletes the key only while it still carries lock's token, so an
// expired lock taken over by someone else is left alone.
func (l *Locker) Release(ctx context.Context, lock *Lock) error {
	if l == nil || l.client == nil {
		return errors.New("redis client not initialized")
	}
	if lock == nil {
		return errors.New("lock is nil")
	}
	return l.client.Eval(ctx, releaseScript, []string{lock.Key}, lock.Token).Err()
}

// WithLock runs fn while holding key. It returns ErrNotAcquired without
// calling fn when the key is taken.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lock, ok, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}
	fnErr := fn(ctx)
	relErr := l.Release(context.WithoutCancel(ctx), lock)
	if fnErr != nil {
		return fnErr
	}
	return relErr
}
