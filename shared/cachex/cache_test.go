package cachex

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestGetMissing(t *testing.T) {
	c, _ := newTestClient(t)

	raw, ok, err := c.Get(context.Background(), "absent", 0)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, raw)
}

func TestSetGetRemove(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte(`{"a":1}`), time.Minute))
	raw, ok, err := c.Get(ctx, "k", 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"a":1}`, string(raw))

	require.NoError(t, c.Remove(ctx, "k"))
	require.NoError(t, c.Remove(ctx, "k"))
	_, ok, err = c.Get(ctx, "k", 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetSlidesExpiration(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "sliding", []byte("v"), 10*time.Second))

	mr.FastForward(8 * time.Second)
	_, ok, err := c.Get(ctx, "sliding", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(8 * time.Second)
	_, ok, err = c.Get(ctx, "sliding", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok, "hit should have reset the ttl")
}

func TestGetWithoutSlideKeepsAbsoluteExpiration(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "absolute", []byte("v"), 10*time.Second))

	mr.FastForward(8 * time.Second)
	_, ok, err := c.Get(ctx, "absolute", 0)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(3 * time.Second)
	_, ok, err = c.Get(ctx, "absolute", 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNilClient(t *testing.T) {
	var c *Client
	_, _, err := c.Get(context.Background(), "k", 0)
	require.Error(t, err)
	require.NoError(t, c.Close())
}

func TestSetIfVersion(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	guard := Guard{VersionKey: "k/version"}

	stored, err := c.SetIfVersion(ctx, "k", []byte("v1"), time.Minute, guard)
	require.NoError(t, err)
	require.True(t, stored)

	require.NoError(t, c.Bump(ctx, "k/version", time.Hour))
	v, err := c.Version(ctx, "k/version")
	require.NoError(t, err)
	require.EqualValues(t, 1, v)
	require.Equal(t, time.Hour, mr.TTL("k/version"))

	stored, err = c.SetIfVersion(ctx, "k", []byte("v2"), time.Minute, guard)
	require.NoError(t, err)
	require.False(t, stored)
	raw, err := mr.Get("k")
	require.NoError(t, err)
	require.Equal(t, "v1", raw)

	guard.Version = 1
	stored, err = c.SetIfVersion(ctx, "k", []byte("v2"), time.Minute, guard)
	require.NoError(t, err)
	require.True(t, stored)
}

func TestGetStampedHonoursMaxAge(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	guard := Guard{VersionKey: "k/version", StampKey: "k/built", MaxAge: 30 * time.Second}

	stored, err := c.SetIfVersion(ctx, "k", []byte("v"), 20*time.Second, guard)
	require.NoError(t, err)
	require.True(t, stored)

	mr.FastForward(15 * time.Second)
	_, ok, err := c.GetStamped(ctx, "k", "k/built", 20*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(16 * time.Second)
	require.True(t, mr.Exists("k"), "sliding ttl keeps the value alive")
	_, ok, err = c.GetStamped(ctx, "k", "k/built", 20*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = c.GetStamped(ctx, "absent", "absent/built", 0)
	require.NoError(t, err)
	require.False(t, ok)
}
