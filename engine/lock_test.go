package engine

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/colloquy/testutil"
)

func TestLocalLocker(t *testing.T) {
	ctx := testutil.TestContext(t)
	registry := NewLockRegistry()
	a := registry.NewLocker()
	b := registry.NewLocker()

	require.True(t, a.AcquireLock(ctx, "conv-1"))
	assert.True(t, a.AcquireLock(ctx, "conv-1"), "re-entrant for the same holder")
	assert.False(t, b.AcquireLock(ctx, "conv-1"), "second holder is rejected")
	assert.True(t, b.IsLockedByOther(ctx, "conv-1"))
	assert.False(t, a.IsLockedByOther(ctx, "conv-1"))

	// a different conversation is independent
	assert.True(t, b.AcquireLock(ctx, "conv-2"))

	b.ReleaseLock(ctx, "conv-1") // not the holder, no effect
	assert.False(t, b.AcquireLock(ctx, "conv-1"))

	a.ReleaseLock(ctx, "conv-1")
	assert.True(t, b.AcquireLock(ctx, "conv-1"))
}

func newRedisLockers(t *testing.T) (*miniredis.Miniredis, *RedisLocker, *RedisLocker) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return srv,
		NewRedisLocker(client, time.Second, nil),
		NewRedisLocker(client, time.Second, nil)
}

func TestRedisLocker(t *testing.T) {
	ctx := testutil.TestContext(t)

	t.Run("mutual exclusion", func(t *testing.T) {
		_, a, b := newRedisLockers(t)
		defer a.Close()
		defer b.Close()

		require.True(t, a.AcquireLock(ctx, "conv-1"))
		assert.False(t, b.AcquireLock(ctx, "conv-1"))
		assert.True(t, b.IsLockedByOther(ctx, "conv-1"))
		assert.False(t, a.IsLockedByOther(ctx, "conv-1"))

		a.ReleaseLock(ctx, "conv-1")
		assert.True(t, b.AcquireLock(ctx, "conv-1"))
	})

	t.Run("re-entrant for the same holder", func(t *testing.T) {
		_, a, _ := newRedisLockers(t)
		defer a.Close()
		require.True(t, a.AcquireLock(ctx, "conv-1"))
		assert.True(t, a.AcquireLock(ctx, "conv-1"))
	})

	t.Run("release only removes own lock", func(t *testing.T) {
		_, a, b := newRedisLockers(t)
		defer a.Close()
		defer b.Close()
		require.True(t, a.AcquireLock(ctx, "conv-1"))
		b.ReleaseLock(ctx, "conv-1")
		assert.False(t, b.AcquireLock(ctx, "conv-1"), "a's lock survives b's release")
	})

	t.Run("expired lock becomes available", func(t *testing.T) {
		srv, a, b := newRedisLockers(t)
		defer a.Close()
		defer b.Close()
		require.True(t, a.AcquireLock(ctx, "conv-1"))
		srv.SetTTL(lockKey("conv-1"), time.Millisecond)
		srv.FastForward(10 * time.Millisecond)
		assert.True(t, b.AcquireLock(ctx, "conv-1"))
	})

	t.Run("fails open when the backend is down", func(t *testing.T) {
		srv, a, _ := newRedisLockers(t)
		defer a.Close()
		srv.Close()
		assert.True(t, a.AcquireLock(ctx, "conv-1"))
		assert.False(t, a.IsLockedByOther(ctx, "conv-1"))
	})
}
