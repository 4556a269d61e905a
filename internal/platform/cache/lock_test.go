package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockIsExclusiveUntilReleased(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewLocker(client, time.Minute)
	ctx := context.Background()
	key := LockKey("vehicle", "v1")

	release, err := locker.Lock(ctx, key)
	require.NoError(t, err)

	_, err = locker.Lock(ctx, key)
	assert.ErrorIs(t, err, ErrLocked)

	release()
	again, err := locker.Lock(ctx, key)
	require.NoError(t, err)
	again()
}

func TestExpiredLockIsNotReleasedByOldHolder(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewLocker(client, time.Second)
	ctx := context.Background()
	key := LockKey("vehicle", "v1")

	stale, err := locker.Lock(ctx, key)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	current, err := locker.Lock(ctx, key)
	require.NoError(t, err)
	stale()
	assert.True(t, mr.Exists(key), "the stale holder must not drop the new lock")
	current()
	assert.False(t, mr.Exists(key))
}
