package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// liveClient connects to REDIS_URL or skips.
func liveClient(t *testing.T) *Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	c, err := NewClient(Config{URL: url})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLockAcquireContendRelease(t *testing.T) {
	c := liveClient(t)
	ctx := context.Background()
	name := "test:" + uuid.NewString()
	t.Cleanup(func() { c.rdb.Del(context.Background(), lockKey(name)) })

	token, err := c.AcquireLock(ctx, name, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	other, err := c.AcquireLock(ctx, name, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, other, "held lock must not be granted twice")

	// A stranger's token leaves the lock in place.
	require.NoError(t, c.ReleaseLock(ctx, name, uuid.NewString()))
	other, err = c.AcquireLock(ctx, name, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, c.ReleaseLock(ctx, name, token))
	again, err := c.AcquireLock(ctx, name, time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, again)
	assert.NotEqual(t, token, again)
	require.NoError(t, c.ReleaseLock(ctx, name, again))
}

func TestLockExpires(t *testing.T) {
	c := liveClient(t)
	ctx := context.Background()
	name := "test:" + uuid.NewString()
	t.Cleanup(func() { c.rdb.Del(context.Background(), lockKey(name)) })

	token, err := c.AcquireLock(ctx, name, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	require.Eventually(t, func() bool {
		next, err := c.AcquireLock(ctx, name, time.Minute)
		return err == nil && next != ""
	}, 2*time.Second, 50*time.Millisecond)

	// The expired holder can no longer release the new holder's lock.
	require.NoError(t, c.ReleaseLock(ctx, name, token))
	other, err := c.AcquireLock(ctx, name, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, other)
}
