package redisclient

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromRedis(rdb), mr
}

func TestTrackDuplicateFirstWriterWins(t *testing.T) {
	c, mr := setupRedis(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	owner, created, err := c.TrackDuplicate(ctx, "dup:k", "txn-1", "pending", now, 5*time.Minute, 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "txn-1", owner)

	owner, created, err = c.TrackDuplicate(ctx, "dup:k", "txn-2", "pending", now.Add(time.Minute), 5*time.Minute, 15*time.Minute)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "txn-1", owner)

	assert.True(t, mr.Exists("dup:txn:txn-1"))
	assert.False(t, mr.Exists("dup:txn:txn-2"))
	assert.Equal(t, 15*time.Minute, mr.TTL("dup:k"))
}

func TestTrackDuplicateReplacesExpiredWindow(t *testing.T) {
	c, _ := setupRedis(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	_, _, err := c.TrackDuplicate(ctx, "dup:k", "txn-1", "pending", now, time.Millisecond, 15*time.Minute)
	require.NoError(t, err)

	owner, created, err := c.TrackDuplicate(ctx, "dup:k", "txn-2", "pending", now.Add(2*time.Millisecond), time.Minute, 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "txn-2", owner)

	entry, err := c.GetDuplicate(ctx, "dup:k")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "txn-2", entry.TransactionID)
	assert.Equal(t, time.Minute, entry.Window)
	assert.Equal(t, now.Add(2*time.Millisecond).UnixMilli(), entry.RecordedAt.UnixMilli())
}

func TestGetDuplicateMissing(t *testing.T) {
	c, _ := setupRedis(t)

	entry, err := c.GetDuplicate(context.Background(), "dup:none")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestUpdateDuplicateStatus(t *testing.T) {
	c, mr := setupRedis(t)
	ctx := context.Background()
	now := time.Now()

	ok, err := c.UpdateDuplicateStatus(ctx, "txn-1", "sent")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = c.TrackDuplicate(ctx, "dup:k", "txn-1", "pending", now, time.Minute, time.Hour)
	require.NoError(t, err)

	ok, err = c.UpdateDuplicateStatus(ctx, "txn-1", "sent")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sent", mr.HGet("dup:k", "status"))

	// a stale index must not touch an entry that now belongs to someone else
	mr.HSet("dup:k", "transaction_id", "txn-9")
	ok, err = c.UpdateDuplicateStatus(ctx, "txn-1", "completed")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "sent", mr.HGet("dup:k", "status"))
}

func TestForgetDuplicate(t *testing.T) {
	c, mr := setupRedis(t)
	ctx := context.Background()

	_, _, err := c.TrackDuplicate(ctx, "dup:k", "txn-1", "pending", time.Now(), time.Minute, time.Hour)
	require.NoError(t, err)

	removed, err := c.ForgetDuplicate(ctx, "dup:k", "txn-2")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.True(t, mr.Exists("dup:k"))

	removed, err = c.ForgetDuplicate(ctx, "dup:k", "txn-1")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, mr.Exists("dup:k"))
	assert.False(t, mr.Exists("dup:txn:txn-1"))
}

func TestLockReleaseRequiresToken(t *testing.T) {
	c, mr := setupRedis(t)
	ctx := context.Background()

	ok, err := c.AcquireLock(ctx, "txn-1", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.AcquireLock(ctx, "txn-1", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	released, err := c.ReleaseLock(ctx, "txn-1", "b")
	require.NoError(t, err)
	assert.False(t, released)
	assert.True(t, mr.Exists("lock:txn-1"))

	released, err = c.ReleaseLock(ctx, "txn-1", "a")
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, mr.Exists("lock:txn-1"))
}

func TestLockerSerializes(t *testing.T) {
	c, _ := setupRedis(t)
	locker := NewLocker(c, 5*time.Second)
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "txn-1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestLockerRespectsContext(t *testing.T) {
	c, _ := setupRedis(t)
	locker := NewLocker(c, 5*time.Second)

	unlock, err := locker.Lock(context.Background(), "txn-1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "txn-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
