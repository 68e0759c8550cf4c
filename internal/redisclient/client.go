package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/track_duplicate.lua
var trackDuplicateScript string

//go:embed scripts/update_status.lua
var updateStatusScript string

//go:embed scripts/forget_duplicate.lua
var forgetDuplicateScript string

//go:embed scripts/release_lock.lua
var releaseLockScript string

// ErrLockTimeout is returned when a lock could not be acquired in time.
var ErrLockTimeout = errors.New("lock wait timed out")

type Client struct {
	rdb           *redis.Client
	trackScript   *redis.Script
	updateScript  *redis.Script
	forgetScript  *redis.Script
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromRedis(rdb), nil
}

// NewFromRedis wraps an existing connection.
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		trackScript:   redis.NewScript(trackDuplicateScript),
		updateScript:  redis.NewScript(updateStatusScript),
		forgetScript:  redis.NewScript(forgetDuplicateScript),
		releaseScript: redis.NewScript(releaseLockScript),
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// DuplicateEntry is the stored form of a duplicate-tracker record.
type DuplicateEntry struct {
	TransactionID string
	Status        string
	RecordedAt    time.Time
	Window        time.Duration
}

func indexKey(transactionID string) string {
	return "dup:txn:" + transactionID
}

// TrackDuplicate atomically records transactionID under entryKey unless a
// live entry already owns it. It returns the owning transaction ID and
// whether this call created the entry.
func (c *Client) TrackDuplicate(ctx context.Context, entryKey, transactionID, status string, now time.Time, window, retention time.Duration) (string, bool, error) {
	result, err := c.trackScript.Run(ctx, c.rdb,
		[]string{entryKey, indexKey(transactionID)},
		transactionID, status, now.UnixMilli(), window.Milliseconds(), retention.Milliseconds(),
	).Result()
	if err != nil {
		return "", false, fmt.Errorf("track duplicate script failed: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return "", false, fmt.Errorf("unexpected script result type")
	}
	created, _ := values[0].(int64)
	owner, _ := values[1].(string)

	return owner, created == 1, nil
}

// GetDuplicate loads an entry. A missing entry returns nil, nil.
func (c *Client) GetDuplicate(ctx context.Context, entryKey string) (*DuplicateEntry, error) {
	result, err := c.rdb.HGetAll(ctx, entryKey).Result()
	if err != nil {
		return nil, fmt.Errorf("get duplicate entry: %w", err)
	}
	if len(result) == 0 || result["transaction_id"] == "" {
		return nil, nil
	}

	recordedMs, _ := strconv.ParseInt(result["recorded_at"], 10, 64)
	windowMs, _ := strconv.ParseInt(result["window_ms"], 10, 64)

	return &DuplicateEntry{
		TransactionID: result["transaction_id"],
		Status:        result["status"],
		RecordedAt:    time.UnixMilli(recordedMs),
		Window:        time.Duration(windowMs) * time.Millisecond,
	}, nil
}

// UpdateDuplicateStatus changes the status on the entry owned by
// transactionID. It reports false when no such entry exists.
func (c *Client) UpdateDuplicateStatus(ctx context.Context, transactionID, status string) (bool, error) {
	entryKey, err := c.rdb.Get(ctx, indexKey(transactionID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup duplicate index: %w", err)
	}

	n, err := c.updateScript.Run(ctx, c.rdb, []string{entryKey}, transactionID, status).Int64()
	if err != nil {
		return false, fmt.Errorf("update status script failed: %w", err)
	}
	return n == 1, nil
}

// ForgetDuplicate removes the entry at entryKey if transactionID owns it.
func (c *Client) ForgetDuplicate(ctx context.Context, entryKey, transactionID string) (bool, error) {
	n, err := c.forgetScript.Run(ctx, c.rdb,
		[]string{entryKey, indexKey(transactionID)}, transactionID).Int64()
	if err != nil {
		return false, fmt.Errorf("forget duplicate script failed: %w", err)
	}
	return n == 1, nil
}

// AcquireLock acquires a distributed lock owned by token
func (c *Client) AcquireLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
}

// ReleaseLock releases a distributed lock if token still owns it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) (bool, error) {
	n, err := c.releaseScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("release lock script failed: %w", err)
	}
	return n == 1, nil
}

// Locker serializes work on a key across service instances.
type Locker struct {
	client  *Client
	ttl     time.Duration
	retry   time.Duration
	maxWait time.Duration
}

// NewLocker returns a Locker whose locks expire after ttl.
func NewLocker(client *Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Locker{
		client:  client,
		ttl:     ttl,
		retry:   25 * time.Millisecond,
		maxWait: ttl,
	}
}

// Lock blocks until the lock on key is held, ctx is done or the wait
// exceeds the lock TTL.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	deadline := time.Now().Add(l.maxWait)

	for {
		ok, err := l.client.AcquireLock(ctx, key, token, l.ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_, _ = l.client.ReleaseLock(releaseCtx, key, token)
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}
