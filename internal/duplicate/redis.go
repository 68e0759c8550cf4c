package duplicate

import (
	"context"
	"time"

	"mpesa-service/internal/apperr"
	"mpesa-service/internal/models"
	"mpesa-service/internal/redisclient"
	"mpesa-service/internal/util"
)

// RedisTracker shares entries between service instances. Entries expire
// through Redis TTLs so no sweep is needed.
type RedisTracker struct {
	client *redisclient.Client
	cfg    Config
	now    func() time.Time
}

// NewRedisTracker creates a tracker backed by Redis.
func NewRedisTracker(client *redisclient.Client, cfg Config, opts ...Option) *RedisTracker {
	o := buildOptions(opts)
	return &RedisTracker{
		client: client,
		cfg:    cfg.withDefaults(),
		now:    o.now,
	}
}

func redisKey(key Key) string {
	return "dup:" + key.String()
}

func (t *RedisTracker) Track(ctx context.Context, key Key, transactionID string, status models.TransactionStatus, window time.Duration) (string, error) {
	w := t.cfg.window(window)
	owner, _, err := t.client.TrackDuplicate(ctx, redisKey(key), transactionID, string(status), t.now(), w, t.cfg.retention(w))
	if err != nil {
		return "", apperr.Storage("duplicate.Track", err)
	}
	return owner, nil
}

func (t *RedisTracker) Check(ctx context.Context, key Key, window time.Duration) (Result, error) {
	e, err := t.client.GetDuplicate(ctx, redisKey(key))
	if err != nil {
		return Result{}, apperr.Storage("duplicate.Check", err)
	}
	if e == nil || t.now().Sub(e.RecordedAt) >= t.cfg.window(window) {
		return Result{}, nil
	}
	util.DuplicatesDetectedTotal.Inc()
	return Result{IsDuplicate: true, ExistingTransactionID: e.TransactionID}, nil
}

func (t *RedisTracker) UpdateStatus(ctx context.Context, transactionID string, status models.TransactionStatus) error {
	if _, err := t.client.UpdateDuplicateStatus(ctx, transactionID, string(status)); err != nil {
		return apperr.Storage("duplicate.UpdateStatus", err)
	}
	return nil
}

func (t *RedisTracker) Forget(ctx context.Context, key Key, transactionID string) error {
	if _, err := t.client.ForgetDuplicate(ctx, redisKey(key), transactionID); err != nil {
		return apperr.Storage("duplicate.Forget", err)
	}
	return nil
}
