// Package locker serializes work on one device across service replicas.
package locker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"iot-counter-backend/internal/errs"
)

// DeviceLocker grants exclusive access to a device. The returned func
// releases the lock and is always non-nil when err is nil.
type DeviceLocker interface {
	Lock(ctx context.Context, deviceID string) (func(), error)
}

// ErrBusy is returned when another replica holds the device lock
var ErrBusy = fmt.Errorf("device busy: %w", errs.ErrInconsistentState)

// RedisLocker implements DeviceLocker with redislock
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	wait   time.Duration
	logger *logrus.Entry
}

// NewRedisLocker builds a locker on an existing redis client. wait bounds how
// long Lock retries before reporting the device as busy.
func NewRedisLocker(rdb redis.UniversalClient, ttl, wait time.Duration, logger logrus.FieldLogger) *RedisLocker {
	return &RedisLocker{
		client: redislock.New(rdb),
		ttl:    ttl,
		wait:   wait,
		logger: logger.WithField("component", "device_locker"),
	}
}

// Key returns the redis key guarding a device
func Key(deviceID string) string {
	return "device-lock:" + deviceID
}

// Lock obtains the device lock. If redis itself is unreachable the call
// degrades to a no-op lock; in-process actors still serialize the device.
func (l *RedisLocker) Lock(ctx context.Context, deviceID string) (func(), error) {
	backoff := 100 * time.Millisecond
	retries := int(l.wait / backoff)
	opts := &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(backoff), retries),
	}

	lock, err := l.client.Obtain(ctx, Key(deviceID), l.ttl, opts)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("lock %s: %w", deviceID, ErrBusy)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.logger.WithError(err).WithField("device_id", deviceID).Warn("Redis unavailable, continuing without distributed lock")
		return func() {}, nil
	}

	return func() {
		// Release must outlive a cancelled caller context
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.WithError(err).WithField("device_id", deviceID).Warn("Failed to release device lock")
		}
	}, nil
}

// NoopLocker is used when no redis is configured
type NoopLocker struct{}

// Lock always succeeds immediately
func (NoopLocker) Lock(context.Context, string) (func(), error) {
	return func() {}, nil
}

// ConnectRedis opens a redis client and pings it once
func ConnectRedis(ctx context.Context, addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
		PoolSize: 20,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	return rdb, nil
}
