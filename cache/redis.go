package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const lockTTL = 10 * time.Second

type Redis struct {
	client *redis.Client
	locker *redislock.Client
	ttl    time.Duration
	log    logrus.FieldLogger
}

// NewRedis connects to addr and fails if the server does not answer PING.
func NewRedis(ctx context.Context, addr string, ttl time.Duration, log logrus.FieldLogger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("could not create cache: %w", err)
	}
	return &Redis{
		client: client,
		locker: redislock.New(client),
		ttl:    ttl,
		log:    log.WithField("module", "cache"),
	}, nil
}

func (r *Redis) Client() *redis.Client { return r.client }

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	b, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.WithError(err).WithField("key", key).Warn("redis get failed")
		}
		return nil, false
	}
	return b, true
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) {
	if err := r.client.Set(ctx, key, value, r.ttl).Err(); err != nil {
		r.log.WithError(err).WithField("key", key).Warn("redis set failed")
	}
}

// Lock waits briefly for the per-key lock. Losing the race is not an error.
func (r *Redis) Lock(ctx context.Context, key string) (func(), bool) {
	lock, err := r.locker.Obtain(ctx, "lock:"+key, lockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 20),
	})
	if err != nil {
		if !errors.Is(err, redislock.ErrNotObtained) {
			r.log.WithError(err).WithField("key", key).Warn("error obtaining redis lock")
		}
		return nil, false
	}
	return func() {
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.log.WithError(err).WithField("key", key).Warn("failed to release redis lock")
		}
	}, true
}

// Invalidate deletes every key under Prefix.
func (r *Redis) Invalidate(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, Prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// =============================================================================
// RATE LIMIT
// =============================================================================

// Limiter counts requests per key in fixed windows.
type Limiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func NewLimiter(client *redis.Client, limit int64, window time.Duration) *Limiter {
	return &Limiter{client: client, limit: limit, window: window}
}

func (l *Limiter) Window() time.Duration { return l.window }

// Allow records one request for key and reports whether it is within the
// limit.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	key = "rate:" + key
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return false, err
		}
	}
	return count <= l.limit, nil
}
