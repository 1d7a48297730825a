/*
Package cache is the read-through cache in front of the dashboard
aggregates.

PURPOSE:
  Dashboard figures are recomputed from every sale on each call. The cache
  keeps the last result per key for a short TTL, and every write that moves
  a figure (sale, payment, procurement, stock edit, price change) drops all
  of them.

BACKENDS:
  - Noop: no caching, every Fetch computes. Used when Redis is not
    configured and in tests.
  - Redis: values as JSON under the "dash:" prefix, with a redislock lock
    per key so concurrent misses compute once.

FAILURE MODEL:
  The cache is best effort. A Redis error is logged and treated as a miss;
  it never fails the request.
*/
package cache

import (
	"context"
	"encoding/json"
)

const Prefix = "dash:"

type Cache interface {
	// Get returns the cached bytes for key, ok=false on a miss.
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
	// Lock serialises recomputation of key. ok=false means the lock was
	// not obtained and the caller should compute without caching.
	Lock(ctx context.Context, key string) (release func(), ok bool)
	// Invalidate drops every cached entry.
	Invalidate(ctx context.Context) error
}

// Fetch returns the cached value for key, or computes, stores and returns
// it.
func Fetch[T any](ctx context.Context, c Cache, key string, compute func(context.Context) (T, error)) (T, error) {
	if c == nil {
		return compute(ctx)
	}
	key = Prefix + key

	if v, ok := lookup[T](ctx, c, key); ok {
		return v, nil
	}

	release, locked := c.Lock(ctx, key)
	if !locked {
		return compute(ctx)
	}
	defer release()

	// Filled while we waited for the lock.
	if v, ok := lookup[T](ctx, c, key); ok {
		return v, nil
	}

	v, err := compute(ctx)
	if err != nil {
		return v, err
	}
	if b, err := json.Marshal(v); err == nil {
		c.Set(ctx, key, b)
	}
	return v, nil
}

func lookup[T any](ctx context.Context, c Cache, key string) (T, bool) {
	var v T
	b, ok := c.Get(ctx, key)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, false
	}
	return v, true
}

// =============================================================================
// NOOP
// =============================================================================

type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool) { return nil, false }
func (Noop) Set(context.Context, string, []byte) {}
func (Noop) Lock(context.Context, string) (func(), bool) { return func() {}, false }
func (Noop) Invalidate(context.Context) error { return nil }
