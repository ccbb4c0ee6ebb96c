// Package swrcache implements the keyed cache policy shared by the playback
// resolution tiers: fresh entries are served directly, stale entries are
// served immediately while one background refresh runs, and expired entries
// force callers to wait on a single shared computation per key.
package swrcache

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/singleflight"
)

// minStaleTail keeps a usable stale window even for short TTLs, so a slow or
// flaky upstream does not start failing hot paths the moment freshness lapses.
const minStaleTail = 60 * time.Second

const staleFactor = 10

// Clock supplies the current time. Injected so tests can advance it.
type Clock func() time.Time

// FetchFunc computes a value for one key.
type FetchFunc[T any] func(ctx context.Context) (T, error)

type entry[T any] struct {
	value      T
	freshUntil time.Time
	staleUntil time.Time
}

// Cache is one tier. Instances are independent: each carries its own TTL and
// its own single-flight registry, and reads on one tier never block another.
type Cache[T any] struct {
	ttl  time.Duration
	now  Clock
	name string

	mu         sync.Mutex
	entries    map[string]entry[T]
	refreshing map[string]struct{}

	flight singleflight.Group
}

// New returns a cache tier with the given TTL. A nil clock uses time.Now.
// name is used only for log tags.
func New[T any](name string, ttl time.Duration, now Clock) *Cache[T] {
	if now == nil {
		now = time.Now
	}
	return &Cache[T]{
		ttl:        ttl,
		now:        now,
		name:       name,
		entries:    make(map[string]entry[T]),
		refreshing: make(map[string]struct{}),
	}
}

// Get returns the value for key under the fresh/stale/expired policy:
//
//   - fresh: return cached value.
//   - stale: return cached value and trigger at most one background refresh.
//   - expired or absent: wait for fetch, coalesced with concurrent callers.
func (c *Cache[T]) Get(ctx context.Context, key string, fetch FetchFunc[T]) (T, error) {
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && now.Before(e.freshUntil) {
		c.mu.Unlock()
		return e.value, nil
	}
	if ok && now.Before(e.staleUntil) {
		c.maybeRefreshLocked(key, fetch)
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	return c.await(ctx, key, fetchAs(key, fetch, c))
}

// GetFresh bypasses any cached entry and waits for a fresh computation. The
// result replaces the entry. Concurrent forced readers of the same key share
// one computation, separate from the regular expired-path flight.
func (c *Cache[T]) GetFresh(ctx context.Context, key string, fetch FetchFunc[T]) (T, error) {
	return c.await(ctx, "forced\x00"+key, fetchAs(key, fetch, c))
}

// Peek returns the cached value regardless of state, without side effects.
func (c *Cache[T]) Peek(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e.value, ok
}

// await runs fetch through the single-flight group and stores the result.
// singleflight removes the in-flight handle before Do returns, so a caller
// arriving after completion starts a new computation instead of racing the
// cleanup.
func (c *Cache[T]) await(ctx context.Context, flightKey string, fetch FetchFunc[T]) (T, error) {
	v, err, _ := c.flight.Do(flightKey, func() (any, error) {
		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// fetchAs wraps fetch so that successful results land in the entry map under
// the real key, whichever flight key carried them.
func fetchAs[T any](key string, fetch FetchFunc[T], c *Cache[T]) FetchFunc[T] {
	return func(ctx context.Context) (T, error) {
		value, err := fetch(ctx)
		if err == nil {
			c.store(key, value)
		}
		return value, err
	}
}

// maybeRefreshLocked starts one background refresh for key unless one is
// already running. Caller holds c.mu. The refresh is fire-and-forget: errors
// and panics are swallowed and the stale value keeps serving.
func (c *Cache[T]) maybeRefreshLocked(key string, fetch FetchFunc[T]) {
	if _, busy := c.refreshing[key]; busy {
		return
	}
	c.refreshing[key] = struct{}{}

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, key)
			c.mu.Unlock()
		}()

		var catcher panics.Catcher
		catcher.Try(func() {
			// Detached from the triggering request on purpose: the caller
			// already has its answer.
			value, err := fetch(context.Background())
			if err != nil {
				log.Printf("[cache:%s] background refresh failed key=%q: %v", c.name, key, err)
				return
			}
			c.store(key, value)
		})
		if r := catcher.Recovered(); r != nil {
			log.Printf("[cache:%s] background refresh panic key=%q: %v", c.name, key, r)
		}
	}()
}

func (c *Cache[T]) store(key string, value T) {
	now := c.now()
	freshUntil := now.Add(c.ttl)
	staleUntil := freshUntil.Add(staleFactor * c.ttl)
	if floor := freshUntil.Add(minStaleTail); staleUntil.Before(floor) {
		staleUntil = floor
	}
	c.mu.Lock()
	c.entries[key] = entry[T]{value: value, freshUntil: freshUntil, staleUntil: staleUntil}
	c.mu.Unlock()
}
