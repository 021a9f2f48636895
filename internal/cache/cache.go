// Package cache memoizes compiled kernels by the structural identity of
// their SSA.
//
// A Cache belongs to exactly one device and lives as long as that device.
// Entries are never evicted. Concurrent requests for the same new kernel
// share a single compilation.
package cache

import (
	"bytes"
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/born-ml/ug/internal/lang/ssa"
	"github.com/born-ml/ug/internal/tensor"
)

// CompileFunc builds a runnable object for a kernel.
type CompileFunc[F any] func(k *ssa.Kernel) (F, error)

// Stats counts cache activity.
type Stats struct {
	Hits     int64
	Misses   int64
	Compiles int64
}

type entry[F any] struct {
	fn        F
	canonical []byte
}

// Cache maps kernel keys to compiled objects of type F.
type Cache[F any] struct {
	mu      sync.Mutex
	entries map[string]entry[F]
	group   singleflight.Group

	hits     atomic.Int64
	misses   atomic.Int64
	compiles atomic.Int64
}

// New returns an empty cache.
func New[F any]() *Cache[F] {
	return &Cache[F]{entries: map[string]entry[F]{}}
}

func (c *Cache[F]) lookup(key string) (entry[F], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e, ok
}

// GetOrCompile returns the cached object for k, compiling it on a miss.
// At most one compilation runs per key; concurrent callers wait for it and
// share its result. Failed compilations are not cached.
func (c *Cache[F]) GetOrCompile(k *ssa.Kernel, compile CompileFunc[F]) (F, error) {
	var zero F
	key, canonical := k.Key()

	if e, ok := c.lookup(key); ok {
		if !bytes.Equal(e.canonical, canonical) {
			return zero, tensor.InternalErrorf("kernel cache collision on key %s", key)
		}
		c.hits.Add(1)
		slog.Debug("kernel cache hit", "key", key[:12])
		return e.fn, nil
	}
	c.misses.Add(1)

	v, err, _ := c.group.Do(key, func() (any, error) {
		if e, ok := c.lookup(key); ok {
			return e, nil
		}
		start := time.Now()
		fn, err := compile(k)
		if err != nil {
			return nil, err
		}
		c.compiles.Add(1)
		e := entry[F]{fn: fn, canonical: canonical}
		c.mu.Lock()
		c.entries[key] = e
		c.mu.Unlock()
		slog.Debug("kernel compiled", "key", key[:12], "instrs", len(k.Instrs), "duration", time.Since(start))
		return e, nil
	})
	if err != nil {
		return zero, err
	}
	e := v.(entry[F])
	if !bytes.Equal(e.canonical, canonical) {
		return zero, tensor.InternalErrorf("kernel cache collision on key %s", key)
	}
	return e.fn, nil
}

// Precompile compiles kernels concurrently, at most limit at a time
// (unlimited when limit <= 0), and returns the compiled objects in the
// order of kernels. It stops at the first error.
func (c *Cache[F]) Precompile(ctx context.Context, kernels []*ssa.Kernel, compile CompileFunc[F], limit int) ([]F, error) {
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	fns := make([]F, len(kernels))
	for i, k := range kernels {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := c.GetOrCompile(k, compile)
			fns[i] = f
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return fns, nil
}

// Len returns the number of cached kernels.
func (c *Cache[F]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns the cached keys in sorted order.
func (c *Cache[F]) Keys() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	slices.Sort(keys)
	return keys
}

// Stats returns a snapshot of the counters.
func (c *Cache[F]) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Compiles: c.compiles.Load()}
}
