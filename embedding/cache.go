package embedding

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/dgraph-io/ristretto"
)

// Cached memoizes another provider's vectors keyed by a hash of the text.
// Failed calls and vectors of the wrong dimension are never cached.
// Vectors are shared between callers and must be treated as read-only.
type Cached struct {
	next  Provider
	cache *ristretto.Cache
}

// NewCached wraps next with an LRU-ish cache holding roughly maxItems vectors.
func NewCached(next Provider, maxItems int64) (*Cached, error) {
	if maxItems <= 0 {
		maxItems = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
		// Cost is counted in vectors, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &Cached{next: next, cache: cache}, nil
}

func (c *Cached) Dimension() int { return c.next.Dimension() }

func (c *Cached) Name() string { return c.next.Name() }

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := textKey(text)
	if v, ok := c.cache.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}
	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) != c.next.Dimension() {
		return nil, fmt.Errorf("%s returned %d dimensions, want %d", c.next.Name(), len(vec), c.next.Dimension())
	}
	c.cache.Set(key, vec, 1)
	return vec, nil
}

// Wait blocks until pending cache writes are visible.
func (c *Cached) Wait() { c.cache.Wait() }

// Close releases the cache's background goroutines.
func (c *Cached) Close() { c.cache.Close() }

func textKey(text string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return h.Sum64()
}
