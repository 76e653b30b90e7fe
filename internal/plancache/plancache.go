// Package plancache memoizes compiled dialect.Result values behind an LRU.
// Callers are responsible for building a key that uniquely identifies both
// the query shape and its bound parameter values — this cache is for
// literally-repeated compiles (a health check, a dashboard re-issuing the
// same filter), not for reusing one shape's SQL text across differing
// parameter values.
package plancache

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/relq/relq/dialect"
)

// Cache bounds memory use to a fixed entry count, evicting least-recently-used
// entries once full.
type Cache struct {
	cache *lru.Cache
}

// New builds a Cache holding at most size compiled results.
func New(size int) (*Cache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{cache: c}, nil
}

// Get returns the cached Result for key, if present.
func (c *Cache) Get(key string) (dialect.Result, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return dialect.Result{}, false
	}
	return v.(dialect.Result), true
}

// Set stores res under key, evicting the least-recently-used entry if the
// cache is at capacity.
func (c *Cache) Set(key string, res dialect.Result) {
	c.cache.Add(key, res)
}
