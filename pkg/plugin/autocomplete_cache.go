package plugin

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	metricsCacheKey   = "metrics"
	tagsCacheKeyStart = "tags:"
)

// AutocompleteCache stores metric and tag candidate lists for a bounded time.
// Concurrent misses on the same key share a single fetch.
type AutocompleteCache struct {
	entries *expirable.LRU[string, []string]
	group   singleflight.Group
}

// NewAutocompleteCache creates a cache holding at most size entries for ttl
func NewAutocompleteCache(size int, ttl time.Duration) *AutocompleteCache {
	return &AutocompleteCache{
		entries: expirable.NewLRU[string, []string](size, nil, ttl),
	}
}

// Get returns a cached entry if it has not expired
func (c *AutocompleteCache) Get(key string) ([]string, bool) {
	return c.entries.Get(key)
}

// Set stores an entry, resetting its expiry
func (c *AutocompleteCache) Set(key string, values []string) {
	c.entries.Add(key, values)
}

// Purge drops every entry
func (c *AutocompleteCache) Purge() {
	c.entries.Purge()
}

// Len returns the number of live entries
func (c *AutocompleteCache) Len() int {
	return c.entries.Len()
}

// GetOrFetch returns the cached entry for key or calls fetch to populate it.
// Errors are returned to every waiting caller and never cached.
func (c *AutocompleteCache) GetOrFetch(ctx context.Context, key string, fetch func(context.Context) ([]string, error)) ([]string, error) {
	if values, ok := c.entries.Get(key); ok {
		autocompleteCacheRequests.WithLabelValues("hit").Inc()
		return values, nil
	}
	autocompleteCacheRequests.WithLabelValues("miss").Inc()

	// The shared fetch outlives any single caller's cancellation
	fetchCtx := context.WithoutCancel(ctx)

	ch := c.group.DoChan(key, func() (interface{}, error) {
		values, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.entries.Add(key, values)
		return values, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			autocompleteCacheRequests.WithLabelValues("error").Inc()
			return nil, res.Err
		}
		return res.Val.([]string), nil
	}
}

func tagsCacheKey(metric string) string {
	return tagsCacheKeyStart + metric
}
