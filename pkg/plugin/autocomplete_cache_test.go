package plugin

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutocompleteCache(t *testing.T) {
	ctx := context.Background()

	t.Run("fetches once and serves hits from memory", func(t *testing.T) {
		cache := NewAutocompleteCache(10, time.Minute)
		var calls atomic.Int32
		fetch := func(context.Context) ([]string, error) {
			calls.Add(1)
			return []string{"system.cpu.user", "system.load.1"}, nil
		}

		first, err := cache.GetOrFetch(ctx, metricsCacheKey, fetch)
		require.NoError(t, err)
		second, err := cache.GetOrFetch(ctx, metricsCacheKey, fetch)
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, 1, cache.Len())
	})

	t.Run("does not cache failures", func(t *testing.T) {
		cache := NewAutocompleteCache(10, time.Minute)
		var calls atomic.Int32
		boom := errors.New("rate limited")
		fetch := func(context.Context) ([]string, error) {
			calls.Add(1)
			return nil, boom
		}

		_, err := cache.GetOrFetch(ctx, tagsCacheKey("system.cpu.user"), fetch)
		assert.ErrorIs(t, err, boom)
		_, err = cache.GetOrFetch(ctx, tagsCacheKey("system.cpu.user"), fetch)
		assert.ErrorIs(t, err, boom)

		assert.Equal(t, int32(2), calls.Load())
		assert.Zero(t, cache.Len())
	})

	t.Run("collapses concurrent misses into one fetch", func(t *testing.T) {
		cache := NewAutocompleteCache(10, time.Minute)
		var calls atomic.Int32
		release := make(chan struct{})
		fetch := func(context.Context) ([]string, error) {
			calls.Add(1)
			<-release
			return []string{"host:a"}, nil
		}

		const callers = 8
		var wg sync.WaitGroup
		results := make([][]string, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i], _ = cache.GetOrFetch(ctx, tagsCacheKey("m"), fetch)
			}()
		}

		// Give the callers time to queue behind the first fetch
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		assert.Equal(t, int32(1), calls.Load())
		for _, r := range results {
			assert.Equal(t, []string{"host:a"}, r)
		}
	})

	t.Run("expires entries after the TTL", func(t *testing.T) {
		cache := NewAutocompleteCache(10, 50*time.Millisecond)
		cache.Set("k", []string{"v"})

		got, ok := cache.Get("k")
		require.True(t, ok)
		assert.Equal(t, []string{"v"}, got)

		assert.Eventually(t, func() bool {
			_, ok := cache.Get("k")
			return !ok
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("evicts the least recently used entry", func(t *testing.T) {
		cache := NewAutocompleteCache(2, time.Minute)
		cache.Set("a", []string{"1"})
		cache.Set("b", []string{"2"})
		_, _ = cache.Get("a")
		cache.Set("c", []string{"3"})

		_, ok := cache.Get("b")
		assert.False(t, ok)
		_, ok = cache.Get("a")
		assert.True(t, ok)
	})

	t.Run("returns when the caller gives up", func(t *testing.T) {
		cache := NewAutocompleteCache(10, time.Minute)
		release := make(chan struct{})
		defer close(release)

		callerCtx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := cache.GetOrFetch(callerCtx, "slow", func(context.Context) ([]string, error) {
			<-release
			return []string{"late"}, nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("purge drops everything", func(t *testing.T) {
		cache := NewAutocompleteCache(10, time.Minute)
		cache.Set("a", []string{"1"})
		cache.Purge()
		assert.Zero(t, cache.Len())
	})
}
