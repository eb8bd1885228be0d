package bridge

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/labelforge/labeld/internal/clock"
	"github.com/labelforge/labeld/internal/telemetry"
)

const (
	// DefaultCacheTTL is used when the caller passes a non-positive TTL.
	DefaultCacheTTL = 5 * time.Minute

	warmConcurrency = 10
	warmFetchBudget = 5 * time.Second
)

// CacheStats is a point-in-time snapshot of cache effectiveness.
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

type cacheEntry struct {
	dto     *SampleDTO
	expires time.Time
}

// Cached layers a TTL cache over any primary bridge. On a batch fetch
// where the primary fails, cached entries are returned with a warning
// instead of the error (graceful degradation).
type Cached struct {
	primary SampleBridge
	ttl     time.Duration
	clk     clock.Clock

	mu      sync.RWMutex
	entries map[string]cacheEntry
	hits    int64
	misses  int64
}

// NewCached wraps primary with a TTL cache. A nil clock gets the system
// clock.
func NewCached(primary SampleBridge, ttl time.Duration, clk clock.Clock) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if clk == nil {
		clk = clock.System
	}
	return &Cached{
		primary: primary,
		ttl:     ttl,
		clk:     clk,
		entries: make(map[string]cacheEntry),
	}
}

// lookup returns a live cache entry for id.
func (c *Cached) lookup(id string) (*SampleDTO, bool) {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok || c.clk.Now().After(e.expires) {
		return nil, false
	}
	return e.dto, true
}

func (c *Cached) put(id string, dto *SampleDTO) {
	c.mu.Lock()
	c.entries[id] = cacheEntry{dto: dto, expires: c.clk.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *Cached) FetchSample(ctx context.Context, id string, opts FetchOpts) (*SampleDTO, error) {
	// Bypassed fetches never touch the hit and miss counters; those
	// track cache effectiveness, not fetch volume.
	if !opts.BypassCache {
		if dto, ok := c.lookup(id); ok {
			c.mu.Lock()
			c.hits++
			c.mu.Unlock()
			telemetry.Emit(ctx, "sample_cache", "cache_hit", nil, nil)
			return dto, nil
		}
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		telemetry.Emit(ctx, "sample_cache", "cache_miss", nil, nil)
	}

	dto, err := c.primary.FetchSample(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	c.put(id, dto)
	return dto, nil
}

// FetchSamples fetches a batch. Ids already cached are served from the
// cache; the rest go to the primary in one pass. If the primary fails and
// at least one id was cached, the cached subset is returned with a
// warning instead of the error.
func (c *Cached) FetchSamples(ctx context.Context, ids []string, opts FetchOpts) ([]*SampleDTO, error) {
	var cached []*SampleDTO
	var missing []string
	for _, id := range ids {
		if opts.BypassCache {
			missing = append(missing, id)
			continue
		}
		if dto, ok := c.lookup(id); ok {
			cached = append(cached, dto)
			continue
		}
		missing = append(missing, id)
	}

	if len(missing) == 0 {
		telemetry.Emit(ctx, "sample_cache", "cache_hit", map[string]int64{"batch": int64(len(cached))}, nil)
		return cached, nil
	}

	fetched, err := c.primary.FetchSamples(ctx, missing, opts)
	if err != nil {
		if len(cached) > 0 {
			fmt.Fprintf(os.Stderr, "warning: sample batch degraded to cached subset (%d of %d served): %v\n",
				len(cached), len(ids), err)
			telemetry.Emit(ctx, "sample_cache", "degraded", map[string]int64{
				"served": int64(len(cached)),
			}, nil)
			return cached, nil
		}
		return nil, err
	}
	for _, dto := range fetched {
		c.put(dto.ID, dto)
	}
	return append(cached, fetched...), nil
}

func (c *Cached) VerifyExists(ctx context.Context, id string) (bool, error) {
	if _, ok := c.lookup(id); ok {
		return true, nil
	}
	return c.primary.VerifyExists(ctx, id)
}

func (c *Cached) FetchVersion(ctx context.Context, id string) (string, error) {
	if dto, ok := c.lookup(id); ok {
		return dto.Version, nil
	}
	return c.primary.FetchVersion(ctx, id)
}

// WarmCache prefetches ids concurrently with bounded parallelism and a
// per-fetch time budget. Warming is best effort: individual failures are
// ignored.
func (c *Cached) WarmCache(ctx context.Context, ids []string) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(warmConcurrency)
	for _, id := range ids {
		if _, ok := c.lookup(id); ok {
			continue
		}
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(ctx, warmFetchBudget)
			defer cancel()
			dto, err := c.primary.FetchSample(fetchCtx, id, FetchOpts{})
			if err != nil {
				// Warming is best effort; failures stay silent.
				return nil
			}
			c.put(id, dto)
			return nil
		})
	}
	_ = g.Wait()
}

// Invalidate drops one cache entry.
func (c *Cached) Invalidate(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// Clear drops the whole cache.
func (c *Cached) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Stats reports cache size and hit counters.
func (c *Cached) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
}
