package cache

import (
	"context"
	"path"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/kestrelsec/kestrel/config"
)

// Tier identifies which cache layer an operation targets.
type Tier int

const (
	// TierLocal is the process-local bounded layer.
	TierLocal Tier = iota
	// TierShared is the distributed layer, consulted on local misses.
	TierShared
)

func (t Tier) String() string {
	switch t {
	case TierLocal:
		return "LOCAL"
	case TierShared:
		return "SHARED"
	default:
		return "UNKNOWN"
	}
}

// SharedStore is the distributed cache backend contract. Implementations own
// their concurrency control; a failure is treated as a miss by TieredCache.
type SharedStore interface {
	Get(ctx context.Context, key string) (value []byte, expiresAt time.Time, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// DeletePattern removes keys matching a glob pattern and reports how
	// many were removed.
	DeletePattern(ctx context.Context, pattern string) (int, error)
	// PurgeExpired removes entries past their expiry.
	PurgeExpired(ctx context.Context) (int, error)
}

type localEntry struct {
	value     []byte
	expiresAt time.Time
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	LocalEntries int     `json:"local_entries"`
	HitRatio     float64 `json:"hit_ratio"`
}

// TieredCache is the cross-request result cache: a bounded LRU local layer
// in front of an optional shared layer. A shared-tier hit backfills the
// local tier with the same expiry, so both tiers age out together.
type TieredCache struct {
	local         *lru.Cache
	localTTL      time.Duration
	shared        SharedStore
	sweepInterval time.Duration
	logger        *zap.SugaredLogger

	hits   atomic.Int64
	misses atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTieredCache builds the cache. shared may be nil, in which case only the
// local tier is active and TierShared operations degrade to local ones.
func NewTieredCache(cfg config.CacheConfig, shared SharedStore, logger *zap.SugaredLogger) (*TieredCache, error) {
	local, err := lru.New(cfg.LocalMaxEntries)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TieredCache{
		local:         local,
		localTTL:      cfg.LocalTTL(),
		shared:        shared,
		sweepInterval: cfg.SweepInterval(),
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Start launches the shared-tier expiry purge loop. Without it, expired
// rows are only removed lazily on re-read and the shared table grows for
// keys never fetched again. No-op when there is no shared layer.
func (c *TieredCache) Start() {
	if c.shared == nil || c.sweepInterval <= 0 {
		return
	}
	c.wg.Add(1)
	go c.run()
	if c.logger != nil {
		c.logger.Infow("Shared cache sweep started", "sweep_interval", c.sweepInterval)
	}
}

// Stop cancels the purge loop and waits for it to exit.
func (c *TieredCache) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *TieredCache) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			n, err := c.shared.PurgeExpired(c.ctx)
			if err != nil {
				if c.logger != nil {
					c.logger.Warnw("Shared cache purge failed", "error", err)
				}
				continue
			}
			if n > 0 && c.logger != nil {
				c.logger.Debugw("Shared cache sweep completed", "purged", n)
			}
		}
	}
}

// Get looks the key up in the local tier first; on a local miss with
// tier=TierShared it consults the shared layer and backfills the local tier
// on a hit. Shared-layer failures are logged and treated as misses.
func (c *TieredCache) Get(ctx context.Context, key string, tier Tier) ([]byte, bool) {
	now := time.Now()

	if v, ok := c.local.Get(key); ok {
		entry := v.(localEntry)
		if now.Before(entry.expiresAt) {
			c.hits.Add(1)
			return entry.value, true
		}
		c.local.Remove(key)
	}

	if tier == TierShared && c.shared != nil {
		value, expiresAt, ok, err := c.shared.Get(ctx, key)
		if err != nil {
			if c.logger != nil {
				c.logger.Warnw("Shared cache read failed, treating as miss",
					"key", key,
					"error", err,
				)
			}
		} else if ok {
			// Backfill local with the shared entry's expiry so the copies
			// age out together.
			c.local.Add(key, localEntry{value: value, expiresAt: expiresAt})
			c.hits.Add(1)
			return value, true
		}
	}

	c.misses.Add(1)
	return nil, false
}

// Set writes the value to the requested tier. TierLocal entries live at most
// the configured local TTL regardless of ttl.
func (c *TieredCache) Set(ctx context.Context, key string, value []byte, tier Tier, ttl time.Duration) {
	switch tier {
	case TierLocal:
		if ttl > c.localTTL {
			ttl = c.localTTL
		}
		c.local.Add(key, localEntry{value: value, expiresAt: time.Now().Add(ttl)})
	case TierShared:
		if c.shared == nil {
			c.Set(ctx, key, value, TierLocal, ttl)
			return
		}
		if err := c.shared.Set(ctx, key, value, ttl); err != nil && c.logger != nil {
			c.logger.Warnw("Shared cache write failed",
				"key", key,
				"error", err,
			)
		}
	}
}

// Invalidate removes one key from both tiers.
func (c *TieredCache) Invalidate(ctx context.Context, key string) {
	c.local.Remove(key)
	if c.shared != nil {
		if err := c.shared.Delete(ctx, key); err != nil && c.logger != nil {
			c.logger.Warnw("Shared cache delete failed", "key", key, "error", err)
		}
	}
}

// InvalidatePattern removes keys matching a glob pattern from both tiers.
// Used on writes that affect cached aggregates. Returns the number of local
// entries removed.
func (c *TieredCache) InvalidatePattern(ctx context.Context, pattern string) int {
	removed := 0
	for _, k := range c.local.Keys() {
		key, ok := k.(string)
		if !ok {
			continue
		}
		if matched, err := path.Match(pattern, key); err == nil && matched {
			c.local.Remove(key)
			removed++
		}
	}

	if c.shared != nil {
		if _, err := c.shared.DeletePattern(ctx, pattern); err != nil && c.logger != nil {
			c.logger.Warnw("Shared cache pattern delete failed",
				"pattern", pattern,
				"error", err,
			)
		}
	}
	return removed
}

// Stats returns hit/miss counters and the current local entry count.
func (c *TieredCache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	ratio := 0.0
	if hits+misses > 0 {
		ratio = float64(hits) / float64(hits+misses)
	}
	return Stats{
		Hits:         hits,
		Misses:       misses,
		LocalEntries: c.local.Len(),
		HitRatio:     ratio,
	}
}
