// Package kvcache is the key/value facade of the collector. It layers a
// small in-process LRU (L1) over a remote provider pair (L2): reads
// prefer L1, writes go through a smart filter that elides remote PUTs of
// byte-identical values, and sustained quota or transport failures of
// the primary provider fail over to a backup until the primary recovers.
package kvcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
)

const (
	// defaultL1TTL bounds how long an L1 entry may serve reads.
	defaultL1TTL = 30 * time.Minute
	// defaultL1Size caps the number of resident L1 entries.
	defaultL1Size = 4096
	// lockStripes is the size of the per-key mutex table.
	lockStripes = 64
)

// Options tune a single facade call.
type Options struct {
	// SkipCache bypasses L1 for this call. Reads go straight to L2 and
	// writes invalidate rather than update the local entry, which also
	// disables the smart-write filter. Lock and lease keys are always
	// accessed this way.
	SkipCache bool
	// CacheTTL overrides the default L1 retention for this call.
	CacheTTL time.Duration
}

// Config assembles a Cache.
type Config struct {
	Primary Provider
	Backup  Provider // Optional. Failover is disabled when nil.

	L1Size int
	L1TTL  time.Duration

	// Limiter, when set, gates every L2 call at Tier.
	Limiter *limits.Limiter
	Tier    limits.Tier

	// Failover tuning. Zero values take the defaults below.
	FailoverThreshold int
	QuotaRecovery     time.Duration
	TransportRecovery time.Duration
	ProbePeriod       time.Duration
}

type l1Entry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is the process-wide KV facade. All methods are safe for
// concurrent use.
type Cache struct {
	l1      *lru.Cache[string, l1Entry]
	l1TTL   time.Duration
	locks   [lockStripes]sync.Mutex
	limiter *limits.Limiter
	tier    limits.Tier
	fo      *failover
	clock   func() time.Time
}

// NewCache builds a Cache over |cfg.Primary| with optional failover to
// |cfg.Backup|.
func NewCache(cfg Config) (*Cache, error) {
	if cfg.Primary == nil {
		return nil, fmt.Errorf("kvcache: primary provider is required")
	}
	if cfg.L1Size == 0 {
		cfg.L1Size = defaultL1Size
	}
	if cfg.L1TTL == 0 {
		cfg.L1TTL = defaultL1TTL
	}

	var l1, err = lru.New[string, l1Entry](cfg.L1Size)
	if err != nil {
		return nil, fmt.Errorf("building L1: %w", err)
	}
	return &Cache{
		l1:      l1,
		l1TTL:   cfg.L1TTL,
		limiter: cfg.Limiter,
		tier:    cfg.Tier,
		fo:      newFailover(cfg),
		clock:   time.Now,
	}, nil
}

// Get returns the value of |key|, or nil if it doesn't exist.
func (c *Cache) Get(ctx context.Context, key string, opts Options) ([]byte, error) {
	if !opts.SkipCache {
		if value, ok := c.l1Get(key); ok {
			l1Hits.Inc()
			return value, nil
		}
		l1Misses.Inc()
	}

	var mu = c.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	// Another goroutine may have back-filled while we waited.
	if !opts.SkipCache {
		if value, ok := c.l1Get(key); ok {
			l1Hits.Inc()
			return value, nil
		}
	}

	value, err := c.l2Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if !opts.SkipCache {
		c.l1Put(key, value, opts.CacheTTL)
	}
	return value, nil
}

// Set writes |key| to L2 and refreshes L1. |ttl| bounds the remote
// entry's lifetime; zero keeps it until deleted. A remote write is
// skipped when L1 already holds an identical, unexpired value, unless
// opts.SkipCache is set.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, opts Options) error {
	var mu = c.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	if !opts.SkipCache {
		if cur, ok := c.l1Get(key); ok && bytes.Equal(cur, value) {
			smartWriteSkips.Inc()
			return nil
		}
	}
	if err := c.l2Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if opts.SkipCache {
		c.l1.Remove(key)
	} else {
		c.l1Put(key, value, l1WriteTTL(ttl, opts.CacheTTL))
	}
	return nil
}

// Delete removes |key| from L1 and then from L2. Deleting an absent key
// succeeds.
func (c *Cache) Delete(ctx context.Context, key string) error {
	var mu = c.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	c.l1.Remove(key)

	if err := c.acquire(ctx); err != nil {
		return err
	}
	var p = c.fo.active()
	var err = p.Delete(ctx, key)
	c.fo.observe(p, err)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return &SetError{Provider: p.Name(), Err: err}
	}
	return nil
}

// ListKeys enumerates L2 keys having |prefix|. L1 is never consulted.
func (c *Cache) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	var p = c.fo.active()
	keys, err := p.ListKeys(ctx, prefix)
	c.fo.observe(p, err)
	if err != nil {
		return nil, &GetError{Provider: p.Name(), Err: err}
	}
	return keys, nil
}

// BulkSet writes |entries| in one pipelined L2 operation and refreshes
// L1 for each. The smart-write filter doesn't apply.
func (c *Cache) BulkSet(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := c.acquire(ctx); err != nil {
		return err
	}
	var p = c.fo.active()
	var err = p.BulkSet(ctx, entries)
	c.fo.observe(p, err)
	if err != nil {
		return &SetError{Provider: p.Name(), Err: err}
	}
	for _, e := range entries {
		var mu = c.lockFor(e.Key)
		mu.Lock()
		c.l1Put(e.Key, e.Value, l1WriteTTL(e.TTL, 0))
		mu.Unlock()
	}
	return nil
}

// ActiveProvider names the provider currently serving L2 calls.
func (c *Cache) ActiveProvider() string { return c.fo.active().Name() }

func (c *Cache) l2Get(ctx context.Context, key string) ([]byte, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	var p = c.fo.active()
	value, err := p.Get(ctx, key)
	c.fo.observe(p, err)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, &GetError{Provider: p.Name(), Err: err}
	}
	return value, err
}

func (c *Cache) l2Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	var p = c.fo.active()
	var err = p.Set(ctx, key, value, ttl)
	c.fo.observe(p, err)
	if err != nil {
		return &SetError{Provider: p.Name(), Err: err}
	}
	return nil
}

func (c *Cache) l1Get(key string) ([]byte, bool) {
	entry, ok := c.l1.Get(key)
	if !ok {
		return nil, false
	}
	// Expired entries are misses, not stale hits.
	if c.clock().After(entry.expiresAt) {
		c.l1.Remove(key)
		return nil, false
	}
	return entry.value, true
}

func (c *Cache) l1Put(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.l1TTL
	}
	c.l1.Add(key, l1Entry{value: value, expiresAt: c.clock().Add(ttl)})
}

// l1WriteTTL picks the local retention of a written value: an explicit
// per-call TTL wins, otherwise the remote TTL when it's shorter than the
// default, so L1 never outlives the remote entry.
func l1WriteTTL(remoteTTL, cacheTTL time.Duration) time.Duration {
	if cacheTTL > 0 {
		return cacheTTL
	}
	if remoteTTL > 0 && remoteTTL < defaultL1TTL {
		return remoteTTL
	}
	return 0
}

func (c *Cache) lockFor(key string) *sync.Mutex {
	var h = fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &c.locks[h.Sum32()%lockStripes]
}

func (c *Cache) acquire(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Acquire(ctx, c.tier)
}

// RunRecovery drives failover recovery until |ctx| is cancelled: while
// serving from the backup it periodically probes the primary and
// switches back once a probe succeeds. Call it from a goroutine when a
// backup provider is configured.
func (c *Cache) RunRecovery(ctx context.Context) {
	var period = c.fo.probePeriod
	var ticker = time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probePrimary(ctx)
		}
	}
}

func (c *Cache) probePrimary(ctx context.Context) {
	if !c.fo.probeDue(c.clock()) {
		return
	}
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, limits.TierBackground); err != nil {
			return
		}
	}
	var probeCtx, cancel = context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if err := c.fo.primary.Ping(probeCtx); err != nil {
		log.WithFields(log.Fields{
			"provider": c.fo.primary.Name(),
			"err":      err,
		}).Debug("kv primary probe failed")
		c.fo.deferProbe(c.clock())
		return
	}
	c.fo.restorePrimary()
}
