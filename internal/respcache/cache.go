// Package respcache caches chat completion responses by request content.
// Identical deterministic requests are served from cache instead of a
// redundant upstream call. An optional Redis tier serves multi-instance
// deployments; it degrades silently to the in-process store.
package respcache

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"

	"github.com/relaywatch/relaywatch/internal/metrics"
	"github.com/relaywatch/relaywatch/pkg/types"
)

const (
	// DefaultTTL is how long a cached response stays valid.
	DefaultTTL = 30 * time.Minute
	// DefaultMaxEntries caps the in-process store.
	DefaultMaxEntries = 10000

	// Requests above this sampling temperature are too non-deterministic
	// to be worth caching.
	maxCacheableTemperature = 0.8
	// Conversations longer than this are unlikely to recur verbatim.
	maxCacheableMessages = 20
)

// cachedEntry is one in-process cache record.
type cachedEntry struct {
	key       string
	response  []byte
	model     string
	createdAt time.Time
	ttl       time.Duration
	hitCount  int64
	elem      *list.Element
}

func (e *cachedEntry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// redisValue is the serialized form stored in the distributed tier.
type redisValue struct {
	Response  []byte `json:"response"`
	Model     string `json:"model"`
	CreatedAt int64  `json:"created_at"`
}

// Config controls cache sizing and the optional Redis tier.
type Config struct {
	MaxEntries int
	DefaultTTL time.Duration
}

// Cache is the response cache. All methods are safe for concurrent use;
// writes are idempotent upserts keyed by content hash, so a lost race at
// worst costs one redundant upstream call.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cachedEntry
	lru     *list.List // front = most recently used

	maxEntries int
	defaultTTL time.Duration

	redis  *goredis.Client // nil when the distributed tier is disabled
	logger *slog.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	evictions atomic.Int64
}

// New creates the cache. redis may be nil for in-process-only caching.
func New(cfg Config, redis *goredis.Client, logger *slog.Logger) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{
		entries:    make(map[string]*cachedEntry),
		lru:        list.New(),
		maxEntries: cfg.MaxEntries,
		defaultTTL: cfg.DefaultTTL,
		redis:      redis,
		logger:     logger,
	}
}

// ShouldCache reports whether a request is worth caching: non-streaming,
// low temperature, short conversation, and at least one user message.
func ShouldCache(req *types.ChatRequest) bool {
	if req.Stream {
		return false
	}
	if req.Temperature != nil && *req.Temperature > maxCacheableTemperature {
		return false
	}
	if len(req.Messages) > maxCacheableMessages {
		return false
	}
	for _, m := range req.Messages {
		if m.Role == "user" {
			return true
		}
	}
	return false
}

// Get returns the cached response for req, or nil on a miss. Expired
// entries count as misses and are removed.
func (c *Cache) Get(ctx context.Context, req *types.ChatRequest) []byte {
	key := Key(req)

	if c.redis != nil {
		data, err := c.redis.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var val redisValue
			if jsonErr := json.Unmarshal(data, &val); jsonErr == nil {
				c.hits.Add(1)
				metrics.CacheOperations.WithLabelValues("redis", "hit").Inc()
				return val.Response
			}
			c.logger.Warn("response cache: corrupt redis entry", "key", key[:24])
		case err != goredis.Nil:
			c.logger.Warn("response cache: redis get failed", "error", err)
		}
	}

	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		metrics.CacheOperations.WithLabelValues("memory", "miss").Inc()
		return nil
	}

	if entry.expired(time.Now()) {
		c.removeLocked(entry)
		c.mu.Unlock()
		c.misses.Add(1)
		metrics.CacheOperations.WithLabelValues("memory", "expired").Inc()
		return nil
	}

	c.lru.MoveToFront(entry.elem)
	entry.hitCount++
	response := entry.response
	c.mu.Unlock()

	c.hits.Add(1)
	metrics.CacheOperations.WithLabelValues("memory", "hit").Inc()
	return response
}

// Set stores a response for req. A ttl of zero uses the default. The Redis
// tier is written first; memory only serves as the fallback tier, matching
// the read path.
func (c *Cache) Set(ctx context.Context, req *types.ChatRequest, response []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	key := Key(req)

	if c.redis != nil {
		val, _ := json.Marshal(redisValue{
			Response:  response,
			Model:     req.Model,
			CreatedAt: time.Now().Unix(),
		})
		if err := c.redis.SetEx(ctx, key, val, ttl).Err(); err != nil {
			c.logger.Warn("response cache: redis set failed", "error", err)
		} else {
			c.sets.Add(1)
			metrics.CacheOperations.WithLabelValues("redis", "set").Inc()
			return
		}
	}

	c.mu.Lock()
	if existing, ok := c.entries[key]; ok {
		existing.response = response
		existing.createdAt = time.Now()
		existing.ttl = ttl
		c.lru.MoveToFront(existing.elem)
		c.mu.Unlock()
		c.sets.Add(1)
		metrics.CacheOperations.WithLabelValues("memory", "set").Inc()
		return
	}

	if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}

	entry := &cachedEntry{
		key:       key,
		response:  response,
		model:     req.Model,
		createdAt: time.Now(),
		ttl:       ttl,
	}
	entry.elem = c.lru.PushFront(entry)
	c.entries[key] = entry
	metrics.CacheEntries.Set(float64(len(c.entries)))
	c.mu.Unlock()

	c.sets.Add(1)
	metrics.CacheOperations.WithLabelValues("memory", "set").Inc()
}

func (c *Cache) evictOldestLocked() {
	back := c.lru.Back()
	if back == nil {
		return
	}
	entry := back.Value.(*cachedEntry)
	c.removeLocked(entry)
	c.evictions.Add(1)
	metrics.CacheOperations.WithLabelValues("memory", "eviction").Inc()
}

func (c *Cache) removeLocked(entry *cachedEntry) {
	delete(c.entries, entry.key)
	c.lru.Remove(entry.elem)
	metrics.CacheEntries.Set(float64(len(c.entries)))
}

// CleanupExpired sweeps expired entries from the in-process store. Callers
// schedule it; the cache does not run its own timer.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, entry := range c.entries {
		if entry.expired(now) {
			c.removeLocked(entry)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Info("response cache: cleaned up expired entries", "removed", removed)
	}
	return removed
}

// Clear removes every cached response from both tiers. Only keys under this
// cache's prefix are touched in Redis.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.entries = make(map[string]*cachedEntry)
	c.lru.Init()
	metrics.CacheEntries.Set(0)
	c.mu.Unlock()

	if c.redis == nil {
		return
	}

	var cursor uint64
	for {
		keys, next, err := c.redis.Scan(ctx, cursor, KeyPrefix+"*", 100).Result()
		if err != nil {
			c.logger.Warn("response cache: redis clear failed", "error", err)
			return
		}
		if len(keys) > 0 {
			if err := c.redis.Del(ctx, keys...).Err(); err != nil {
				c.logger.Warn("response cache: redis delete failed", "error", err)
				return
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
}

// Len returns the number of in-process entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	Sets           int64   `json:"sets"`
	Evictions      int64   `json:"evictions"`
	HitRatePercent float64 `json:"hit_rate_percent"`
	MemoryEntries  int     `json:"memory_entries"`
	RedisConnected bool    `json:"redis_connected"`
}

// Stats returns current cache statistics.
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return Stats{
		Hits:           hits,
		Misses:         misses,
		Sets:           c.sets.Load(),
		Evictions:      c.evictions.Load(),
		HitRatePercent: hitRate,
		MemoryEntries:  c.Len(),
		RedisConnected: c.redis != nil,
	}
}

// Close releases the Redis connection if one is configured.
func (c *Cache) Close() error {
	if c.redis != nil {
		return c.redis.Close()
	}
	return nil
}
