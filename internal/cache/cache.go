// Package cache provides the verdict cache for the validation engine: a
// fixed-capacity in-memory LRU with TTL, optionally backed by Redis as a
// second tier shared across processes.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.sentinel/internal/validation"
)

// Config tunes the verdict cache.
type Config struct {
	// Capacity is the maximum number of L1 entries before LRU eviction.
	Capacity int
	// TTL is how long a cached verdict stays valid.
	TTL time.Duration
	// Redis enables the shared second tier when Addr is set.
	Redis RedisConfig
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Capacity: 10000,
		TTL:      5 * time.Minute,
	}
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Evictions  uint64 `json:"evictions"`
	Collisions uint64 `json:"collisions"`
	Size       int    `json:"size"`
}

type entry struct {
	key       string
	text      string
	verdict   validation.Verdict
	expiresAt time.Time
}

// l2Entry is the JSON shape stored in Redis. The normalized text rides along
// so hash collisions are detected the same way as in L1.
type l2Entry struct {
	Text    string             `json:"text"`
	Verdict validation.Verdict `json:"verdict"`
}

// Cache is the thread-safe verdict cache.
type Cache struct {
	mu     sync.Mutex
	config Config
	ll     *list.List
	items  map[string]*list.Element
	l2     *RedisClient
	logger *logrus.Logger

	hits       uint64
	misses     uint64
	evictions  uint64
	collisions uint64

	keyFn func(profileName string, kind validation.Kind, normalized string) string
	now   func() time.Time
}

// New creates a verdict cache. When Redis is configured but unreachable the
// cache degrades to L1 only.
func New(config Config, logger *logrus.Logger) *Cache {
	if logger == nil {
		logger = logrus.New()
	}
	if config.Capacity <= 0 {
		config.Capacity = DefaultConfig().Capacity
	}
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}

	c := &Cache{
		config: config,
		ll:     list.New(),
		items:  make(map[string]*list.Element),
		logger: logger,
		keyFn:  Key,
		now:    time.Now,
	}

	if config.Redis.Addr != "" {
		l2 := NewRedisClient(config.Redis)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l2.Ping(ctx); err != nil {
			logger.WithError(err).Warn("Redis unreachable, verdict cache runs L1 only")
		} else {
			c.l2 = l2
		}
	}
	return c
}

// Normalize collapses whitespace runs to single spaces and trims trailing
// whitespace. Case is preserved: some detection rules are case-sensitive.
func Normalize(text string) string {
	return strings.TrimRight(strings.Join(strings.Fields(text), " "), " \t\r\n")
}

// Key derives the cache key from profile, kind, and normalized text.
func Key(profileName string, kind validation.Kind, normalized string) string {
	h := sha256.New()
	h.Write([]byte(profileName))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(normalized))
	return "verdict:" + hex.EncodeToString(h.Sum(nil)[:16])
}

// Get looks up a verdict. A hash collision (same key, different stored text)
// counts as a miss. Hits come back with method set to cache.
func (c *Cache) Get(ctx context.Context, profileName string, kind validation.Kind, text string) (validation.Verdict, bool) {
	normalized := Normalize(text)
	key := c.keyFn(profileName, kind, normalized)

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry)
		switch {
		case c.now().After(ent.expiresAt):
			c.removeElement(el)
		case ent.text != normalized:
			c.collisions++
		default:
			c.ll.MoveToFront(el)
			c.hits++
			verdict := ent.verdict
			c.mu.Unlock()
			verdict.Method = validation.MethodCache
			return verdict, true
		}
	}
	c.misses++
	c.mu.Unlock()

	if c.l2 == nil {
		return validation.Verdict{}, false
	}
	var stored l2Entry
	if err := c.l2.Get(ctx, key, &stored); err != nil || stored.Text != normalized {
		return validation.Verdict{}, false
	}

	c.mu.Lock()
	c.hits++
	c.misses-- // the L1 miss became an L2 hit
	c.insert(key, normalized, stored.Verdict)
	c.mu.Unlock()

	verdict := stored.Verdict
	verdict.Method = validation.MethodCache
	return verdict, true
}

// Set stores a verdict under the derived key in both tiers.
func (c *Cache) Set(ctx context.Context, profileName string, kind validation.Kind, text string, verdict validation.Verdict) {
	normalized := Normalize(text)
	key := c.keyFn(profileName, kind, normalized)

	c.mu.Lock()
	c.insert(key, normalized, verdict)
	c.mu.Unlock()

	if c.l2 != nil {
		if err := c.l2.Set(ctx, key, l2Entry{Text: normalized, Verdict: verdict}, c.config.TTL); err != nil {
			c.logger.WithError(err).Debug("L2 verdict write failed")
		}
	}
}

// insert adds or replaces an entry; caller holds the lock.
func (c *Cache) insert(key, text string, verdict validation.Verdict) {
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry)
		ent.text = text
		ent.verdict = verdict
		ent.expiresAt = c.now().Add(c.config.TTL)
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&entry{
		key:       key,
		text:      text,
		verdict:   verdict,
		expiresAt: c.now().Add(c.config.TTL),
	})
	c.items[key] = el

	for c.ll.Len() > c.config.Capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
		c.evictions++
	}
}

func (c *Cache) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*entry).key)
}

// Len returns the number of live L1 entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Stats returns a counter snapshot.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
		Collisions: c.collisions,
		Size:       c.ll.Len(),
	}
}

// Close releases the L2 connection if one is open.
func (c *Cache) Close() error {
	if c.l2 != nil {
		return c.l2.Close()
	}
	return nil
}
