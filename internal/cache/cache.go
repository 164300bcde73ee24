package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// TTL is the fixed lifetime of a cached response.
const TTL = 300 * time.Second

// DefaultMaxEntries caps the in-memory cache when no size is configured.
const DefaultMaxEntries = 1000

// Cache memoizes final answers keyed by normalized query text.
// Get returns the response if present and younger than the TTL it was stored with.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, response string, ttl time.Duration) error
}

// NormalizeKey derives the cache key for a raw query: trimmed and lower-cased.
func NormalizeKey(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// hashKey maps a normalized key onto a fixed-size token safe for remote stores,
// which reject spaces and long keys.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Entry is a cached response and its creation time.
type Entry struct {
	Response  string        `json:"response"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
}

func (e Entry) fresh(now time.Time) bool {
	return now.Sub(e.CreatedAt) < e.TTL
}

// InMemoryCache keeps responses in process memory, bounded by an entry count.
// Stale entries are evicted lazily on Get; when full, the least recently used
// entry is evicted. Safe for concurrent use.
type InMemoryCache struct {
	entries *lru.Cache[string, Entry]
	now     func() time.Time
}

// NewInMemoryCache creates an in-memory cache holding at most maxEntries responses.
// maxEntries <= 0 selects DefaultMaxEntries.
func NewInMemoryCache(maxEntries int) (*InMemoryCache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	entries, err := lru.New[string, Entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &InMemoryCache{entries: entries, now: time.Now}, nil
}

// Get returns the response for key if present and not expired.
// Expired entries are removed from the cache.
func (c *InMemoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	entry, ok := c.entries.Get(key)
	if !ok {
		return "", false, nil
	}
	if !entry.fresh(c.now()) {
		c.entries.Remove(key)
		return "", false, nil
	}
	return entry.Response, true, nil
}

// Set stores response under key. The entry becomes stale once ttl has elapsed.
func (c *InMemoryCache) Set(ctx context.Context, key string, response string, ttl time.Duration) error {
	c.entries.Add(key, Entry{Response: response, CreatedAt: c.now(), TTL: ttl})
	return nil
}

// Len returns the number of entries held, stale ones included.
func (c *InMemoryCache) Len() int {
	return c.entries.Len()
}
