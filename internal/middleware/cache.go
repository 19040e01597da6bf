package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/conductor/internal/agent"
	"github.com/ShayCichocki/conductor/pkg/models"
)

const cacheKeyValue = "cache.key"

type cacheEntry struct {
	result   models.AgentResult
	storedAt time.Time
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// Cache serves repeated agent calls from memory. Calls are keyed by a
// sha256 of the resolved model and the effective instructions, prompt,
// and tools, so middleware that rewrites the prompt earlier in the chain
// changes the key. Results served from cache have Cached set.
type Cache struct {
	ttl      time.Duration
	priority int
	now      func() time.Time
	entries  map[string]cacheEntry
	hits     int64
	misses   int64
	mu       sync.Mutex
}

// NewCache creates a cache. A zero ttl keeps entries forever.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:      ttl,
		priority: 80,
		now:      time.Now,
		entries:  make(map[string]cacheEntry),
	}
}

// Name implements Middleware.
func (c *Cache) Name() string { return "cache" }

// Priority implements Middleware.
func (c *Cache) Priority() int { return c.priority }

// Key returns the cache key for a call.
func (c *Cache) Key(call *AgentCall) string {
	h := sha256.New()
	for _, part := range []string{
		agent.SelectModel(call.Spec),
		call.Instructions,
		call.Prompt,
		strings.Join(call.Tools, ","),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BeforeAgent aborts with the cached result on a hit.
func (c *Cache) BeforeAgent(ctx context.Context, call *AgentCall) (Verdict, error) {
	key := c.Key(call)

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		if c.ttl <= 0 || c.now().Sub(e.storedAt) < c.ttl {
			c.hits++
			res := e.result
			res.Cached = true
			res.ToolCalls = append([]models.ToolCall(nil), e.result.ToolCalls...)
			return Verdict{Abort: true, Result: &res, Reason: "cache hit"}, nil
		}
		delete(c.entries, key)
	}
	c.misses++
	call.Values[cacheKeyValue] = key
	return Verdict{}, nil
}

// AfterAgent stores fresh results under the key computed before the call.
func (c *Cache) AfterAgent(ctx context.Context, call *AgentCall, result *models.AgentResult) (*models.AgentResult, error) {
	key, ok := call.Values[cacheKeyValue]
	if !ok || result == nil || result.Cached {
		return result, nil
	}

	stored := *result
	stored.ToolCalls = append([]models.ToolCall(nil), result.ToolCalls...)

	c.mu.Lock()
	c.entries[key] = cacheEntry{result: stored, storedAt: c.now()}
	c.mu.Unlock()
	return result, nil
}

// Stats returns hit and miss counts.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Entries: len(c.entries)}
}

// Purge removes every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
