package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/helmsman-ai/orchestrator/internal/metrics"
)

// baseScore is the context-independent part of one template evaluation.
// Context boosts and confidence adjustments are recomputed per request.
type baseScore struct {
	TemplateID  string
	IntentScore float64
	EntityScore float64
}

// evalCache memoizes base evaluation scores keyed by a fingerprint of the
// request and the registry contents. Entries expire by TTL and the cache is
// bounded with LRU eviction; any template mutation purges it wholesale.
type evalCache struct {
	ttl time.Duration
	cap int

	mu      sync.Mutex
	entries map[string]*evalEntry
}

type evalEntry struct {
	scores     []baseScore
	expiresAt  time.Time
	lastAccess time.Time
}

func newEvalCache(ttl time.Duration, capacity int) *evalCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if capacity <= 0 {
		capacity = 512
	}
	return &evalCache{
		ttl:     ttl,
		cap:     capacity,
		entries: make(map[string]*evalEntry),
	}
}

// fingerprint derives the cache key from intent, registry content hash,
// complexity, and the sorted entity slots.
func fingerprint(req *ParsedRequest, contentHash string) string {
	slots := make([]string, 0, len(req.Entities))
	for k, vs := range req.Entities {
		sorted := append([]string{}, vs...)
		sort.Strings(sorted)
		slots = append(slots, k+"="+strings.Join(sorted, ","))
	}
	sort.Strings(slots)

	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s", req.Intent, contentHash, req.Complexity, strings.Join(slots, ";"))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *evalCache) get(key string, now time.Time) ([]baseScore, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		metrics.EvalCacheRequests.WithLabelValues("miss").Inc()
		return nil, false
	}
	if now.After(entry.expiresAt) {
		delete(c.entries, key)
		metrics.EvalCacheRequests.WithLabelValues("expired").Inc()
		return nil, false
	}
	entry.lastAccess = now
	metrics.EvalCacheRequests.WithLabelValues("hit").Inc()
	return entry.scores, true
}

func (c *evalCache) put(key string, scores []baseScore, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &evalEntry{
		scores:     scores,
		expiresAt:  now.Add(c.ttl),
		lastAccess: now,
	}
	for len(c.entries) > c.cap {
		oldestKey := ""
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.lastAccess.Before(oldest) {
				oldestKey, oldest = k, e.lastAccess
			}
		}
		delete(c.entries, oldestKey)
	}
}

// purge empties the cache. Called on any template mutation.
func (c *evalCache) purge() {
	c.mu.Lock()
	c.entries = make(map[string]*evalEntry)
	c.mu.Unlock()
}

func (c *evalCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
