package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/helmsman-ai/orchestrator/internal/metrics"
	"github.com/helmsman-ai/orchestrator/internal/storage"
)

const cacheKeyPrefix = "respcache:"

// CacheEntry is one memoized model response.
type CacheEntry struct {
	CacheKey     string    `json:"cache_key"`
	ModelID      string    `json:"model_id"`
	RequestHash  string    `json:"request_hash"`
	Response     string    `json:"response"`
	CachedAt     time.Time `json:"cached_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	HitCount     int       `json:"hit_count"`
	LastAccessed time.Time `json:"last_accessed"`
}

// ResponseCache memoizes model responses in redis with a durable shadow row
// in the embedded store's cached_responses table.
type ResponseCache struct {
	client *redis.Client
	db     *storage.DB
	ttl    time.Duration
	logger *zap.Logger
	clock  func() time.Time
}

// NewResponseCache builds a cache. db may be nil to disable the durable
// shadow rows (tests).
func NewResponseCache(client *redis.Client, db *storage.DB, ttl time.Duration, logger *zap.Logger) *ResponseCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ResponseCache{
		client: client,
		db:     db,
		ttl:    ttl,
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// Key derives the cache key from the model id and the normalized request
// text.
func Key(modelID, request string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(request)), " ")
	sum := sha256.Sum256([]byte(modelID + "\x00" + norm))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached entry for key, bumping hit count and last-accessed.
// Expired entries are skipped and deleted.
func (c *ResponseCache) Get(ctx context.Context, key string) (*CacheEntry, bool) {
	if c.client == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, cacheKeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("Response cache read failed", zap.Error(err))
		}
		metrics.ResponseCacheRequests.WithLabelValues("miss").Inc()
		return nil, false
	}

	var entry CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.client.Del(ctx, cacheKeyPrefix+key)
		metrics.ResponseCacheRequests.WithLabelValues("miss").Inc()
		return nil, false
	}

	now := c.clock()
	if now.After(entry.ExpiresAt) {
		c.client.Del(ctx, cacheKeyPrefix+key)
		c.deleteShadow(ctx, key)
		metrics.ResponseCacheRequests.WithLabelValues("expired").Inc()
		return nil, false
	}

	entry.HitCount++
	entry.LastAccessed = now
	if updated, err := json.Marshal(&entry); err == nil {
		c.client.Set(ctx, cacheKeyPrefix+key, updated, entry.ExpiresAt.Sub(now))
	}
	c.touchShadow(ctx, &entry)

	metrics.ResponseCacheRequests.WithLabelValues("hit").Inc()
	return &entry, true
}

// Put stores a response under key.
func (c *ResponseCache) Put(ctx context.Context, key, modelID, requestHash, response string) {
	if c.client == nil {
		return
	}
	now := c.clock()
	entry := CacheEntry{
		CacheKey:     key,
		ModelID:      modelID,
		RequestHash:  requestHash,
		Response:     response,
		CachedAt:     now,
		ExpiresAt:    now.Add(c.ttl),
		LastAccessed: now,
	}
	raw, err := json.Marshal(&entry)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKeyPrefix+key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("Response cache write failed", zap.Error(err))
		return
	}
	c.writeShadow(ctx, &entry)
}

func (c *ResponseCache) writeShadow(ctx context.Context, e *CacheEntry) {
	if c.db == nil {
		return
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cached_responses
		(cache_key, model_id, request_hash, response, cached_at, expires_at, hit_count, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CacheKey, e.ModelID, e.RequestHash, e.Response, e.CachedAt, e.ExpiresAt, e.HitCount, e.LastAccessed)
	if err != nil {
		c.logger.Warn("Cached response shadow write failed", zap.Error(err))
	}
}

func (c *ResponseCache) touchShadow(ctx context.Context, e *CacheEntry) {
	if c.db == nil {
		return
	}
	_, err := c.db.ExecContext(ctx,
		`UPDATE cached_responses SET hit_count = ?, last_accessed = ? WHERE cache_key = ?`,
		e.HitCount, e.LastAccessed, e.CacheKey)
	if err != nil {
		c.logger.Warn("Cached response shadow touch failed", zap.Error(err))
	}
}

func (c *ResponseCache) deleteShadow(ctx context.Context, key string) {
	if c.db == nil {
		return
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cached_responses WHERE cache_key = ?`, key); err != nil {
		c.logger.Warn("Cached response shadow delete failed", zap.Error(err))
	}
}
