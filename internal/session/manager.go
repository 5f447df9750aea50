// Package session manages conversation contexts: redis-persisted, with a
// bounded local cache evicted by LRU and last-interaction age.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/helmsman-ai/orchestrator/internal/config"
	"github.com/helmsman-ai/orchestrator/internal/metrics"
)

const contextKeyPrefix = "convctx:"

// Manager owns the conversation-context cache.
type Manager struct {
	client      *redis.Client
	logger      *zap.Logger
	maxContexts int
	maxAge      time.Duration
	clock       func() time.Time

	mu         sync.RWMutex
	localCache map[string]*ConversationContext
	lastAccess map[string]time.Time
}

// NewManager builds a manager over an existing redis client. The client may
// be nil; contexts then live only in the local cache.
func NewManager(client *redis.Client, cfg config.SessionConfig, logger *zap.Logger) *Manager {
	maxContexts := cfg.MaxContexts
	if maxContexts <= 0 {
		maxContexts = 1000
	}
	maxAge := cfg.MaxAge()
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Manager{
		client:      client,
		logger:      logger,
		maxContexts: maxContexts,
		maxAge:      maxAge,
		clock:       func() time.Time { return time.Now().UTC() },
		localCache:  make(map[string]*ConversationContext),
		lastAccess:  make(map[string]time.Time),
	}
}

// GetOrCreate returns the context for a conversation, creating it on first
// interaction.
func (m *Manager) GetOrCreate(ctx context.Context, conversationID, userID string) (*ConversationContext, error) {
	if cc, err := m.Get(ctx, conversationID); err == nil {
		return cc, nil
	}

	now := m.clock()
	cc := &ConversationContext{
		ConversationID:  conversationID,
		UserID:          userID,
		SessionStart:    now,
		LastInteraction: now,
		Context:         make(map[string]any),
	}
	if err := m.save(ctx, cc); err != nil {
		return nil, err
	}
	m.cacheLocal(cc)
	m.logger.Debug("Conversation context created",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID))
	return cc, nil
}

// Get returns the context for a conversation from the local cache or redis.
func (m *Manager) Get(ctx context.Context, conversationID string) (*ConversationContext, error) {
	now := m.clock()

	m.mu.RLock()
	cc, ok := m.localCache[conversationID]
	m.mu.RUnlock()
	if ok {
		if now.Sub(cc.LastInteraction) > m.maxAge {
			m.evict(conversationID, "age")
			return nil, ErrContextNotFound
		}
		m.mu.Lock()
		m.lastAccess[conversationID] = now
		m.mu.Unlock()
		return cc, nil
	}

	if m.client == nil {
		return nil, ErrContextNotFound
	}
	raw, err := m.client.Get(ctx, contextKeyPrefix+conversationID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrContextNotFound
		}
		return nil, fmt.Errorf("load context %s: %w", conversationID, err)
	}
	cc = &ConversationContext{}
	if err := json.Unmarshal(raw, cc); err != nil {
		return nil, fmt.Errorf("decode context %s: %w", conversationID, err)
	}
	if now.Sub(cc.LastInteraction) > m.maxAge {
		m.client.Del(ctx, contextKeyPrefix+conversationID)
		return nil, ErrContextNotFound
	}
	m.cacheLocal(cc)
	return cc, nil
}

// RecordInteraction bumps the interaction count and merges updates into the
// free-form context block.
func (m *Manager) RecordInteraction(ctx context.Context, conversationID string, updates map[string]any) (*ConversationContext, error) {
	cc, err := m.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	cc.Interactions++
	cc.LastInteraction = m.clock()
	if cc.Context == nil {
		cc.Context = make(map[string]any)
	}
	for k, v := range updates {
		cc.Context[k] = v
	}
	m.mu.Unlock()

	return cc, m.save(ctx, cc)
}

// SetPreferences replaces the user preferences on a context.
func (m *Manager) SetPreferences(ctx context.Context, conversationID string, prefs Preferences) error {
	cc, err := m.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	cc.Preferences = prefs
	m.mu.Unlock()
	return m.save(ctx, cc)
}

// MarkTemplateUsed prepends templateID to the conversation's recent-template
// history, bounded to the retained limit.
func (m *Manager) MarkTemplateUsed(ctx context.Context, conversationID, templateID string) error {
	cc, err := m.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	recent := []string{templateID}
	for _, id := range cc.RecentTemplates {
		if id != templateID && len(recent) < recentTemplateLimit {
			recent = append(recent, id)
		}
	}
	cc.RecentTemplates = recent
	m.mu.Unlock()
	return m.save(ctx, cc)
}

// Count returns the local cache size.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.localCache)
}

// EvictExpired drops every locally cached context past the max-age cutoff.
// Returns the number evicted.
func (m *Manager) EvictExpired() int {
	cutoff := m.clock().Add(-m.maxAge)

	m.mu.Lock()
	var expired []string
	for id, cc := range m.localCache {
		if cc.LastInteraction.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.evict(id, "age")
	}
	return len(expired)
}

func (m *Manager) save(ctx context.Context, cc *ConversationContext) error {
	if m.client == nil {
		return nil
	}
	raw, err := json.Marshal(cc)
	if err != nil {
		return fmt.Errorf("encode context %s: %w", cc.ConversationID, err)
	}
	if err := m.client.Set(ctx, contextKeyPrefix+cc.ConversationID, raw, m.maxAge).Err(); err != nil {
		return fmt.Errorf("persist context %s: %w", cc.ConversationID, err)
	}
	return nil
}

// cacheLocal inserts into the local cache, evicting the least recently
// accessed contexts past the size cap.
func (m *Manager) cacheLocal(cc *ConversationContext) {
	m.mu.Lock()
	m.localCache[cc.ConversationID] = cc
	m.lastAccess[cc.ConversationID] = m.clock()

	for len(m.localCache) > m.maxContexts {
		oldestID := ""
		var oldest time.Time
		for id := range m.localCache {
			at := m.lastAccess[id]
			if oldestID == "" || at.Before(oldest) {
				oldestID, oldest = id, at
			}
		}
		delete(m.localCache, oldestID)
		delete(m.lastAccess, oldestID)
		metrics.ContextsEvicted.WithLabelValues("lru").Inc()
	}
	metrics.ContextsActive.Set(float64(len(m.localCache)))
	m.mu.Unlock()
}

func (m *Manager) evict(conversationID, reason string) {
	m.mu.Lock()
	_, present := m.localCache[conversationID]
	delete(m.localCache, conversationID)
	delete(m.lastAccess, conversationID)
	if present {
		metrics.ContextsEvicted.WithLabelValues(reason).Inc()
		metrics.ContextsActive.Set(float64(len(m.localCache)))
	}
	m.mu.Unlock()

	if m.client != nil && reason == "age" {
		m.client.Del(context.Background(), contextKeyPrefix+conversationID)
	}
}
