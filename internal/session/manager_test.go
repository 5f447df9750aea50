package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/helmsman-ai/orchestrator/internal/config"
)

func newTestManager(t *testing.T, cfg config.SessionConfig) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewManager(client, cfg, zap.NewNop())
}

func TestGetOrCreateRoundTrip(t *testing.T) {
	m := newTestManager(t, config.SessionConfig{MaxContexts: 10, MaxAgeMinutes: 60})
	ctx := context.Background()

	cc, err := m.GetOrCreate(ctx, "conv-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", cc.ConversationID)
	assert.Equal(t, "user-1", cc.UserID)
	assert.Equal(t, 0, cc.Interactions)

	again, err := m.GetOrCreate(ctx, "conv-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, cc.SessionStart, again.SessionStart)
	assert.Equal(t, 1, m.Count())
}

func TestGetMissingContext(t *testing.T) {
	m := newTestManager(t, config.SessionConfig{MaxContexts: 10, MaxAgeMinutes: 60})
	_, err := m.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrContextNotFound)
}

func TestRecordInteractionMergesContext(t *testing.T) {
	m := newTestManager(t, config.SessionConfig{MaxContexts: 10, MaxAgeMinutes: 60})
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, "conv-1", "user-1")
	require.NoError(t, err)

	cc, err := m.RecordInteraction(ctx, "conv-1", map[string]any{"language": "go"})
	require.NoError(t, err)
	assert.Equal(t, 1, cc.Interactions)
	assert.Equal(t, "go", cc.Context["language"])

	cc, err = m.RecordInteraction(ctx, "conv-1", map[string]any{"framework": "gin"})
	require.NoError(t, err)
	assert.Equal(t, 2, cc.Interactions)
	assert.Equal(t, "go", cc.Context["language"])
	assert.Equal(t, "gin", cc.Context["framework"])
}

func TestLocalCacheSurvivesRedisMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	m := NewManager(client, config.SessionConfig{MaxContexts: 10, MaxAgeMinutes: 60}, zap.NewNop())
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, "conv-1", "user-1")
	require.NoError(t, err)

	// Fresh manager over the same redis reads the persisted copy.
	m2 := NewManager(client, config.SessionConfig{MaxContexts: 10, MaxAgeMinutes: 60}, zap.NewNop())
	cc, err := m2.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", cc.UserID)
}

func TestLRUEvictionAtCapacity(t *testing.T) {
	m := newTestManager(t, config.SessionConfig{MaxContexts: 3, MaxAgeMinutes: 60})
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		tick := base.Add(time.Duration(i) * time.Second)
		m.clock = func() time.Time { return tick }
		_, err := m.GetOrCreate(ctx, fmt.Sprintf("conv-%d", i), "user-1")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, m.Count())

	// The two oldest were dropped from the local cache but persist in redis.
	m.mu.RLock()
	_, oldest := m.localCache["conv-0"]
	_, newest := m.localCache["conv-4"]
	m.mu.RUnlock()
	assert.False(t, oldest)
	assert.True(t, newest)

	cc, err := m.Get(ctx, "conv-0")
	require.NoError(t, err)
	assert.Equal(t, "conv-0", cc.ConversationID)
}

func TestMaxAgeEviction(t *testing.T) {
	m := newTestManager(t, config.SessionConfig{MaxContexts: 10, MaxAgeMinutes: 30})
	ctx := context.Background()

	now := time.Now().UTC()
	m.clock = func() time.Time { return now }
	_, err := m.GetOrCreate(ctx, "conv-old", "user-1")
	require.NoError(t, err)

	m.clock = func() time.Time { return now.Add(31 * time.Minute) }
	_, err = m.Get(ctx, "conv-old")
	require.ErrorIs(t, err, ErrContextNotFound)
	assert.Equal(t, 0, m.Count())
}

func TestEvictExpiredSweep(t *testing.T) {
	m := newTestManager(t, config.SessionConfig{MaxContexts: 10, MaxAgeMinutes: 30})
	ctx := context.Background()

	now := time.Now().UTC()
	m.clock = func() time.Time { return now }
	_, err := m.GetOrCreate(ctx, "conv-a", "user-1")
	require.NoError(t, err)
	_, err = m.GetOrCreate(ctx, "conv-b", "user-2")
	require.NoError(t, err)

	m.clock = func() time.Time { return now.Add(45 * time.Minute) }
	assert.Equal(t, 2, m.EvictExpired())
	assert.Equal(t, 0, m.Count())
}

func TestPreferencesAndTemplateHistory(t *testing.T) {
	m := newTestManager(t, config.SessionConfig{MaxContexts: 10, MaxAgeMinutes: 60})
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, "conv-1", "user-1")
	require.NoError(t, err)

	require.NoError(t, m.SetPreferences(ctx, "conv-1", Preferences{
		ExperienceLevel:   "expert",
		PreferredPatterns: []string{"parallel"},
	}))
	require.NoError(t, m.MarkTemplateUsed(ctx, "conv-1", "project_creation"))
	require.NoError(t, m.MarkTemplateUsed(ctx, "conv-1", "code_review"))
	require.NoError(t, m.MarkTemplateUsed(ctx, "conv-1", "project_creation"))

	cc, err := m.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.True(t, cc.PrefersPattern("parallel"))
	assert.False(t, cc.PrefersPattern("sequential"))
	assert.True(t, cc.UsedTemplateRecently("project_creation"))
	// Re-marking moves the template to the front without duplicating it.
	assert.Equal(t, []string{"project_creation", "code_review"}, cc.RecentTemplates)
}
