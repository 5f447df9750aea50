package router

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/helmsman-ai/orchestrator/internal/audit"
	"github.com/helmsman-ai/orchestrator/internal/circuitbreaker"
	"github.com/helmsman-ai/orchestrator/internal/errs"
	"github.com/helmsman-ai/orchestrator/internal/metering"
	"github.com/helmsman-ai/orchestrator/internal/modelregistry"
	"github.com/helmsman-ai/orchestrator/internal/ratelimit"
	"github.com/helmsman-ai/orchestrator/internal/storage"
)

const routerCatalog = `
models:
  - id: atlas-large
    provider: atlas
    tier: strategic
    capabilities: [reasoning, code]
    input_price_per_1k: 0.003
    output_price_per_1k: 0.015
    rate_limits: {requests_per_minute: 100, tokens_per_minute: 100000}
    context_window: 200000
    avg_response_time_ms: 2000
    enabled: true
  - id: atlas-small
    provider: atlas
    tier: operational
    capabilities: [code]
    input_price_per_1k: 0.0002
    output_price_per_1k: 0.0008
    rate_limits: {requests_per_minute: 500, tokens_per_minute: 400000}
    context_window: 128000
    avg_response_time_ms: 500
    enabled: true
  - id: haven-disabled
    provider: haven
    tier: operational
    capabilities: [code]
    enabled: false
`

// scriptedBackend returns queued responses or errors per model id.
type scriptedBackend struct {
	responses map[string][]any // *Response or error
	calls     []string
}

func (b *scriptedBackend) Invoke(_ context.Context, m modelregistry.Metadata, _ Request) (*Response, error) {
	b.calls = append(b.calls, m.ID)
	queue := b.responses[m.ID]
	if len(queue) == 0 {
		return nil, fmt.Errorf("no scripted response for %s", m.ID)
	}
	next := queue[0]
	b.responses[m.ID] = queue[1:]
	if err, ok := next.(error); ok {
		return nil, err
	}
	return next.(*Response), nil
}

type routerFixture struct {
	router  *Router
	backend *scriptedBackend
	limiter *ratelimit.Limiter
	meter   *metering.Meter
	store   *audit.Store
	db      *storage.DB
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "router.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg, err := modelregistry.Parse([]byte(routerCatalog), zap.NewNop())
	require.NoError(t, err)

	f := &routerFixture{
		backend: &scriptedBackend{responses: make(map[string][]any)},
		db:      db,
		store:   audit.NewStore(db, zap.NewNop()),
		meter:   metering.NewMeter(db, reg, zap.NewNop()),
	}
	f.limiter = ratelimit.NewLimiter(reg, db, f.store, 90.0, zap.NewNop())
	f.router = New(reg, f.limiter, f.meter, circuitbreaker.NewGroup(circuitbreaker.DefaultConfig(), zap.NewNop()),
		nil, db, f.store, f.backend, Options{QualityThreshold: 0.7, EvaluationWindow: 10}, zap.NewNop())
	return f
}

func goodResponse(content string) *Response {
	return &Response{Content: content, InputTokens: 200, OutputTokens: 100}
}

func TestRouteFiltersDisabledModels(t *testing.T) {
	f := newRouterFixture(t)
	cands, err := f.router.Route(context.Background(), Call{Capabilities: []string{"code"}})
	require.NoError(t, err)
	for _, c := range cands {
		assert.NotEqual(t, "haven-disabled", c.Model.ID)
	}
	require.Len(t, cands, 2)
}

func TestRouteFiltersByCapability(t *testing.T) {
	f := newRouterFixture(t)
	cands, err := f.router.Route(context.Background(), Call{Capabilities: []string{"reasoning"}})
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "atlas-large", cands[0].Model.ID)
}

func TestRouteFiltersRateLimitedModels(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	f.limiter.Record(ctx, "atlas-small", 10, true, 0)

	cands, err := f.router.Route(ctx, Call{Capabilities: []string{"code"}})
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "atlas-large", cands[0].Model.ID)
}

func TestRouteNoAvailableModelCarriesReset(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	f.limiter.Record(ctx, "atlas-small", 10, true, 0)
	f.limiter.Record(ctx, "atlas-large", 10, true, 0)

	_, err := f.router.Route(ctx, Call{Capabilities: []string{"code"}})
	require.Error(t, err)
	assert.Equal(t, errs.KindCapacity, errs.KindOf(err))
}

func TestExecuteRecordsCostAndPerformance(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	f.backend.responses["atlas-small"] = []any{goodResponse(
		"The worker pool serializes task io per process. Each send acquires the process lock, writes a task line, and reads the matching result line before release.")}

	res, err := f.router.Execute(ctx, Call{
		Role:         "implementation",
		Capabilities: []string{"code"},
		Request:      Request{Prompt: "worker pool task serialization", TaskID: "task-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "atlas-small", res.ModelID)
	assert.InDelta(t, 200.0/1000*0.0002+100.0/1000*0.0008, res.CostUSD, 1e-12)

	sum, err := f.meter.Summary(ctx, time.Now().UTC().Add(-time.Minute), time.Now().UTC().Add(time.Minute), metering.SummaryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TotalRequests)
	assert.InDelta(t, res.CostUSD, sum.TotalCostUSD, 1e-12)

	rep, err := f.meter.Performance(ctx, "atlas-small", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Requests)
	assert.Equal(t, 1, rep.Successes)
}

func TestExecuteFailsOverToNextCandidate(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	// atlas-small ranks first (cheaper, faster) but errors; atlas-large succeeds.
	f.backend.responses["atlas-small"] = []any{fmt.Errorf("connection reset")}
	f.backend.responses["atlas-large"] = []any{goodResponse(
		"Fallback output for the failing primary candidate, produced by the strategic tier model instead.")}

	res, err := f.router.Execute(ctx, Call{
		Capabilities: []string{"code"},
		Request:      Request{Prompt: "fallback candidate output", TaskID: "task-2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "atlas-large", res.ModelID)
	assert.Equal(t, []string{"atlas-small", "atlas-large"}, f.backend.calls)

	var count int
	require.NoError(t, f.db.Get(&count, `SELECT COUNT(*) FROM failover_events`))
	assert.GreaterOrEqual(t, count, 1)
}

func TestExecuteAllCandidatesFail(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	f.backend.responses["atlas-small"] = []any{fmt.Errorf("boom")}
	f.backend.responses["atlas-large"] = []any{fmt.Errorf("boom")}

	_, err := f.router.Execute(ctx, Call{Capabilities: []string{"code"}, Request: Request{Prompt: "p"}})
	require.Error(t, err)
	assert.Equal(t, errs.KindCapacity, errs.KindOf(err))
}

func TestShouldSwitchAfterThreeLowScores(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	// Two low-quality responses: not yet switchable.
	for i := 0; i < 2; i++ {
		f.backend.responses["atlas-large"] = []any{goodResponse("No")}
		_, err := f.router.Execute(ctx, Call{
			Capabilities: []string{"reasoning"},
			Request:      Request{Prompt: "Provide a detailed explanation of the authentication system"},
		})
		require.NoError(t, err)
	}
	assert.False(t, f.router.ShouldSwitch("atlas-large"))

	f.backend.responses["atlas-large"] = []any{goodResponse("No")}
	_, err := f.router.Execute(ctx, Call{
		Capabilities: []string{"reasoning"},
		Request:      Request{Prompt: "Provide a detailed explanation of the authentication system"},
	})
	require.NoError(t, err)
	assert.True(t, f.router.ShouldSwitch("atlas-large"))
}

func TestResponseCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewResponseCache(client, nil, time.Minute, zap.NewNop())
	ctx := context.Background()

	key := Key("atlas-small", "  Explain   the CACHE key normalization ")
	assert.Equal(t, key, Key("atlas-small", "explain the cache key normalization"))

	_, ok := cache.Get(ctx, key)
	assert.False(t, ok)

	cache.Put(ctx, key, "atlas-small", key, "normalized response")
	entry, ok := cache.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "normalized response", entry.Response)
	assert.Equal(t, 1, entry.HitCount)

	entry, ok = cache.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, 2, entry.HitCount)
}

func TestResponseCacheExpiredEntrySkipped(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewResponseCache(client, nil, time.Minute, zap.NewNop())
	ctx := context.Background()

	now := time.Now().UTC()
	cache.clock = func() time.Time { return now }
	key := Key("atlas-small", "expiring request")
	cache.Put(ctx, key, "atlas-small", key, "stale")

	cache.clock = func() time.Time { return now.Add(2 * time.Minute) }
	_, ok := cache.Get(ctx, key)
	assert.False(t, ok)
}

func TestExecuteUsesCache(t *testing.T) {
	f := newRouterFixture(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	f.router.cache = NewResponseCache(client, nil, time.Minute, zap.NewNop())
	ctx := context.Background()

	f.backend.responses["atlas-small"] = []any{goodResponse(
		"Cacheable answer body long enough to avoid the short-response completeness penalty entirely.")}

	call := Call{
		Capabilities: []string{"code"},
		Request:      Request{Prompt: "cacheable answer body", TaskID: "t", Cacheable: true},
	}
	first, err := f.router.Execute(ctx, call)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := f.router.Execute(ctx, call)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Content, second.Content)
	// Backend was only invoked once.
	assert.Len(t, f.backend.calls, 1)
}
