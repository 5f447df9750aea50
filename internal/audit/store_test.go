package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/helmsman-ai/orchestrator/internal/errs"
	"github.com/helmsman-ai/orchestrator/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "audit.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db, zap.NewNop())
}

func TestRecordAssignsMonotonicIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		id, err := s.Record(ctx, Entry{
			Kind:   KindRequest,
			Action: "request.received",
			Actors: Actors{RequestID: "req-1"},
		})
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
}

func TestRecordRejectsEmptyAction(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Record(context.Background(), Entry{Kind: KindRequest})
	require.ErrorIs(t, err, ErrEmptyAction)
}

func TestQueryFiltersAndOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		_, err := s.Record(ctx, Entry{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Kind:      KindWorkflow,
			Action:    "workflow.matched",
			Actors:    Actors{UserID: "u1", WorkflowID: "wf-1"},
		})
		require.NoError(t, err)
	}
	_, err := s.Record(ctx, Entry{
		Timestamp: base,
		Kind:      KindError,
		Severity:  SeverityError,
		Action:    "dispatch.error",
		Actors:    Actors{UserID: "u2"},
	})
	require.NoError(t, err)

	got, err := s.Query(ctx, Filter{UserID: "u1", Kind: KindWorkflow, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Newest first.
	for i := 1; i < len(got); i++ {
		assert.True(t, !got[i].Timestamp.After(got[i-1].Timestamp))
	}

	got, err = s.Query(ctx, Filter{Severity: SeverityError, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "dispatch.error", got[0].Action)
}

func TestQueryTiesBrokenByPersistenceID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Now().UTC()

	var ids []int64
	for i := 0; i < 4; i++ {
		id, err := s.Record(ctx, Entry{Timestamp: ts, Kind: KindDecision, Action: "gate.decided"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	got, err := s.Query(ctx, Filter{Kind: KindDecision, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i, e := range got {
		assert.Equal(t, ids[len(ids)-1-i], e.ID)
	}
}

func TestRequestTrailOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	actions := []string{"request.received", "request.parsed", "workflow.matched"}
	for i, a := range actions {
		_, err := s.Record(ctx, Entry{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Kind:      KindRequest,
			Action:    a,
			Actors:    Actors{RequestID: "req-7"},
		})
		require.NoError(t, err)
	}

	trail, err := s.RequestTrail(ctx, "req-7")
	require.NoError(t, err)
	require.Len(t, trail, 3)
	for i, a := range actions {
		assert.Equal(t, a, trail[i].Action)
	}
}

func TestErrorSummaryAggregates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Record(ctx, Entry{
			Kind:     KindError,
			Severity: SeverityError,
			Action:   "send.error",
			Payload: Payload{Failure: &FailurePayload{
				ErrorType: "transient", Message: "pipe closed", Operation: "workerpool.send",
			}},
		})
		require.NoError(t, err)
	}
	_, err := s.Record(ctx, Entry{
		Kind: KindError, Severity: SeverityError, Action: "route.error",
		Payload: Payload{Failure: &FailurePayload{ErrorType: "capacity_exceeded", Operation: "router.route"}},
	})
	require.NoError(t, err)

	sum, err := s.ErrorSummaryWindow(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Total)
	byType := map[string]int{}
	for _, c := range sum.ByType {
		byType[c.ErrorType] += c.Count
	}
	assert.Equal(t, 3, byType["transient"])
	assert.Equal(t, 1, byType["capacity_exceeded"])
}

func TestCleanupRemovesOnlyExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Record(ctx, Entry{
		Timestamp: time.Now().UTC().Add(-48 * time.Hour),
		Kind:      KindProcessing, Action: "old.entry",
	})
	require.NoError(t, err)
	_, err = s.Record(ctx, Entry{Kind: KindProcessing, Action: "fresh.entry"})
	require.NoError(t, err)

	removed, err := s.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	// Idempotent.
	removed, err = s.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)
}

func TestScopedOperationRecordsTerminalEventOnEveryPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := ScopedOperation(ctx, s, "plan.generate", "planning", Actors{RequestID: "r1"}, func(context.Context) error {
		return nil
	})
	require.NoError(t, err)

	boom := errs.New(errs.KindTransient, "engine.dispatch", "worker gone")
	err = ScopedOperation(ctx, s, "plan.execute", "execution", Actors{RequestID: "r1"}, func(context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	trail, err := s.RequestTrail(ctx, "r1")
	require.NoError(t, err)
	var starts, ends, errsSeen int
	for _, e := range trail {
		switch {
		case e.Action == "plan.generate.start" || e.Action == "plan.execute.start":
			starts++
		case e.Action == "plan.generate.end":
			ends++
			assert.GreaterOrEqual(t, e.Payload.DurationMS, 0.0)
		case e.Action == "plan.execute.error":
			errsSeen++
			require.NotNil(t, e.Payload.Failure)
			assert.Equal(t, "transient", e.Payload.Failure.ErrorType)
		}
	}
	assert.Equal(t, 2, starts)
	assert.Equal(t, 1, ends)
	assert.Equal(t, 1, errsSeen)
}

func TestScopedOperationPropagatesPanicAfterLogging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.Panics(t, func() {
		_ = ScopedOperation(ctx, s, "bad.op", "test", Actors{RequestID: "r2"}, func(context.Context) error {
			panic(errors.New("invariant violated"))
		})
	})

	trail, err := s.RequestTrail(ctx, "r2")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "bad.op.panic", trail[1].Action)
	require.NotNil(t, trail[1].Payload.Failure)
	assert.NotEmpty(t, trail[1].Payload.Failure.Stack)
}
