package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/helmsman-ai/orchestrator/internal/roles"
	"github.com/helmsman-ai/orchestrator/internal/workerpool"
)

type stubChecker struct {
	name     string
	critical bool
	status   Status
}

func (s *stubChecker) Name() string   { return s.name }
func (s *stubChecker) Critical() bool { return s.critical }
func (s *stubChecker) Check(ctx context.Context) CheckResult {
	return CheckResult{Status: s.status}
}

func TestReportAggregation(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.Register(&stubChecker{name: "a", critical: true, status: StatusHealthy}))
	require.NoError(t, m.Register(&stubChecker{name: "b", status: StatusHealthy}))

	rep := m.Report(context.Background())
	assert.Equal(t, StatusHealthy, rep.Status)
	assert.True(t, rep.Ready)
	assert.True(t, rep.Live)
	assert.Len(t, rep.Components, 2)
}

func TestCriticalFailureMakesUnready(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.Register(&stubChecker{name: "store", critical: true, status: StatusUnhealthy}))

	rep := m.Report(context.Background())
	assert.Equal(t, StatusUnhealthy, rep.Status)
	assert.False(t, rep.Ready)
	assert.True(t, rep.Live)
}

func TestNonCriticalFailureOnlyDegrades(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.Register(&stubChecker{name: "redis", status: StatusUnhealthy}))

	rep := m.Report(context.Background())
	assert.Equal(t, StatusDegraded, rep.Status)
	assert.True(t, rep.Ready)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.Register(&stubChecker{name: "a", status: StatusHealthy}))
	assert.Error(t, m.Register(&stubChecker{name: "a", status: StatusHealthy}))
	assert.Error(t, m.Register(&stubChecker{name: "", status: StatusHealthy}))
}

func TestRedisChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c := &RedisChecker{Client: client}
	res := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)

	mr.Close()
	res = c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)

	res = (&RedisChecker{}).Check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
}

type stubPool struct {
	snaps []workerpool.Snapshot
}

func (s *stubPool) StatusAll() []workerpool.Snapshot { return s.snaps }

func TestPoolCheckerCapacity(t *testing.T) {
	pool := &stubPool{snaps: []workerpool.Snapshot{
		{ProcessID: "p1", Role: roles.ProjectManager, Status: workerpool.StatusIdle},
		{ProcessID: "p2", Role: roles.Researcher, Status: workerpool.StatusBusy},
	}}
	c := &PoolChecker{Pool: pool, MaxProcesses: 2}

	res := c.Check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, "worker pool at capacity", res.Message)

	c.MaxProcesses = 10
	res = c.Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)

	pool.snaps[0].Status = workerpool.StatusUnresponsive
	res = c.Check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
}

func TestHTTPEndpoints(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.Register(&stubChecker{name: "a", critical: true, status: StatusHealthy}))
	srv := httptest.NewServer(Handler(m))
	t.Cleanup(srv.Close)

	for _, path := range []string{"/healthz", "/healthz/live", "/healthz/ready"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		resp.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	var rep Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	assert.Equal(t, StatusHealthy, rep.Status)
}

func TestHTTPUnreadyStatusCodes(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.Register(&stubChecker{name: "store", critical: true, status: StatusUnhealthy}))
	srv := httptest.NewServer(Handler(m))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/healthz/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
