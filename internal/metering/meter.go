// Package metering records model cost and performance observations into
// append-only tables and answers aggregate queries over them. Records are
// never mutated; every aggregate is the exact sum of the matching records.
package metering

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helmsman-ai/orchestrator/internal/metrics"
	"github.com/helmsman-ai/orchestrator/internal/modelregistry"
	"github.com/helmsman-ai/orchestrator/internal/storage"
)

// Meter writes and aggregates cost/performance records.
type Meter struct {
	db       *storage.DB
	registry *modelregistry.Registry
	logger   *zap.Logger
	clock    func() time.Time
}

// NewMeter creates a meter over the embedded store. The registry resolves
// model ids to providers for summary breakdowns.
func NewMeter(db *storage.DB, registry *modelregistry.Registry, logger *zap.Logger) *Meter {
	return &Meter{db: db, registry: registry, logger: logger, clock: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source; tests only.
func (m *Meter) WithClock(clock func() time.Time) *Meter {
	m.clock = clock
	return m
}

// RecordCost appends one cost record stamped "now".
func (m *Meter) RecordCost(ctx context.Context, modelID, role, taskID string, inputTokens, outputTokens int, cost float64) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO cost_records (record_id, ts, model_id, agent_role, task_id, input_tokens, output_tokens, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), m.clock(), modelID, role, taskID, inputTokens, outputTokens, cost,
	)
	if err != nil {
		return fmt.Errorf("record cost for %s: %w", modelID, err)
	}
	metrics.CostRecorded.WithLabelValues(modelID).Add(cost)
	metrics.TokensRecorded.WithLabelValues(modelID, "input").Add(float64(inputTokens))
	metrics.TokensRecorded.WithLabelValues(modelID, "output").Add(float64(outputTokens))
	return nil
}

// RecordPerformance appends one performance record. quality is optional.
func (m *Meter) RecordPerformance(ctx context.Context, modelID, role, taskID string, latencyMS float64, success bool, quality *float64) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO performance_records (record_id, ts, model_id, agent_role, task_id, latency_ms, success, quality)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), m.clock(), modelID, role, taskID, latencyMS, boolToInt(success), quality,
	)
	if err != nil {
		return fmt.Errorf("record performance for %s: %w", modelID, err)
	}
	return nil
}

// SummaryFilter narrows a cost summary. Zero fields match everything.
type SummaryFilter struct {
	ModelID string
	Role    string
	TopN    int // expensive tasks to report; default 10
}

// Breakdown is a cost total for one dimension value.
type Breakdown struct {
	Key          string  `json:"key"`
	CostUSD      float64 `json:"cost_usd"`
	Requests     int     `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
}

// HourlyBucket is the cost total for one clock hour.
type HourlyBucket struct {
	Hour    time.Time `json:"hour"`
	CostUSD float64   `json:"cost_usd"`
}

// TaskCost names one of the most expensive task ids.
type TaskCost struct {
	TaskID  string  `json:"task_id"`
	CostUSD float64 `json:"cost_usd"`
}

// CostSummary aggregates cost records over a time range.
type CostSummary struct {
	Start             time.Time      `json:"start"`
	End               time.Time      `json:"end"`
	TotalCostUSD      float64        `json:"total_cost_usd"`
	TotalRequests     int            `json:"total_requests"`
	TotalInputTokens  int64          `json:"total_input_tokens"`
	TotalOutputTokens int64          `json:"total_output_tokens"`
	AvgCostPerRequest float64        `json:"avg_cost_per_request"`
	ByModel           []Breakdown    `json:"by_model"`
	ByRole            []Breakdown    `json:"by_role"`
	ByProvider        []Breakdown    `json:"by_provider"`
	Hourly            []HourlyBucket `json:"hourly"`
	TopTasks          []TaskCost     `json:"top_tasks"`
}

type costRow struct {
	TS           time.Time `db:"ts"`
	ModelID      string    `db:"model_id"`
	AgentRole    string    `db:"agent_role"`
	TaskID       string    `db:"task_id"`
	InputTokens  int64     `db:"input_tokens"`
	OutputTokens int64     `db:"output_tokens"`
	CostUSD      float64   `db:"cost_usd"`
}

// Summary aggregates all cost records in [start, end] matching the filter.
func (m *Meter) Summary(ctx context.Context, start, end time.Time, f SummaryFilter) (*CostSummary, error) {
	q := `SELECT ts, model_id, agent_role, task_id, input_tokens, output_tokens, cost_usd
		FROM cost_records WHERE ts >= ? AND ts <= ?`
	args := []any{start, end}
	if f.ModelID != "" {
		q += " AND model_id = ?"
		args = append(args, f.ModelID)
	}
	if f.Role != "" {
		q += " AND agent_role = ?"
		args = append(args, f.Role)
	}

	var rows []costRow
	if err := m.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("cost summary query: %w", err)
	}

	s := &CostSummary{Start: start, End: end}
	byModel := make(map[string]*Breakdown)
	byRole := make(map[string]*Breakdown)
	byProvider := make(map[string]*Breakdown)
	byHour := make(map[time.Time]float64)
	byTask := make(map[string]float64)

	accumulate := func(dst map[string]*Breakdown, key string, r costRow) {
		b, ok := dst[key]
		if !ok {
			b = &Breakdown{Key: key}
			dst[key] = b
		}
		b.CostUSD += r.CostUSD
		b.Requests++
		b.InputTokens += r.InputTokens
		b.OutputTokens += r.OutputTokens
	}

	for _, r := range rows {
		s.TotalCostUSD += r.CostUSD
		s.TotalRequests++
		s.TotalInputTokens += r.InputTokens
		s.TotalOutputTokens += r.OutputTokens
		accumulate(byModel, r.ModelID, r)
		accumulate(byRole, r.AgentRole, r)
		provider := m.registry.Provider(r.ModelID)
		if provider == "" {
			provider = "unknown"
		}
		accumulate(byProvider, provider, r)
		byHour[r.TS.UTC().Truncate(time.Hour)] += r.CostUSD
		if r.TaskID != "" {
			byTask[r.TaskID] += r.CostUSD
		}
	}
	if s.TotalRequests > 0 {
		s.AvgCostPerRequest = s.TotalCostUSD / float64(s.TotalRequests)
	}

	s.ByModel = flatten(byModel)
	s.ByRole = flatten(byRole)
	s.ByProvider = flatten(byProvider)

	for h, c := range byHour {
		s.Hourly = append(s.Hourly, HourlyBucket{Hour: h, CostUSD: c})
	}
	sort.Slice(s.Hourly, func(i, j int) bool { return s.Hourly[i].Hour.Before(s.Hourly[j].Hour) })

	topN := f.TopN
	if topN <= 0 {
		topN = 10
	}
	for id, c := range byTask {
		s.TopTasks = append(s.TopTasks, TaskCost{TaskID: id, CostUSD: c})
	}
	sort.Slice(s.TopTasks, func(i, j int) bool {
		if s.TopTasks[i].CostUSD != s.TopTasks[j].CostUSD {
			return s.TopTasks[i].CostUSD > s.TopTasks[j].CostUSD
		}
		return s.TopTasks[i].TaskID < s.TopTasks[j].TaskID
	})
	if len(s.TopTasks) > topN {
		s.TopTasks = s.TopTasks[:topN]
	}
	return s, nil
}

func flatten(in map[string]*Breakdown) []Breakdown {
	out := make([]Breakdown, 0, len(in))
	for _, b := range in {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CostUSD != out[j].CostUSD {
			return out[i].CostUSD > out[j].CostUSD
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// BudgetStatus reports the current day's spend against a daily budget. The
// over-budget flag is strict: spend exactly equal to the budget is not over.
type BudgetStatus struct {
	DailyBudgetUSD     float64 `json:"daily_budget_usd"`
	SpendUSD           float64 `json:"spend_usd"`
	UtilizationPercent float64 `json:"utilization_percent"`
	IsOverBudget       bool    `json:"is_over_budget"`
	RemainingUSD       float64 `json:"remaining_usd"`
}

// BudgetStatus computes today's spend (UTC day) against dailyBudget.
func (m *Meter) BudgetStatus(ctx context.Context, dailyBudget float64) (*BudgetStatus, error) {
	now := m.clock()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var spend float64
	err := m.db.GetContext(ctx, &spend, `
		SELECT COALESCE(SUM(cost_usd), 0) FROM cost_records WHERE ts >= ? AND ts <= ?`,
		dayStart, now)
	if err != nil {
		return nil, fmt.Errorf("budget status query: %w", err)
	}

	st := &BudgetStatus{
		DailyBudgetUSD: dailyBudget,
		SpendUSD:       spend,
		IsOverBudget:   spend > dailyBudget,
		RemainingUSD:   dailyBudget - spend,
	}
	if dailyBudget > 0 {
		st.UtilizationPercent = spend / dailyBudget * 100
	}
	if st.RemainingUSD < 0 {
		st.RemainingUSD = 0
	}
	return st, nil
}

// PerformanceReport summarizes performance records for one model.
type PerformanceReport struct {
	ModelID      string  `json:"model_id"`
	WindowHours  int     `json:"window_hours"`
	Requests     int     `json:"requests"`
	Successes    int     `json:"successes"`
	Failures     int     `json:"failures"`
	SuccessRate  float64 `json:"success_rate"`
	P50LatencyMS float64 `json:"p50_latency_ms"`
	P95LatencyMS float64 `json:"p95_latency_ms"`
	P99LatencyMS float64 `json:"p99_latency_ms"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	AvgQuality   float64 `json:"avg_quality"`
}

type perfRow struct {
	LatencyMS float64  `db:"latency_ms"`
	Success   int      `db:"success"`
	Quality   *float64 `db:"quality"`
}

// Performance reports success rate and latency percentiles for the trailing
// window.
func (m *Meter) Performance(ctx context.Context, modelID string, windowHours int) (*PerformanceReport, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	since := m.clock().Add(-time.Duration(windowHours) * time.Hour)

	var rows []perfRow
	err := m.db.SelectContext(ctx, &rows, `
		SELECT latency_ms, success, quality FROM performance_records
		WHERE model_id = ? AND ts >= ?`, modelID, since)
	if err != nil {
		return nil, fmt.Errorf("performance query for %s: %w", modelID, err)
	}

	rep := &PerformanceReport{ModelID: modelID, WindowHours: windowHours, Requests: len(rows)}
	if len(rows) == 0 {
		return rep, nil
	}

	latencies := make([]float64, 0, len(rows))
	var latencySum, qualitySum float64
	var qualityCount int
	for _, r := range rows {
		latencies = append(latencies, r.LatencyMS)
		latencySum += r.LatencyMS
		if r.Success != 0 {
			rep.Successes++
		} else {
			rep.Failures++
		}
		if r.Quality != nil {
			qualitySum += *r.Quality
			qualityCount++
		}
	}
	sort.Float64s(latencies)

	rep.SuccessRate = float64(rep.Successes) / float64(rep.Requests)
	rep.AvgLatencyMS = latencySum / float64(rep.Requests)
	rep.P50LatencyMS = percentile(latencies, 0.50)
	rep.P95LatencyMS = percentile(latencies, 0.95)
	rep.P99LatencyMS = percentile(latencies, 0.99)
	if qualityCount > 0 {
		rep.AvgQuality = qualitySum / float64(qualityCount)
	}
	return rep, nil
}

// percentile uses nearest-rank on a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
