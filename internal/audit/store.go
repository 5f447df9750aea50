// Package audit implements the append-only, durable audit trail. Writes are
// never lossy: when the backing store is unreachable the call fails loudly
// rather than dropping the entry. Queries order by timestamp then persistence
// id so concurrent writers observe a deterministic order.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/helmsman-ai/orchestrator/internal/metrics"
	"github.com/helmsman-ai/orchestrator/internal/storage"
)

// Sink is the capability consumed by every other component. A single Sink is
// registered at startup.
type Sink interface {
	Record(ctx context.Context, e Entry) (int64, error)
}

// Store is the embedded-store backed audit log.
type Store struct {
	db     *storage.DB
	logger *zap.Logger
}

// NewStore creates an audit store over an opened embedded database.
func NewStore(db *storage.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

type entryRow struct {
	ID         int64     `db:"id"`
	TS         time.Time `db:"ts"`
	Kind       string    `db:"kind"`
	Severity   string    `db:"severity"`
	UserID     string    `db:"user_id"`
	RequestID  string    `db:"request_id"`
	WorkflowID string    `db:"workflow_id"`
	AgentID    string    `db:"agent_id"`
	Action     string    `db:"action"`
	Category   string    `db:"category"`
	Payload    string    `db:"payload"`
	Metadata   string    `db:"metadata"`
}

// Record persists one entry and returns its persistence id.
func (s *Store) Record(ctx context.Context, e Entry) (int64, error) {
	if e.Action == "" {
		return 0, ErrEmptyAction
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal audit payload: %w", err)
	}
	extra := "{}"
	if e.Payload.Extra != nil {
		if b, err := json.Marshal(e.Payload.Extra); err == nil {
			extra = string(b)
		}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (ts, kind, severity, user_id, request_id, workflow_id, agent_id, action, category, payload, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp, string(e.Kind), string(e.Severity),
		e.Actors.UserID, e.Actors.RequestID, e.Actors.WorkflowID, e.Actors.AgentID,
		e.Action, e.Category, string(payload), extra,
	)
	if err != nil {
		metrics.AuditWriteFailures.Inc()
		return 0, fmt.Errorf("record audit entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("audit entry id: %w", err)
	}
	metrics.AuditEntriesRecorded.WithLabelValues(string(e.Kind)).Inc()
	return id, nil
}

// Query returns entries matching the filter, newest first (ts DESC, id DESC).
func (s *Store) Query(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, val any) {
		conds = append(conds, cond)
		args = append(args, val)
	}
	if f.UserID != "" {
		add("user_id = ?", f.UserID)
	}
	if f.RequestID != "" {
		add("request_id = ?", f.RequestID)
	}
	if f.WorkflowID != "" {
		add("workflow_id = ?", f.WorkflowID)
	}
	if f.Kind != "" {
		add("kind = ?", string(f.Kind))
	}
	if f.Category != "" {
		add("category = ?", f.Category)
	}
	if f.Severity != "" {
		add("severity = ?", string(f.Severity))
	}
	if !f.Since.IsZero() {
		add("ts >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		add("ts <= ?", f.Until)
	}

	q := `SELECT id, ts, kind, severity, user_id, request_id, workflow_id, agent_id, action, category, payload, metadata FROM audit_entries`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY ts DESC, id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	return decodeRows(rows)
}

// RequestTrail returns the full ordered history for one request, oldest first.
func (s *Store) RequestTrail(ctx context.Context, requestID string) ([]Entry, error) {
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, ts, kind, severity, user_id, request_id, workflow_id, agent_id, action, category, payload, metadata
		FROM audit_entries WHERE request_id = ? ORDER BY ts ASC, id ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("request trail %s: %w", requestID, err)
	}
	return decodeRows(rows)
}

// ErrorSummaryWindow aggregates error entries within the trailing window.
func (s *Store) ErrorSummaryWindow(ctx context.Context, window time.Duration) (*ErrorSummary, error) {
	since := time.Now().UTC().Add(-window)

	entries, err := s.Query(ctx, Filter{Kind: KindError, Since: since, Limit: 10000})
	if err != nil {
		return nil, err
	}

	summary := &ErrorSummary{Window: window, Total: len(entries)}
	counts := make(map[[2]string]int)
	for _, e := range entries {
		typ, op := "unknown", e.Action
		if e.Payload.Failure != nil {
			typ = e.Payload.Failure.ErrorType
			if e.Payload.Failure.Operation != "" {
				op = e.Payload.Failure.Operation
			}
		}
		counts[[2]string{typ, op}]++
		if len(summary.Recent) < 20 {
			re := RecentError{Timestamp: e.Timestamp, ErrorType: typ, Operation: op}
			if e.Payload.Failure != nil {
				re.Message = e.Payload.Failure.Message
			}
			summary.Recent = append(summary.Recent, re)
		}
		if summary.OldestSeen.IsZero() || e.Timestamp.Before(summary.OldestSeen) {
			summary.OldestSeen = e.Timestamp
		}
	}
	for k, n := range counts {
		summary.ByType = append(summary.ByType, ErrorCount{ErrorType: k[0], Operation: k[1], Count: n})
	}
	return summary, nil
}

// Cleanup deletes entries older than retention and returns the count removed.
// Best-effort and idempotent.
func (s *Store) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_entries WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("Audit cleanup removed entries",
			zap.Int64("removed", n),
			zap.Time("cutoff", cutoff),
		)
	}
	return n, nil
}

func decodeRows(rows []entryRow) ([]Entry, error) {
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e := Entry{
			ID:        r.ID,
			Timestamp: r.TS,
			Kind:      EntryKind(r.Kind),
			Severity:  Severity(r.Severity),
			Actors: Actors{
				UserID:     r.UserID,
				RequestID:  r.RequestID,
				WorkflowID: r.WorkflowID,
				AgentID:    r.AgentID,
			},
			Action:   r.Action,
			Category: r.Category,
		}
		if r.Payload != "" {
			if err := json.Unmarshal([]byte(r.Payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode audit payload id=%d: %w", r.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, nil
}
