package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// migrations are forward-only. Never edit an applied migration; append a new
// one instead.
var migrations = []string{
	// 1: audit trail
	`CREATE TABLE audit_entries (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		ts          TIMESTAMP NOT NULL,
		kind        TEXT NOT NULL,
		severity    TEXT NOT NULL,
		user_id     TEXT NOT NULL DEFAULT '',
		request_id  TEXT NOT NULL DEFAULT '',
		workflow_id TEXT NOT NULL DEFAULT '',
		agent_id    TEXT NOT NULL DEFAULT '',
		action      TEXT NOT NULL,
		category    TEXT NOT NULL DEFAULT '',
		payload     TEXT NOT NULL DEFAULT '{}',
		metadata    TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX idx_audit_ts ON audit_entries(ts);
	CREATE INDEX idx_audit_user ON audit_entries(user_id);
	CREATE INDEX idx_audit_request ON audit_entries(request_id);
	CREATE INDEX idx_audit_workflow ON audit_entries(workflow_id);
	CREATE INDEX idx_audit_kind ON audit_entries(kind);
	CREATE INDEX idx_audit_category ON audit_entries(category);
	CREATE INDEX idx_audit_severity ON audit_entries(severity);`,

	// 2: cost and performance metering
	`CREATE TABLE cost_records (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id     TEXT NOT NULL UNIQUE,
		ts            TIMESTAMP NOT NULL,
		model_id      TEXT NOT NULL,
		agent_role    TEXT NOT NULL DEFAULT '',
		task_id       TEXT NOT NULL DEFAULT '',
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_usd      REAL NOT NULL
	);
	CREATE INDEX idx_cost_ts ON cost_records(ts);
	CREATE INDEX idx_cost_model ON cost_records(model_id);
	CREATE INDEX idx_cost_role ON cost_records(agent_role);
	CREATE TABLE performance_records (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id  TEXT NOT NULL UNIQUE,
		ts         TIMESTAMP NOT NULL,
		model_id   TEXT NOT NULL,
		agent_role TEXT NOT NULL DEFAULT '',
		task_id    TEXT NOT NULL DEFAULT '',
		latency_ms REAL NOT NULL,
		success    INTEGER NOT NULL,
		quality    REAL
	);
	CREATE INDEX idx_perf_ts ON performance_records(ts);
	CREATE INDEX idx_perf_model ON performance_records(model_id);`,

	// 3: router and limiter event tables
	`CREATE TABLE cached_responses (
		cache_key     TEXT PRIMARY KEY,
		model_id      TEXT NOT NULL,
		request_hash  TEXT NOT NULL,
		response      TEXT NOT NULL,
		cached_at     TIMESTAMP NOT NULL,
		expires_at    TIMESTAMP NOT NULL,
		hit_count     INTEGER NOT NULL DEFAULT 0,
		last_accessed TIMESTAMP NOT NULL
	);
	CREATE INDEX idx_cached_expiry ON cached_responses(expires_at);
	CREATE INDEX idx_cached_accessed ON cached_responses(last_accessed);
	CREATE TABLE rate_limit_events (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		ts       TIMESTAMP NOT NULL,
		model_id TEXT NOT NULL,
		event    TEXT NOT NULL,
		detail   TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX idx_rle_model ON rate_limit_events(model_id);
	CREATE TABLE failover_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		ts         TIMESTAMP NOT NULL,
		from_model TEXT NOT NULL,
		to_model   TEXT NOT NULL,
		reason     TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE health_checks (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		ts      TIMESTAMP NOT NULL,
		checker TEXT NOT NULL,
		healthy INTEGER NOT NULL,
		detail  TEXT NOT NULL DEFAULT ''
	);`,
}

func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	err := db.GetContext(ctx, &current, `SELECT version FROM schema_version LIMIT 1`)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("seed schema_version: %w", err)
		}
		current = 0
	case err != nil:
		return fmt.Errorf("read schema_version: %w", err)
	}

	if current > len(migrations) {
		return fmt.Errorf("store schema version %d is newer than supported %d; refusing to run", current, len(migrations))
	}

	for i := current; i < len(migrations); i++ {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version = ?`, i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("bump schema_version to %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
		db.logger.Info("Applied migration", zap.Int("version", i+1))
	}
	return nil
}

// SchemaVersion returns the store's current migration level.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := db.GetContext(ctx, &v, `SELECT version FROM schema_version LIMIT 1`); err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}
