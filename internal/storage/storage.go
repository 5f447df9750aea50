// Package storage owns the embedded relational store shared by the audit log
// and the cost/performance meter. The store is single-writer-safe; concurrent
// reads are allowed. Schema evolves through forward-only numbered migrations
// and the store refuses to run against a version it does not know.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// DB wraps the embedded database handle.
type DB struct {
	*sqlx.DB
	logger *zap.Logger
	path   string
}

// Open opens (creating if needed) the embedded store at path and applies any
// pending migrations. Use ":memory:" for tests.
func Open(path string, logger *zap.Logger) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_foreign_keys=on"
	}

	raw, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	// sqlite allows a single writer; cap connections so writes serialize at
	// the pool instead of returning SQLITE_BUSY.
	raw.SetMaxOpenConns(1)
	raw.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := raw.PingContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("ping store %s: %w", path, err)
	}

	db := &DB{DB: raw, logger: logger, path: path}
	if err := db.migrate(ctx); err != nil {
		raw.Close()
		return nil, err
	}

	logger.Info("Embedded store ready",
		zap.String("path", path),
		zap.Int("schema_version", len(migrations)),
	)
	return db, nil
}

// Path returns the on-disk location of the store.
func (db *DB) Path() string { return db.path }
