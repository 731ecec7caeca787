// Package storage implements the relational persistence layer (component
// C4) on top of modernc.org/sqlite, a pure-Go driver with no cgo
// dependency. The store uses a single connection (one writer), WAL
// journaling and foreign keys.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the sqlite-backed implementation of the persistence operations.
// All multi-entity writes run inside a single ACID transaction.
type Store struct {
	db  *sql.DB
	log *slog.Logger

	analysisRetention time.Duration
	auditRetention    time.Duration
}

// Config controls connection and retention behavior.
type Config struct {
	Path              string
	AnalysisRetention time.Duration // default 90 days, applied when an analysis transitions to completed
	AuditRetention    time.Duration // default 365 days, applied by the audit sweeper
}

const (
	DefaultAnalysisRetention = 90 * 24 * time.Hour
	DefaultAuditRetention    = 365 * 24 * time.Hour
)

// New opens (creating if absent) the sqlite database at cfg.Path, enables
// WAL mode, and applies the schema migration.
func New(cfg Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.AnalysisRetention <= 0 {
		cfg.AnalysisRetention = DefaultAnalysisRetention
	}
	if cfg.AuditRetention <= 0 {
		cfg.AuditRetention = DefaultAuditRetention
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; one conn avoids SQLITE_BUSY storms

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON;`); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{
		db:                db,
		log:               log,
		analysisRetention: cfg.AnalysisRetention,
		auditRetention:    cfg.AuditRetention,
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	for i, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
