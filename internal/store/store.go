// Package store provides SQLite-backed persistence for the thought graph:
// spaces, nodes, edges and history, with cascade semantics and atomic
// multi-statement writes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	appErrors "mindmesh-backend/pkg/errors"
)

// Options configures a GraphStore.
type Options struct {
	// Path is the SQLite database file location.
	Path string

	// VectorSearch enables the embedding columns and their indexes.
	VectorSearch bool

	// PruneDanglingTargets also removes edges whose *target* is a deleted
	// node. Off by default: dangling target edges act as soft references
	// that come back to life when the node is re-created.
	PruneDanglingTargets bool
}

// GraphStore is the relational persistence layer for the thought graph.
//
// The database handle is shared process-wide. Concurrent calls are safe
// because each logical write is a single transaction; two writers of the same
// space race only on last-write-wins terms, which is acceptable here.
type GraphStore struct {
	db     *sql.DB
	opts   Options
	logger *zap.Logger
	schema *SchemaInitializer
}

// Open creates or opens the database at opts.Path, applies pragmas and runs
// schema initialization. Safe to call multiple times.
func Open(opts Options, schema *SchemaInitializer, logger *zap.Logger) (*GraphStore, error) {
	if opts.Path == "" {
		return nil, appErrors.NewValidation("database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite supports one writer at a time; a single pooled connection
	// avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	if schema == nil {
		schema = NewSchemaInitializer(opts.VectorSearch, logger)
	}
	// An initializer that already ran this process still has to lay out a
	// brand-new file, e.g. the one a resync just created.
	if schema.Initialized() {
		err = schema.Reapply(db)
	} else {
		err = schema.Initialize(db)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	logger.Info("graph store opened",
		zap.String("path", opts.Path),
		zap.Bool("vectorSearch", opts.VectorSearch),
	)

	return &GraphStore{db: db, opts: opts, logger: logger, schema: schema}, nil
}

// Close closes the database connection.
func (s *GraphStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *GraphStore) Path() string {
	return s.opts.Path
}

// Options returns the options the store was opened with.
func (s *GraphStore) Options() Options {
	return s.opts
}

// Schema returns the store's schema initializer.
func (s *GraphStore) Schema() *SchemaInitializer {
	return s.schema
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using GraphStore methods when available.
func (s *GraphStore) DB() *sql.DB {
	return s.db
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// Handle is a re-acquirable reference to the current GraphStore. Disaster
// recovery replaces the store wholesale; holders must go through Get on every
// use instead of caching the pointer, so a swap is an explicit reconnect
// rather than an in-place mutation of a live handle.
type Handle struct {
	current atomic.Pointer[GraphStore]
}

// NewHandle wraps an opened store.
func NewHandle(s *GraphStore) *Handle {
	h := &Handle{}
	h.current.Store(s)
	return h
}

// Get returns the current store.
func (h *Handle) Get() *GraphStore {
	return h.current.Load()
}

// Swap installs a replacement store and returns the previous one.
func (h *Handle) Swap(next *GraphStore) *GraphStore {
	return h.current.Swap(next)
}

// inTx runs fn inside a transaction, translating lock contention into the
// transient error kind so callers can retry.
func (s *GraphStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateSQLiteErr(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return translateSQLiteErr(err, "commit transaction")
	}
	return nil
}

// translateSQLiteErr maps driver errors onto the application taxonomy.
func translateSQLiteErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked {
			return appErrors.NewTransient(msg, err)
		}
	}
	return appErrors.NewInternal(msg, err)
}

// timestamps are persisted as unix milliseconds.

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
