package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// SchemaInitializer creates tables and applies additive migrations. It runs
// the DDL once per process lifetime; later calls are no-ops.
//
// DDL is applied in three phases:
//
//  1. tables and ordinary indexes
//  2. additive column migrations for optional features (embedding columns),
//     each tolerant of "duplicate column name" but nothing else
//  3. feature-dependent indexes, which rely on columns from phase 2; a
//     missing-column failure here disables the feature, any other failure
//     is surfaced
type SchemaInitializer struct {
	vectorSearch bool
	logger       *zap.Logger

	once        sync.Once
	initialized bool
	err         error
}

// NewSchemaInitializer builds an initializer for the given feature set.
func NewSchemaInitializer(vectorSearch bool, logger *zap.Logger) *SchemaInitializer {
	return &SchemaInitializer{vectorSearch: vectorSearch, logger: logger}
}

const tableDDL = `
CREATE TABLE IF NOT EXISTS spaces (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS nodes (
	id TEXT PRIMARY KEY,
	space_id TEXT NOT NULL,
	node_key TEXT NOT NULL,
	data TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(space_id, node_key)
);
CREATE INDEX IF NOT EXISTS idx_nodes_space ON nodes(space_id);
CREATE INDEX IF NOT EXISTS idx_nodes_space_created ON nodes(space_id, created_at);

CREATE TABLE IF NOT EXISTS edges (
	id TEXT PRIMARY KEY,
	space_id TEXT NOT NULL,
	source_node TEXT NOT NULL,
	target_node TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT '',
	strength REAL NOT NULL DEFAULT 1.0,
	gloss TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(space_id, source_node, target_node)
);
CREATE INDEX IF NOT EXISTS idx_edges_space ON edges(space_id);
CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(space_id, source_node);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(space_id, target_node);

CREATE TABLE IF NOT EXISTS history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	space_id TEXT NOT NULL,
	entry TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_space ON history(space_id, created_at);
`

// columnMigrations are additive ALTERs for optional features. Re-running
// against an up-to-date database yields "duplicate column name", which is
// the one error each migration tolerates.
var columnMigrations = []string{
	"ALTER TABLE nodes ADD COLUMN embedding BLOB",
	"ALTER TABLE spaces ADD COLUMN embedding BLOB",
}

// featureIndexDDL depends on migrated columns, so it runs last.
var featureIndexDDL = []string{
	"CREATE INDEX IF NOT EXISTS idx_nodes_embedding ON nodes(space_id) WHERE embedding IS NOT NULL",
}

// Initialize applies the schema. Idempotent; only the first call per process
// does work, and its outcome is replayed to later callers.
func (si *SchemaInitializer) Initialize(db *sql.DB) error {
	si.once.Do(func() {
		si.err = si.apply(db)
		si.initialized = si.err == nil
	})
	return si.err
}

// Initialized reports whether the once-per-process DDL has completed.
func (si *SchemaInitializer) Initialized() bool {
	return si.initialized
}

// Reapply forces the DDL onto a new database handle, used after a full
// resync replaces the database file. The once-per-process guard stays set;
// the new file still needs tables.
func (si *SchemaInitializer) Reapply(db *sql.DB) error {
	return si.apply(db)
}

func (si *SchemaInitializer) apply(db *sql.DB) error {
	// Phase 1: tables and ordinary indexes.
	if _, err := db.Exec(tableDDL); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	// Phase 2: additive column migrations.
	for _, ddl := range columnMigrations {
		if _, err := db.Exec(ddl); err != nil {
			if isDuplicateColumn(err) {
				continue
			}
			return fmt.Errorf("column migration %q: %w", ddl, err)
		}
	}

	// Phase 3: feature-dependent indexes.
	if si.vectorSearch {
		for _, ddl := range featureIndexDDL {
			if _, err := db.Exec(ddl); err != nil {
				if isMissingColumn(err) {
					si.logger.Warn("vector index skipped, embedding column missing",
						zap.String("ddl", ddl),
						zap.Error(err),
					)
					continue
				}
				return fmt.Errorf("feature index %q: %w", ddl, err)
			}
		}
	}

	return nil
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}

func isMissingColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such column")
}
