// Package store persists routing policy and archives telemetry in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// SQLite driver (required for database/sql registration).
	_ "github.com/mattn/go-sqlite3"
)

const schemaVersion = 1

// SQLite is the router's database.
type SQLite struct {
	db   *sql.DB
	path string
}

// Open opens (and creates) the database at path.
func Open(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	s := &SQLite{db: db, path: path}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func openDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -16000",
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	return db, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

// Size returns the database file size in bytes.
func (s *SQLite) Size() int64 {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func (s *SQLite) init() error {
	schema := `
	-- Schema version tracking
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		description TEXT
	);

	-- ============================================================
	-- POLICY
	-- ============================================================

	CREATE TABLE IF NOT EXISTS intelligence_settings (
		scope           TEXT NOT NULL CHECK (scope IN ('global', 'user')),
		user_id         TEXT NOT NULL DEFAULT '',
		value           INTEGER NOT NULL CHECK (value BETWEEN 0 AND 100),
		set_by          TEXT,
		set_at          INTEGER NOT NULL,
		expires_at      INTEGER,
		PRIMARY KEY (scope, user_id)
	);

	CREATE TABLE IF NOT EXISTS tier_config (
		id                      INTEGER PRIMARY KEY CHECK (id = 1),
		enabled                 INTEGER NOT NULL,
		tool_stripping_enabled  INTEGER NOT NULL,
		decision_cache_enabled  INTEGER NOT NULL,
		decision_cache_ttl      INTEGER NOT NULL CHECK (decision_cache_ttl > 0),
		cheap_model             TEXT NOT NULL DEFAULT '',
		balanced_model          TEXT NOT NULL DEFAULT '',
		premium_model           TEXT NOT NULL DEFAULT '',
		set_by                  TEXT,
		updated_at              INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	-- ============================================================
	-- TELEMETRY ARCHIVE
	-- ============================================================

	CREATE TABLE IF NOT EXISTS request_telemetry (
		request_id          TEXT PRIMARY KEY,
		user_id             TEXT,
		ts                  INTEGER NOT NULL,
		provider            TEXT,
		model               TEXT,
		tier                TEXT,
		ttft_ms             REAL NOT NULL DEFAULT 0,
		total_latency_ms    REAL NOT NULL DEFAULT 0,
		tokens_per_second   REAL NOT NULL DEFAULT 0,
		prompt_tokens       INTEGER NOT NULL DEFAULT 0,
		completion_tokens   INTEGER NOT NULL DEFAULT 0,
		cache_hit           INTEGER NOT NULL DEFAULT 0,
		concurrent_at_start INTEGER NOT NULL DEFAULT 0,
		queue_wait_ms       REAL NOT NULL DEFAULT 0,
		success             INTEGER NOT NULL,
		error_kind          TEXT NOT NULL,
		cost_usd            REAL NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_request_telemetry_ts ON request_telemetry(ts);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	_, err := s.db.Exec(`INSERT OR IGNORE INTO schema_migrations (version, description) VALUES (?, ?)`,
		schemaVersion, "policy and telemetry archive")
	return err
}

// SchemaVersion returns the highest applied migration.
func (s *SQLite) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	return v, err
}
