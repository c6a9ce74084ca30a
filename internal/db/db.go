package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// TimeFormat is how timestamps are stored in TEXT columns.
const TimeFormat = time.RFC3339Nano

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
	path string
}

// PathFor returns the database file for a namespace inside stateDir,
// creating the directory if needed. An empty namespace means "state".
func PathFor(stateDir, namespace string) (string, error) {
	if namespace == "" {
		namespace = "state"
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", stateDir, err)
	}
	return filepath.Join(stateDir, namespace+".db"), nil
}

// Open opens or creates the database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "set journal mode"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA synchronous=NORMAL", "set synchronous"},
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", p.what, err)
		}
	}
	return &DB{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for advanced queries.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Path returns the file the database was opened from.
func (d *DB) Path() string {
	return d.path
}

// migrations are applied in order; index i holds schema version i+1.
var migrations = []string{schemaV1, schemaV2}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS task_states (
    task_id      TEXT PRIMARY KEY,
    status       TEXT NOT NULL CHECK(status IN ('pending','running','success','failed')),
    session      INTEGER NOT NULL DEFAULT 1,
    started_at   TEXT,
    completed_at TEXT,
    updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_attempts (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id         TEXT NOT NULL REFERENCES task_states(task_id) ON DELETE CASCADE,
    run_id          TEXT NOT NULL DEFAULT '',
    session         INTEGER NOT NULL,
    number          INTEGER NOT NULL,
    timestamp       TEXT NOT NULL,
    success         BOOLEAN NOT NULL,
    duration_ms     INTEGER NOT NULL DEFAULT 0,
    error           TEXT NOT NULL DEFAULT '',
    error_code      TEXT NOT NULL DEFAULT '',
    raw_output      TEXT NOT NULL DEFAULT '',
    input_tokens    INTEGER,
    output_tokens   INTEGER,
    cost_usd        REAL,
    review_status   TEXT NOT NULL DEFAULT '',
    review_findings TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_attempts_task ON task_attempts(task_id, session, number);

CREATE TABLE IF NOT EXISTS executor_counters (
    id                   INTEGER PRIMARY KEY CHECK(id = 1),
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    total_completed      INTEGER NOT NULL DEFAULT 0,
    total_failed         INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO executor_counters (id) VALUES (1);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

const schemaV2 = `
CREATE TABLE IF NOT EXISTS run_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL DEFAULT '',
    task_id     TEXT NOT NULL DEFAULT '',
    event       TEXT NOT NULL,
    attempt     INTEGER,
    detail      TEXT,
    timestamp   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_events_task ON run_events(task_id, id DESC);

CREATE TABLE IF NOT EXISTS check_runs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id     TEXT NOT NULL,
    session     INTEGER NOT NULL,
    attempt     INTEGER NOT NULL,
    check_name  TEXT NOT NULL,
    kind        TEXT NOT NULL DEFAULT '',
    passed      BOOLEAN NOT NULL,
    exit_code   INTEGER,
    duration_ms INTEGER,
    summary     TEXT,
    findings    TEXT,
    timestamp   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_check_task ON check_runs(task_id, session, attempt);
`

// Version returns the highest applied schema version, 0 for a fresh file.
func (d *DB) Version() (int, error) {
	if _, err := d.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
)`); err != nil {
		return 0, fmt.Errorf("create schema_version: %w", err)
	}
	var v int
	if err := d.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Migrate applies pending schema versions, each in its own transaction.
func (d *DB) Migrate() error {
	current, err := d.Version()
	if err != nil {
		return err
	}
	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := d.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply schema v%d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit schema v%d: %w", version, err)
		}
	}
	return nil
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset() error {
	tables := []string{"check_runs", "run_events", "meta", "executor_counters", "task_attempts", "task_states", "schema_version"}
	for _, t := range tables {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate()
}

// WithTx runs fn inside a transaction. The transaction commits only when fn
// returns nil.
func (d *DB) WithTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&Queries{q: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Queries returns query helpers bound to the connection, outside any
// transaction.
func (d *DB) Queries() *Queries {
	return &Queries{q: d.conn}
}
