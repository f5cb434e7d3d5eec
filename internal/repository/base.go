// Package repository provides SQLite-backed persistence for the Elemental
// core: elements, dependencies, the blocked cache, session records, messages,
// worktrees, and the element event log.
package repository

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/elemental-sh/elemental/internal/common/sqlite"
)

// Repository provides SQLite-based storage operations for all core records.
type Repository struct {
	db     *sqlx.DB
	ownsDB bool
}

// Open opens (creating if needed) the workspace database at path.
func Open(path string) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newRepository(db, true)
}

// OpenMemory opens an in-memory database. Used by tests and ephemeral runs.
func OpenMemory() (*Repository, error) {
	db, err := sqlx.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// A single connection keeps the in-memory database alive and serializes
	// writers the same way the WAL file database does.
	db.SetMaxOpenConns(1)
	return newRepository(db, true)
}

// NewWithDB creates a repository over an existing connection (shared
// ownership; Close is a no-op).
func NewWithDB(db *sqlx.DB) (*Repository, error) {
	return newRepository(db, false)
}

func newRepository(db *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: db, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			_ = db.Close()
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connection if this repository owns it.
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

// DB returns the underlying sql.DB instance for shared access.
func (r *Repository) DB() *sql.DB {
	return r.db.DB
}

func (r *Repository) initSchema() error {
	if err := r.initElementSchema(); err != nil {
		return err
	}
	if err := r.initSessionSchema(); err != nil {
		return err
	}
	if err := r.migrateSchema(); err != nil {
		return err
	}
	return r.initIndexes()
}

// migrateSchema applies additive column changes so databases created by
// older builds upgrade in place on open.
func (r *Repository) migrateSchema() error {
	return sqlite.EnsureColumn(r.db, "elements", "cancel_reason", "TEXT NOT NULL DEFAULT ''")
}

func (r *Repository) initElementSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS elements (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		complexity INTEGER NOT NULL DEFAULT 0,
		task_type TEXT NOT NULL DEFAULT '',
		assignee TEXT NOT NULL DEFAULT '',
		owner TEXT NOT NULL DEFAULT '',
		scheduled_for TIMESTAMP,
		deadline TIMESTAMP,
		close_reason TEXT NOT NULL DEFAULT '',
		ephemeral INTEGER NOT NULL DEFAULT 0,
		playbook_id TEXT NOT NULL DEFAULT '',
		variables TEXT NOT NULL DEFAULT '{}',
		started_at TIMESTAMP,
		finished_at TIMESTAMP,
		failure_reason TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		steps TEXT NOT NULL DEFAULT '[]',
		playbook_variables TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		deleted_at TIMESTAMP,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS dependencies (
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		type TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (source_id, target_id, type)
	);

	CREATE TABLE IF NOT EXISTS blocked_cache (
		element_id TEXT PRIMARY KEY,
		blocked_by TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS element_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		element_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (r *Repository) initSessionSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT 'headless',
		status TEXT NOT NULL DEFAULT 'starting',
		claude_session_id TEXT NOT NULL DEFAULT '',
		working_dir TEXT NOT NULL DEFAULT '',
		worktree_path TEXT NOT NULL DEFAULT '',
		pid INTEGER NOT NULL DEFAULT 0,
		exit_code INTEGER,
		exit_signal TEXT NOT NULL DEFAULT '',
		initial_prompt TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		terminated_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		task_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		tool_name TEXT NOT NULL DEFAULT '',
		tool_input TEXT NOT NULL DEFAULT '',
		tool_output TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS worktrees (
		path TEXT PRIMARY KEY,
		relative_path TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL DEFAULT '',
		head TEXT NOT NULL DEFAULT '',
		is_main INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'creating',
		agent_name TEXT NOT NULL DEFAULT '',
		task_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (r *Repository) initIndexes() error {
	_, err := r.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_elements_kind ON elements(kind);
	CREATE INDEX IF NOT EXISTS idx_elements_status ON elements(status);
	CREATE INDEX IF NOT EXISTS idx_elements_kind_status ON elements(kind, status);
	CREATE INDEX IF NOT EXISTS idx_elements_updated_at ON elements(updated_at);
	CREATE INDEX IF NOT EXISTS idx_elements_name ON elements(name);
	CREATE INDEX IF NOT EXISTS idx_dependencies_source ON dependencies(source_id);
	CREATE INDEX IF NOT EXISTS idx_dependencies_target ON dependencies(target_id);
	CREATE INDEX IF NOT EXISTS idx_dependencies_target_type ON dependencies(target_id, type);
	CREATE INDEX IF NOT EXISTS idx_element_events_element ON element_events(element_id, seq);
	CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
	`)
	return err
}

// withTx executes fn inside a transaction, rolling back on error or panic.
func (r *Repository) withTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
