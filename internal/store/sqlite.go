// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database, creates the schema and applies idempotent migrations

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// tsLayout is a fixed-width UTC timestamp so TEXT columns sort chronologically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// busyTimeout bounds how long a writer waits on another connection's lock.
const busyTimeout = 5 * time.Second

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a private
// in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dataSourceName(path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: SQLite has a single writer, and :memory: databases are
	// per-connection.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id                  TEXT PRIMARY KEY,
			company_id          TEXT NOT NULL,
			status              TEXT NOT NULL,
			queue_position      INTEGER,
			started_at          TEXT NOT NULL,
			closed_at           TEXT,
			assigned_agent_id   TEXT,
			assigned_agent_name TEXT NOT NULL DEFAULT '',
			client_user_id      TEXT,
			client_name         TEXT NOT NULL DEFAULT '',
			client_email        TEXT NOT NULL DEFAULT '',
			metadata_json       TEXT,
			updated_at          TEXT NOT NULL,

			CHECK (status IN ('waiting', 'open', 'assigned', 'closed')),
			CHECK ((status = 'waiting') = (queue_position IS NOT NULL)),
			CHECK ((status = 'closed') = (closed_at IS NOT NULL)),
			CHECK (status != 'assigned' OR assigned_agent_id IS NOT NULL)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_company_status
			ON conversations(company_id, status, started_at);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT,
			sender_kind     TEXT NOT NULL,
			content_text    TEXT NOT NULL,
			content_json    TEXT NOT NULL,
			deleted         INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,
			revision        INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),

			CHECK (sender_kind IN ('client', 'agent', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS transcripts (
			conversation_id TEXT PRIMARY KEY,
			company_id      TEXT NOT NULL,
			payload_json    TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			actor_id    TEXT NOT NULL,
			company_id  TEXT NOT NULL DEFAULT '',
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor_id);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target_type, target_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "conversations",
			column: "client_email",
			apply:  `ALTER TABLE conversations ADD COLUMN client_email TEXT NOT NULL DEFAULT ''`,
		},
		{
			table:  "conversations",
			column: "assigned_agent_name",
			apply:  `ALTER TABLE conversations ADD COLUMN assigned_agent_name TEXT NOT NULL DEFAULT ''`,
		},
		{
			table:  "audit_log",
			column: "company_id",
			apply:  `ALTER TABLE audit_log ADD COLUMN company_id TEXT NOT NULL DEFAULT ''`,
		},
		{
			table:  "messages",
			column: "revision",
			apply:  `ALTER TABLE messages ADD COLUMN revision INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	// Indexes over migrated columns.
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_company ON audit_log(company_id, ts DESC)`); err != nil {
		return fmt.Errorf("creating audit company index: %w", err)
	}

	return nil
}

// dataSourceName applies per-connection pragmas. Several processes may share
// one database file: writers wait up to busyTimeout for the lock, and
// transactions take the write lock at BEGIN so a read-then-write never has
// to upgrade.
func dataSourceName(path string) string {
	if path == ":memory:" {
		return path
	}
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_txlock=immediate", path, busyTimeout.Milliseconds())
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint failed")
}

// isForeignKeyViolation checks if the error is a SQLite FOREIGN KEY violation
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func nullString(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

var _ Store = (*SQLiteStore)(nil)
