// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides visitor/session/campaign persistence with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
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

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS visitors (
			id               TEXT PRIMARY KEY,
			session_id       TEXT NOT NULL,
			email_hash       TEXT NOT NULL UNIQUE,
			email            TEXT,
			phone            TEXT,
			last_activity_at TEXT NOT NULL,
			abandoned        INTEGER NOT NULL DEFAULT 0,
			abandonment_step INTEGER NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL,
			archived_at      TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_visitors_session ON visitors(session_id);
		CREATE INDEX IF NOT EXISTS idx_visitors_activity ON visitors(last_activity_at);

		CREATE TABLE IF NOT EXISTS chat_sessions (
			id         TEXT PRIMARY KEY,
			visitor_id TEXT REFERENCES visitors(id),
			active     INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_visitor ON chat_sessions(visitor_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_active ON chat_sessions(visitor_id, active);

		CREATE TABLE IF NOT EXISTS session_messages (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES chat_sessions(id),
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL,

			CHECK (role IN ('visitor', 'agent', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_session_messages_session
			ON session_messages(session_id, created_at);

		CREATE TABLE IF NOT EXISTS message_templates (
			id      TEXT PRIMARY KEY,
			name    TEXT NOT NULL,
			channel TEXT NOT NULL,
			subject TEXT,
			body    TEXT NOT NULL,

			CHECK (channel IN ('email', 'sms'))
		);

		CREATE TABLE IF NOT EXISTS campaign_schedules (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			active     INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS schedule_steps (
			schedule_id   TEXT NOT NULL REFERENCES campaign_schedules(id),
			step_number   INTEGER NOT NULL,
			template_id   TEXT NOT NULL REFERENCES message_templates(id),
			delay_seconds INTEGER NOT NULL,

			PRIMARY KEY (schedule_id, step_number)
		);

		CREATE TABLE IF NOT EXISTS campaign_attempts (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			schedule_id   TEXT NOT NULL REFERENCES campaign_schedules(id),
			target_id     TEXT NOT NULL,
			step_number   INTEGER NOT NULL,
			template_id   TEXT NOT NULL,
			scheduled_for TEXT NOT NULL,
			sent_at       TEXT,
			status        TEXT NOT NULL DEFAULT 'scheduled',
			provider_id   TEXT,
			last_error    TEXT,
			retry_count   INTEGER NOT NULL DEFAULT 0,
			vars_json     TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,

			CHECK (status IN ('scheduled', 'processing', 'sent', 'failed', 'skipped'))
		);

		CREATE INDEX IF NOT EXISTS idx_attempts_due
			ON campaign_attempts(status, scheduled_for);
		CREATE INDEX IF NOT EXISTS idx_attempts_target
			ON campaign_attempts(schedule_id, target_id);

		CREATE TABLE IF NOT EXISTS outreach_attempts (
			id           TEXT PRIMARY KEY,
			visitor_id   TEXT NOT NULL,
			attempt_id   INTEGER,
			channel      TEXT NOT NULL,
			recipient    TEXT NOT NULL,
			content      TEXT NOT NULL,
			provider_id  TEXT,
			status       TEXT NOT NULL,
			sent_at      TEXT,
			delivered_at TEXT,
			clicked_at   TEXT,
			return_token TEXT,
			error        TEXT,
			retry        INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,

			CHECK (channel IN ('email', 'sms'))
		);

		CREATE INDEX IF NOT EXISTS idx_outreach_visitor ON outreach_attempts(visitor_id);
		CREATE INDEX IF NOT EXISTS idx_outreach_token ON outreach_attempts(return_token);

		CREATE TABLE IF NOT EXISTS return_tokens (
			token          TEXT PRIMARY KEY,
			visitor_id     TEXT NOT NULL REFERENCES visitors(id),
			expires_at     TEXT NOT NULL,
			consumed_at    TEXT,
			invalidated_at TEXT,
			created_at     TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_return_tokens_visitor ON return_tokens(visitor_id);

		CREATE TABLE IF NOT EXISTS activity_events (
			id            TEXT PRIMARY KEY,
			type          TEXT NOT NULL,
			description   TEXT NOT NULL,
			source        TEXT NOT NULL,
			metadata_json TEXT,
			created_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_activity_created ON activity_events(created_at);
		CREATE INDEX IF NOT EXISTS idx_activity_type ON activity_events(type);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// boolToInt converts a bool to the 0/1 representation SQLite stores
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullTime formats an optional time as RFC3339, or nil for NULL
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// parseNullTime parses an optional RFC3339 column value
func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// isUniqueViolation reports whether err is a SQLite unique constraint failure
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// requireRow converts a zero-row update into ErrNotFound
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
