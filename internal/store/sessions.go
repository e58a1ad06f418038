// ABOUTME: ChatSession entity and store methods for conversational threads
// ABOUTME: The session active flag is the cross-instance source of truth for live connections

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ChatSession is one conversational thread bound to a visitor. A session is
// active for at most one live connection at a time.
type ChatSession struct {
	ID        string
	VisitorID *string // nil until the visitor is resolved
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionMessage is one entry in a session's ordered message log
type SessionMessage struct {
	ID        string
	SessionID string
	Role      string // "visitor", "agent", "system"
	Content   string
	CreatedAt time.Time
}

// Message roles
const (
	RoleVisitor = "visitor"
	RoleAgent   = "agent"
	RoleSystem  = "system"
)

// CreateSession inserts a new chat session row
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *ChatSession) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	query := `
		INSERT INTO chat_sessions (id, visitor_id, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		sess.ID,
		sess.VisitorID,
		boolToInt(sess.Active),
		sess.CreatedAt.Format(time.RFC3339),
		sess.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "session_id", sess.ID)
	return nil
}

// GetSession retrieves a session by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*ChatSession, error) {
	query := `SELECT id, visitor_id, active, created_at, updated_at FROM chat_sessions WHERE id = ?`
	return s.scanSession(s.db.QueryRowContext(ctx, query, id))
}

// GetActiveSessionForVisitor returns the visitor's active session, or ErrNotFound
func (s *SQLiteStore) GetActiveSessionForVisitor(ctx context.Context, visitorID string) (*ChatSession, error) {
	query := `
		SELECT id, visitor_id, active, created_at, updated_at
		FROM chat_sessions
		WHERE visitor_id = ? AND active = 1
		ORDER BY updated_at DESC
		LIMIT 1
	`
	return s.scanSession(s.db.QueryRowContext(ctx, query, visitorID))
}

func (s *SQLiteStore) scanSession(row *sql.Row) (*ChatSession, error) {
	sess := &ChatSession{}
	var active int
	var createdAt, updatedAt string

	err := row.Scan(&sess.ID, &sess.VisitorID, &active, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	sess.Active = active != 0
	if sess.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return sess, nil
}

// ActivateSession marks a session active, deactivating any other active
// session for the same visitor first so the invariant of one active session
// per visitor holds across instances.
func (s *SQLiteStore) ActivateSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning session activation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339)

	_, err = tx.ExecContext(ctx, `
		UPDATE chat_sessions SET active = 0, updated_at = ?
		WHERE active = 1 AND id != ? AND visitor_id IS NOT NULL
		  AND visitor_id = (SELECT visitor_id FROM chat_sessions WHERE id = ?)
	`, now, id, id)
	if err != nil {
		return fmt.Errorf("deactivating stale sessions: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE chat_sessions SET active = 1, updated_at = ? WHERE id = ?
	`, now, id)
	if err != nil {
		return fmt.Errorf("activating session: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}

	return tx.Commit()
}

// DeactivateSession clears the session's active flag
func (s *SQLiteStore) DeactivateSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET active = 0, updated_at = ? WHERE id = ?
	`, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("deactivating session: %w", err)
	}
	return requireRow(res)
}

// BindSessionVisitor attaches a resolved visitor to a session
func (s *SQLiteStore) BindSessionVisitor(ctx context.Context, sessionID, visitorID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET visitor_id = ?, updated_at = ? WHERE id = ?
	`, visitorID, time.Now().UTC().Format(time.RFC3339), sessionID)
	if err != nil {
		return fmt.Errorf("binding session visitor: %w", err)
	}
	return requireRow(res)
}

// SaveSessionMessage appends one message to the session log
func (s *SQLiteStore) SaveSessionMessage(ctx context.Context, msg *SessionMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO session_messages (id, session_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.SessionID,
		msg.Role,
		msg.Content,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting session message: %w", err)
	}
	return nil
}

// ListSessionMessages returns a session's messages in arrival order
func (s *SQLiteStore) ListSessionMessages(ctx context.Context, sessionID string, limit int) ([]*SessionMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, created_at
		FROM session_messages
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying session messages: %w", err)
	}
	defer rows.Close()

	var messages []*SessionMessage
	for rows.Next() {
		msg := &SessionMessage{}
		var createdAt string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning session message: %w", err)
		}
		if msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session messages: %w", err)
	}
	return messages, nil
}
