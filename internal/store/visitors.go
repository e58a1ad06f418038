// ABOUTME: Visitor entity and store methods for prospective customer records
// ABOUTME: Visitors are soft-lifecycle rows, archived by age and never hard-deleted

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Visitor is the identity anchor for a prospective customer. It is created on
// first detected visit and mutated by activity/abandonment detection.
type Visitor struct {
	ID              string
	SessionID       string
	EmailHash       string // SHA-256 of the lowercased email, unique
	Email           *string
	Phone           *string
	LastActivityAt  time.Time
	Abandoned       bool
	AbandonmentStep int // 1..N, 0 when not abandoned
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ArchivedAt      *time.Time
}

// CreateVisitor inserts a new visitor row.
// Returns ErrDuplicateVisitor when the email hash is already registered.
func (s *SQLiteStore) CreateVisitor(ctx context.Context, v *Visitor) error {
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	if v.LastActivityAt.IsZero() {
		v.LastActivityAt = now
	}

	query := `
		INSERT INTO visitors (
			id, session_id, email_hash, email, phone, last_activity_at,
			abandoned, abandonment_step, created_at, updated_at, archived_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		v.ID,
		v.SessionID,
		v.EmailHash,
		v.Email,
		v.Phone,
		v.LastActivityAt.UTC().Format(time.RFC3339),
		boolToInt(v.Abandoned),
		v.AbandonmentStep,
		v.CreatedAt.UTC().Format(time.RFC3339),
		v.UpdatedAt.UTC().Format(time.RFC3339),
		nullTime(v.ArchivedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateVisitor
		}
		return fmt.Errorf("inserting visitor: %w", err)
	}

	s.logger.Debug("created visitor", "visitor_id", v.ID)
	return nil
}

const visitorColumns = `id, session_id, email_hash, email, phone, last_activity_at,
       abandoned, abandonment_step, created_at, updated_at, archived_at`

// GetVisitor retrieves a visitor by ID
func (s *SQLiteStore) GetVisitor(ctx context.Context, id string) (*Visitor, error) {
	query := `SELECT ` + visitorColumns + ` FROM visitors WHERE id = ?`
	return s.scanVisitor(s.db.QueryRowContext(ctx, query, id))
}

// GetVisitorByEmailHash retrieves a visitor by its unique email hash
func (s *SQLiteStore) GetVisitorByEmailHash(ctx context.Context, emailHash string) (*Visitor, error) {
	query := `SELECT ` + visitorColumns + ` FROM visitors WHERE email_hash = ?`
	return s.scanVisitor(s.db.QueryRowContext(ctx, query, emailHash))
}

func (s *SQLiteStore) scanVisitor(row *sql.Row) (*Visitor, error) {
	v := &Visitor{}
	var lastActivity, createdAt, updatedAt string
	var archivedAt sql.NullString
	var abandoned int

	err := row.Scan(
		&v.ID,
		&v.SessionID,
		&v.EmailHash,
		&v.Email,
		&v.Phone,
		&lastActivity,
		&abandoned,
		&v.AbandonmentStep,
		&createdAt,
		&updatedAt,
		&archivedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying visitor: %w", err)
	}

	v.Abandoned = abandoned != 0
	if v.LastActivityAt, err = time.Parse(time.RFC3339, lastActivity); err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	if v.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if v.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if archivedAt.Valid {
		t, err := time.Parse(time.RFC3339, archivedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing archived_at: %w", err)
		}
		v.ArchivedAt = &t
	}

	return v, nil
}

// TouchVisitorActivity updates the visitor's last activity timestamp
func (s *SQLiteStore) TouchVisitorActivity(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE visitors SET last_activity_at = ?, updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query,
		at.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating visitor activity: %w", err)
	}
	return requireRow(res)
}

// MarkVisitorAbandoned flags a visitor as having abandoned the application at the given step
func (s *SQLiteStore) MarkVisitorAbandoned(ctx context.Context, id string, step int) error {
	query := `UPDATE visitors SET abandoned = 1, abandonment_step = ?, updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query,
		step,
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("marking visitor abandoned: %w", err)
	}
	return requireRow(res)
}

// ArchiveVisitorsBefore soft-archives visitors whose last activity predates the
// cutoff. Archived visitors keep their rows; nothing is deleted.
func (s *SQLiteStore) ArchiveVisitorsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		UPDATE visitors SET archived_at = ?, updated_at = ?
		WHERE archived_at IS NULL AND last_activity_at < ?
	`

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, query, now, now, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("archiving visitors: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting archived visitors: %w", err)
	}
	if n > 0 {
		s.logger.Info("archived stale visitors", "count", n)
	}
	return int(n), nil
}
