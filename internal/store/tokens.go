// ABOUTME: ReturnToken entity and store methods for single-use resumption credentials
// ABOUTME: Consumption is a single-row compare-and-set so a token resolves at most once

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ReturnToken binds a single-use credential to a visitor. At most one live
// (unconsumed, uninvalidated) token exists per visitor; issuing a new one
// invalidates the rest.
type ReturnToken struct {
	Token         string
	VisitorID     string
	ExpiresAt     time.Time
	ConsumedAt    *time.Time
	InvalidatedAt *time.Time
	CreatedAt     time.Time
}

// Live reports whether the token is still eligible for consumption
func (t *ReturnToken) Live() bool {
	return t.ConsumedAt == nil && t.InvalidatedAt == nil
}

// InsertReturnToken persists a new token and invalidates any prior live token
// for the same visitor in the same transaction.
func (s *SQLiteStore) InsertReturnToken(ctx context.Context, tok *ReturnToken) error {
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning token insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := tok.CreatedAt.UTC().Format(time.RFC3339)

	_, err = tx.ExecContext(ctx, `
		UPDATE return_tokens SET invalidated_at = ?
		WHERE visitor_id = ? AND consumed_at IS NULL AND invalidated_at IS NULL
	`, now, tok.VisitorID)
	if err != nil {
		return fmt.Errorf("invalidating prior tokens: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO return_tokens (token, visitor_id, expires_at, created_at)
		VALUES (?, ?, ?, ?)
	`, tok.Token, tok.VisitorID, tok.ExpiresAt.UTC().Format(time.RFC3339), now)
	if err != nil {
		return fmt.Errorf("inserting return token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing return token: %w", err)
	}

	s.logger.Debug("issued return token",
		"visitor_id", tok.VisitorID,
		"expires_at", tok.ExpiresAt.UTC().Format(time.RFC3339),
	)
	return nil
}

// GetReturnToken retrieves a token row by its value
func (s *SQLiteStore) GetReturnToken(ctx context.Context, token string) (*ReturnToken, error) {
	tok := &ReturnToken{}
	var expiresAt, createdAt string
	var consumedAt, invalidatedAt sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT token, visitor_id, expires_at, consumed_at, invalidated_at, created_at
		FROM return_tokens
		WHERE token = ?
	`, token).Scan(&tok.Token, &tok.VisitorID, &expiresAt, &consumedAt, &invalidatedAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying return token: %w", err)
	}

	if tok.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if tok.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if tok.ConsumedAt, err = parseNullTime(consumedAt); err != nil {
		return nil, fmt.Errorf("parsing consumed_at: %w", err)
	}
	if tok.InvalidatedAt, err = parseNullTime(invalidatedAt); err != nil {
		return nil, fmt.Errorf("parsing invalidated_at: %w", err)
	}

	return tok, nil
}

// ConsumeReturnToken atomically marks a live token consumed. The WHERE clause
// is the concurrency mechanism: two concurrent resolves of the same token see
// exactly one affected row between them.
func (s *SQLiteStore) ConsumeReturnToken(ctx context.Context, token string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE return_tokens SET consumed_at = ?
		WHERE token = ? AND consumed_at IS NULL AND invalidated_at IS NULL
	`, at.UTC().Format(time.RFC3339), token)
	if err != nil {
		return false, fmt.Errorf("consuming return token: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking consume result: %w", err)
	}
	return n == 1, nil
}
