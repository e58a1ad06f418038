// ABOUTME: OutreachAttempt entity and store methods for per-send channel records
// ABOUTME: Tracks delivery and click timestamps separately from the campaign attempt status

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Outreach send statuses
const (
	OutreachStatusSent   = "sent"
	OutreachStatusFailed = "failed"
)

// OutreachAttempt is one concrete send over one channel. A campaign attempt
// produces one of these per transport invocation. Delivery and click
// timestamps arrive later and never affect the campaign attempt's status.
type OutreachAttempt struct {
	ID          string
	VisitorID   string
	AttemptID   *int64 // owning campaign attempt, when applicable
	Channel     string // "email" or "sms"
	Recipient   string
	Content     string
	ProviderID  *string
	Status      string
	SentAt      *time.Time
	DeliveredAt *time.Time
	ClickedAt   *time.Time
	ReturnToken *string
	Error       *string
	Retry       int // which retry of the campaign attempt produced this send
	CreatedAt   time.Time
}

// CreateOutreachAttempt inserts a per-send outreach record
func (s *SQLiteStore) CreateOutreachAttempt(ctx context.Context, o *OutreachAttempt) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO outreach_attempts (
			id, visitor_id, attempt_id, channel, recipient, content, provider_id,
			status, sent_at, delivered_at, clicked_at, return_token, error, retry, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		o.ID,
		o.VisitorID,
		o.AttemptID,
		o.Channel,
		o.Recipient,
		o.Content,
		o.ProviderID,
		o.Status,
		nullTime(o.SentAt),
		nullTime(o.DeliveredAt),
		nullTime(o.ClickedAt),
		o.ReturnToken,
		o.Error,
		o.Retry,
		o.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting outreach attempt: %w", err)
	}

	s.logger.Debug("created outreach attempt",
		"outreach_id", o.ID,
		"visitor_id", o.VisitorID,
		"channel", o.Channel,
		"status", o.Status,
	)
	return nil
}

const outreachColumns = `id, visitor_id, attempt_id, channel, recipient, content, provider_id,
       status, sent_at, delivered_at, clicked_at, return_token, error, retry, created_at`

// GetOutreachAttempt retrieves an outreach record by ID
func (s *SQLiteStore) GetOutreachAttempt(ctx context.Context, id string) (*OutreachAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+outreachColumns+` FROM outreach_attempts WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("querying outreach attempt: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("querying outreach attempt: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanOutreach(rows)
}

// ListOutreachByVisitor returns a visitor's outreach history, newest first
func (s *SQLiteStore) ListOutreachByVisitor(ctx context.Context, visitorID string, limit int) ([]*OutreachAttempt, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outreachColumns+`
		FROM outreach_attempts
		WHERE visitor_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, visitorID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying outreach attempts: %w", err)
	}
	defer rows.Close()

	var out []*OutreachAttempt
	for rows.Next() {
		o, err := scanOutreach(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outreach attempts: %w", err)
	}
	return out, nil
}

func scanOutreach(rows *sql.Rows) (*OutreachAttempt, error) {
	o := &OutreachAttempt{}
	var createdAt string
	var sentAt, deliveredAt, clickedAt sql.NullString

	err := rows.Scan(
		&o.ID,
		&o.VisitorID,
		&o.AttemptID,
		&o.Channel,
		&o.Recipient,
		&o.Content,
		&o.ProviderID,
		&o.Status,
		&sentAt,
		&deliveredAt,
		&clickedAt,
		&o.ReturnToken,
		&o.Error,
		&o.Retry,
		&createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning outreach attempt: %w", err)
	}

	if o.SentAt, err = parseNullTime(sentAt); err != nil {
		return nil, fmt.Errorf("parsing sent_at: %w", err)
	}
	if o.DeliveredAt, err = parseNullTime(deliveredAt); err != nil {
		return nil, fmt.Errorf("parsing delivered_at: %w", err)
	}
	if o.ClickedAt, err = parseNullTime(clickedAt); err != nil {
		return nil, fmt.Errorf("parsing clicked_at: %w", err)
	}
	if o.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return o, nil
}

// MarkOutreachDelivered stamps the delivery time on the send with the given
// provider message id. A missing row is not an error; delivery callbacks can
// outlive their records.
func (s *SQLiteStore) MarkOutreachDelivered(ctx context.Context, providerID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outreach_attempts SET delivered_at = ?
		WHERE provider_id = ? AND delivered_at IS NULL
	`, at.UTC().Format(time.RFC3339), providerID)
	if err != nil {
		return fmt.Errorf("marking outreach delivered: %w", err)
	}
	return nil
}

// MarkOutreachClicked stamps the click time on the send that carried the
// return token. Missing rows are tolerated for the same reason as delivery.
func (s *SQLiteStore) MarkOutreachClicked(ctx context.Context, returnToken string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outreach_attempts SET clicked_at = ?
		WHERE return_token = ? AND clicked_at IS NULL
	`, at.UTC().Format(time.RFC3339), returnToken)
	if err != nil {
		return fmt.Errorf("marking outreach clicked: %w", err)
	}
	return nil
}
