// ABOUTME: CampaignSchedule, ScheduleStep, MessageTemplate and CampaignAttempt store methods
// ABOUTME: Attempt status transitions are single-row compare-and-set, safe across worker processes

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AttemptStatus is the lifecycle state of a campaign attempt
type AttemptStatus string

const (
	AttemptStatusScheduled  AttemptStatus = "scheduled"
	AttemptStatusProcessing AttemptStatus = "processing"
	AttemptStatusSent       AttemptStatus = "sent"
	AttemptStatusFailed     AttemptStatus = "failed"
	AttemptStatusSkipped    AttemptStatus = "skipped"
)

// Terminal reports whether the status admits no further automatic transition
func (st AttemptStatus) Terminal() bool {
	return st == AttemptStatusSent || st == AttemptStatusFailed || st == AttemptStatusSkipped
}

// MessageTemplate is a reusable outreach message body with {{var}} placeholders
type MessageTemplate struct {
	ID      string
	Name    string
	Channel string // "email" or "sms"
	Subject *string
	Body    string
}

// Outreach channels
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// CampaignSchedule is a named, reusable definition of an outreach sequence.
// Immutable once attempts have been generated against it, except the active toggle.
type CampaignSchedule struct {
	ID        string
	Name      string
	Active    bool
	CreatedAt time.Time
}

// ScheduleStep is one ordered entry in a schedule: which template to send and
// how long after the triggering event.
type ScheduleStep struct {
	ScheduleID string
	StepNumber int // ordinal, 1-based
	TemplateID string
	Delay      time.Duration // offset from the triggering event
}

// CampaignAttempt is one concrete scheduled unit of outreach for one
// (schedule, target) pair. Rows are never deleted; they are retained for audit.
type CampaignAttempt struct {
	ID           int64
	ScheduleID   string
	TargetID     string
	StepNumber   int
	TemplateID   string
	ScheduledFor time.Time
	SentAt       *time.Time
	Status       AttemptStatus
	ProviderID   *string
	LastError    *string
	RetryCount   int
	Vars         map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateTemplate inserts a message template
func (s *SQLiteStore) CreateTemplate(ctx context.Context, t *MessageTemplate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_templates (id, name, channel, subject, body)
		VALUES (?, ?, ?, ?, ?)
	`, t.ID, t.Name, t.Channel, t.Subject, t.Body)
	if err != nil {
		return fmt.Errorf("inserting template: %w", err)
	}
	return nil
}

// GetTemplate retrieves a template by ID
func (s *SQLiteStore) GetTemplate(ctx context.Context, id string) (*MessageTemplate, error) {
	t := &MessageTemplate{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, channel, subject, body FROM message_templates WHERE id = ?
	`, id).Scan(&t.ID, &t.Name, &t.Channel, &t.Subject, &t.Body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying template: %w", err)
	}
	return t, nil
}

// CreateSchedule inserts a schedule and its ordered steps in one transaction
func (s *SQLiteStore) CreateSchedule(ctx context.Context, sched *CampaignSchedule, steps []*ScheduleStep) error {
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning schedule insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO campaign_schedules (id, name, active, created_at)
		VALUES (?, ?, ?, ?)
	`, sched.ID, sched.Name, boolToInt(sched.Active), sched.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting schedule: %w", err)
	}

	for _, step := range steps {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO schedule_steps (schedule_id, step_number, template_id, delay_seconds)
			VALUES (?, ?, ?, ?)
		`, sched.ID, step.StepNumber, step.TemplateID, int64(step.Delay.Seconds()))
		if err != nil {
			return fmt.Errorf("inserting schedule step %d: %w", step.StepNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing schedule: %w", err)
	}

	s.logger.Debug("created schedule", "schedule_id", sched.ID, "steps", len(steps))
	return nil
}

// GetSchedule retrieves a schedule and its steps ordered by step number
func (s *SQLiteStore) GetSchedule(ctx context.Context, id string) (*CampaignSchedule, []*ScheduleStep, error) {
	sched := &CampaignSchedule{}
	var active int
	var createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, active, created_at FROM campaign_schedules WHERE id = ?
	`, id).Scan(&sched.ID, &sched.Name, &active, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("querying schedule: %w", err)
	}
	sched.Active = active != 0
	if sched.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, nil, fmt.Errorf("parsing created_at: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT schedule_id, step_number, template_id, delay_seconds
		FROM schedule_steps
		WHERE schedule_id = ?
		ORDER BY step_number ASC
	`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("querying schedule steps: %w", err)
	}
	defer rows.Close()

	var steps []*ScheduleStep
	for rows.Next() {
		step := &ScheduleStep{}
		var delaySeconds int64
		if err := rows.Scan(&step.ScheduleID, &step.StepNumber, &step.TemplateID, &delaySeconds); err != nil {
			return nil, nil, fmt.Errorf("scanning schedule step: %w", err)
		}
		step.Delay = time.Duration(delaySeconds) * time.Second
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterating schedule steps: %w", err)
	}

	return sched, steps, nil
}

// SetScheduleActive toggles a schedule's active flag
func (s *SQLiteStore) SetScheduleActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaign_schedules SET active = ? WHERE id = ?
	`, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("toggling schedule: %w", err)
	}
	return requireRow(res)
}

// InsertAttempts inserts campaign attempts in one transaction, in slice order,
// so attempt IDs follow insertion order for deterministic tie-breaking.
func (s *SQLiteStore) InsertAttempts(ctx context.Context, attempts []*CampaignAttempt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning attempt insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, a := range attempts {
		if a.Status == "" {
			a.Status = AttemptStatusScheduled
		}
		a.CreatedAt = now
		a.UpdatedAt = now

		var varsJSON *string
		if a.Vars != nil {
			data, err := json.Marshal(a.Vars)
			if err != nil {
				return fmt.Errorf("marshaling attempt vars: %w", err)
			}
			str := string(data)
			varsJSON = &str
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO campaign_attempts (
				schedule_id, target_id, step_number, template_id, scheduled_for,
				status, retry_count, vars_json, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			a.ScheduleID,
			a.TargetID,
			a.StepNumber,
			a.TemplateID,
			a.ScheduledFor.UTC().Format(time.RFC3339),
			string(a.Status),
			a.RetryCount,
			varsJSON,
			now.Format(time.RFC3339),
			now.Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("inserting attempt step %d: %w", a.StepNumber, err)
		}
		if a.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("reading attempt id: %w", err)
		}
	}

	return tx.Commit()
}

const attemptColumns = `id, schedule_id, target_id, step_number, template_id, scheduled_for,
       sent_at, status, provider_id, last_error, retry_count, vars_json, created_at, updated_at`

// ListAttempts returns all attempts for a (schedule, target) pair in step order
func (s *SQLiteStore) ListAttempts(ctx context.Context, scheduleID, targetID string) ([]*CampaignAttempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM campaign_attempts
		WHERE schedule_id = ? AND target_id = ?
		ORDER BY step_number ASC
	`
	return s.queryAttempts(ctx, query, scheduleID, targetID)
}

// HasOpenAttempts reports whether any non-terminal attempt exists for the pair
func (s *SQLiteStore) HasOpenAttempts(ctx context.Context, scheduleID, targetID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM campaign_attempts
		WHERE schedule_id = ? AND target_id = ?
		  AND status IN ('scheduled', 'processing')
		LIMIT 1
	`, scheduleID, targetID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking open attempts: %w", err)
	}
	return true, nil
}

// DueAttempts returns scheduled attempts whose due time has passed, oldest
// first, ties broken by ascending id (insertion order).
func (s *SQLiteStore) DueAttempts(ctx context.Context, now time.Time, limit int) ([]*CampaignAttempt, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + attemptColumns + `
		FROM campaign_attempts
		WHERE status = 'scheduled' AND scheduled_for <= ?
		ORDER BY scheduled_for ASC, id ASC
		LIMIT ?
	`
	return s.queryAttempts(ctx, query, now.UTC().Format(time.RFC3339), limit)
}

func (s *SQLiteStore) queryAttempts(ctx context.Context, query string, args ...any) ([]*CampaignAttempt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*CampaignAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating attempts: %w", err)
	}
	return attempts, nil
}

func scanAttempt(rows *sql.Rows) (*CampaignAttempt, error) {
	a := &CampaignAttempt{}
	var scheduledFor, createdAt, updatedAt, status string
	var sentAt, varsJSON sql.NullString

	err := rows.Scan(
		&a.ID,
		&a.ScheduleID,
		&a.TargetID,
		&a.StepNumber,
		&a.TemplateID,
		&scheduledFor,
		&sentAt,
		&status,
		&a.ProviderID,
		&a.LastError,
		&a.RetryCount,
		&varsJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning attempt: %w", err)
	}

	a.Status = AttemptStatus(status)
	if a.ScheduledFor, err = time.Parse(time.RFC3339, scheduledFor); err != nil {
		return nil, fmt.Errorf("parsing scheduled_for: %w", err)
	}
	if a.SentAt, err = parseNullTime(sentAt); err != nil {
		return nil, fmt.Errorf("parsing sent_at: %w", err)
	}
	if a.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if varsJSON.Valid {
		if err := json.Unmarshal([]byte(varsJSON.String), &a.Vars); err != nil {
			return nil, fmt.Errorf("unmarshaling attempt vars: %w", err)
		}
	}

	return a, nil
}

// ClaimAttempt performs the atomic scheduled -> processing transition. The
// status predicate in the WHERE clause is the whole concurrency mechanism:
// when two workers race, exactly one UPDATE reports an affected row.
func (s *SQLiteStore) ClaimAttempt(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaign_attempts
		SET status = 'processing', updated_at = ?
		WHERE id = ? AND status = 'scheduled'
	`, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return false, fmt.Errorf("claiming attempt: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking claim result: %w", err)
	}
	return n == 1, nil
}

// MarkAttemptSent records a successful send: processing -> sent
func (s *SQLiteStore) MarkAttemptSent(ctx context.Context, id int64, sentAt time.Time, providerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaign_attempts
		SET status = 'sent', sent_at = ?, provider_id = ?, last_error = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing'
	`,
		sentAt.UTC().Format(time.RFC3339),
		providerID,
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("marking attempt sent: %w", err)
	}
	return requireRow(res)
}

// RescheduleAttempt records a transient failure and returns the attempt to the
// scheduled state with a backed-off due time: processing -> failed -> scheduled
func (s *SQLiteStore) RescheduleAttempt(ctx context.Context, id int64, nextAt time.Time, sendErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaign_attempts
		SET status = 'scheduled', scheduled_for = ?, last_error = ?,
		    retry_count = retry_count + 1, updated_at = ?
		WHERE id = ? AND status = 'processing'
	`,
		nextAt.UTC().Format(time.RFC3339),
		sendErr,
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("rescheduling attempt: %w", err)
	}
	return requireRow(res)
}

// MarkAttemptFailed records a terminal failure: processing -> failed
func (s *SQLiteStore) MarkAttemptFailed(ctx context.Context, id int64, sendErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaign_attempts
		SET status = 'failed', last_error = ?, retry_count = retry_count + 1, updated_at = ?
		WHERE id = ? AND status = 'processing'
	`, sendErr, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("marking attempt failed: %w", err)
	}
	return requireRow(res)
}

// SkipScheduledAttempts moves every still-scheduled attempt for the pair to
// skipped, returning how many rows moved. Used when the target converts and
// the remaining sequence is no longer needed.
func (s *SQLiteStore) SkipScheduledAttempts(ctx context.Context, scheduleID, targetID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaign_attempts
		SET status = 'skipped', updated_at = ?
		WHERE schedule_id = ? AND target_id = ? AND status = 'scheduled'
	`, time.Now().UTC().Format(time.RFC3339), scheduleID, targetID)
	if err != nil {
		return 0, fmt.Errorf("skipping attempts: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting skipped attempts: %w", err)
	}
	return int(n), nil
}
