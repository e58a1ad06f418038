// ABOUTME: Store interfaces and sentinel errors for orchestration persistence
// ABOUTME: Splits visitor, session, campaign, token and ledger concerns into focused interfaces

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateVisitor is returned when a visitor with the same email hash already exists
var ErrDuplicateVisitor = errors.New("visitor already exists")

// VisitorStore defines operations on visitor records
type VisitorStore interface {
	CreateVisitor(ctx context.Context, v *Visitor) error
	GetVisitor(ctx context.Context, id string) (*Visitor, error)
	GetVisitorByEmailHash(ctx context.Context, emailHash string) (*Visitor, error)
	TouchVisitorActivity(ctx context.Context, id string, at time.Time) error
	MarkVisitorAbandoned(ctx context.Context, id string, step int) error
	ArchiveVisitorsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// SessionStore defines operations on chat sessions and their message log
type SessionStore interface {
	CreateSession(ctx context.Context, sess *ChatSession) error
	GetSession(ctx context.Context, id string) (*ChatSession, error)
	GetActiveSessionForVisitor(ctx context.Context, visitorID string) (*ChatSession, error)
	ActivateSession(ctx context.Context, id string) error
	DeactivateSession(ctx context.Context, id string) error
	BindSessionVisitor(ctx context.Context, sessionID, visitorID string) error
	SaveSessionMessage(ctx context.Context, msg *SessionMessage) error
	ListSessionMessages(ctx context.Context, sessionID string, limit int) ([]*SessionMessage, error)
}

// CampaignStore defines operations on schedules, templates and campaign attempts.
// Attempt status transitions go through the CAS-style methods below; callers
// never update the status column directly.
type CampaignStore interface {
	CreateTemplate(ctx context.Context, t *MessageTemplate) error
	GetTemplate(ctx context.Context, id string) (*MessageTemplate, error)

	CreateSchedule(ctx context.Context, sched *CampaignSchedule, steps []*ScheduleStep) error
	GetSchedule(ctx context.Context, id string) (*CampaignSchedule, []*ScheduleStep, error)
	SetScheduleActive(ctx context.Context, id string, active bool) error

	InsertAttempts(ctx context.Context, attempts []*CampaignAttempt) error
	ListAttempts(ctx context.Context, scheduleID, targetID string) ([]*CampaignAttempt, error)
	HasOpenAttempts(ctx context.Context, scheduleID, targetID string) (bool, error)
	DueAttempts(ctx context.Context, now time.Time, limit int) ([]*CampaignAttempt, error)

	// ClaimAttempt performs the atomic scheduled -> processing transition.
	// Returns false when another worker already won the row.
	ClaimAttempt(ctx context.Context, id int64) (bool, error)
	MarkAttemptSent(ctx context.Context, id int64, sentAt time.Time, providerID string) error
	RescheduleAttempt(ctx context.Context, id int64, nextAt time.Time, sendErr string) error
	MarkAttemptFailed(ctx context.Context, id int64, sendErr string) error
	SkipScheduledAttempts(ctx context.Context, scheduleID, targetID string) (int, error)
}

// OutreachStore defines operations on per-send outreach records
type OutreachStore interface {
	CreateOutreachAttempt(ctx context.Context, o *OutreachAttempt) error
	GetOutreachAttempt(ctx context.Context, id string) (*OutreachAttempt, error)
	ListOutreachByVisitor(ctx context.Context, visitorID string, limit int) ([]*OutreachAttempt, error)
	MarkOutreachDelivered(ctx context.Context, providerID string, at time.Time) error
	MarkOutreachClicked(ctx context.Context, returnToken string, at time.Time) error
}

// TokenStore defines operations on single-use return tokens
type TokenStore interface {
	// InsertReturnToken persists a new token, invalidating any prior
	// unconsumed token for the same visitor in the same transaction.
	InsertReturnToken(ctx context.Context, tok *ReturnToken) error
	GetReturnToken(ctx context.Context, token string) (*ReturnToken, error)

	// ConsumeReturnToken atomically marks a live token consumed.
	// Returns false when the token is already consumed or invalidated.
	ConsumeReturnToken(ctx context.Context, token string, at time.Time) (bool, error)
}

// LedgerStore defines the append-only activity event log
type LedgerStore interface {
	SaveActivityEvent(ctx context.Context, evt *ActivityEvent) error
	ListActivityEvents(ctx context.Context, limit int) ([]*ActivityEvent, error)
	ListActivityEventsByType(ctx context.Context, eventType string, limit int) ([]*ActivityEvent, error)
}

// Store combines all persistence concerns. SQLiteStore implements every
// interface in a single struct so components depend only on the slice they use.
type Store interface {
	VisitorStore
	SessionStore
	CampaignStore
	OutreachStore
	TokenStore
	LedgerStore

	Close() error
}
