// ABOUTME: Outreach scheduler: instantiates campaign schedules and executes due attempts
// ABOUTME: The scheduled->processing compare-and-set is the sole concurrency mechanism, safe across workers

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/copp1723/CCL-sub003/internal/ledger"
	"github.com/copp1723/CCL-sub003/internal/store"
	"github.com/copp1723/CCL-sub003/internal/transport"
)

// Scheduler errors
var (
	ErrDuplicateInstantiation = errors.New("non-terminal attempts already exist for this schedule and target")
	ErrScheduleInactive       = errors.New("schedule is not active")
)

// Defaults, overridable via Config.
const (
	DefaultRetryBase   = time.Minute
	DefaultMaxAttempts = 3
	DefaultBatchLimit  = 100
)

// Store is the slice of persistence the scheduler needs.
type Store interface {
	store.CampaignStore
	store.OutreachStore
	store.VisitorStore
}

// TokenIssuer mints return tokens embedded in outreach messages.
// *token.Resolver satisfies it.
type TokenIssuer interface {
	Issue(ctx context.Context, visitorID string) (string, error)
}

// Config tunes the scheduler. Zero values take the defaults above.
type Config struct {
	RetryBase   time.Duration // backoff base for transient failures
	MaxAttempts int           // total tries per attempt before terminal failure
	BatchLimit  int           // max due rows per tick
	BaseURL     string        // public base for return links, e.g. https://apply.example.com
}

func (c *Config) applyDefaults() {
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = DefaultBatchLimit
	}
}

// Scheduler converts campaign schedules into durable attempt rows and executes
// each due attempt exactly once. It may run in-process with the gateway or in
// a separate worker against the same store; the per-row CAS makes overlapping
// ticks safe without a distributed lock.
type Scheduler struct {
	store     Store
	transport transport.Adapter
	tokens    TokenIssuer
	ledger    *ledger.Recorder
	cfg       Config
	logger    *slog.Logger
}

// New creates a Scheduler.
func New(s Store, adapter transport.Adapter, tokens TokenIssuer, rec *ledger.Recorder, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     s,
		transport: adapter,
		tokens:    tokens,
		ledger:    rec,
		cfg:       cfg,
		logger:    logger.With("component", "scheduler"),
	}
}

// Instantiate materializes a schedule against a target: one scheduled attempt
// per step, due at triggerAt plus the step's delay. Fails with
// ErrDuplicateInstantiation when non-terminal attempts already exist for the
// pair, so re-detecting the same abandonment never double-books a visitor.
func (s *Scheduler) Instantiate(ctx context.Context, scheduleID, targetID string, triggerAt time.Time, vars map[string]string) ([]*store.CampaignAttempt, error) {
	sched, steps, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("loading schedule: %w", err)
	}
	if !sched.Active {
		return nil, ErrScheduleInactive
	}

	open, err := s.store.HasOpenAttempts(ctx, scheduleID, targetID)
	if err != nil {
		return nil, fmt.Errorf("checking open attempts: %w", err)
	}
	if open {
		return nil, ErrDuplicateInstantiation
	}

	attempts := make([]*store.CampaignAttempt, 0, len(steps))
	for _, step := range steps {
		attempts = append(attempts, &store.CampaignAttempt{
			ScheduleID:   scheduleID,
			TargetID:     targetID,
			StepNumber:   step.StepNumber,
			TemplateID:   step.TemplateID,
			ScheduledFor: triggerAt.Add(step.Delay),
			Status:       store.AttemptStatusScheduled,
			Vars:         vars,
		})
	}

	if err := s.store.InsertAttempts(ctx, attempts); err != nil {
		return nil, fmt.Errorf("inserting attempts: %w", err)
	}

	s.logger.Info("schedule instantiated",
		"schedule_id", scheduleID,
		"target_id", targetID,
		"attempts", len(attempts),
	)
	return attempts, nil
}

// Tick executes every due attempt once. Each row is claimed with a CAS; a
// loser skips the row. Failures land in the attempt's own state machine and
// never abort the rest of the batch.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()

	due, err := s.store.DueAttempts(ctx, now, s.cfg.BatchLimit)
	if err != nil {
		s.logger.Error("listing due attempts", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	s.logger.Debug("processing due attempts", "count", len(due))

	for _, attempt := range due {
		won, err := s.store.ClaimAttempt(ctx, attempt.ID)
		if err != nil {
			s.logger.Error("claiming attempt", "attempt_id", attempt.ID, "error", err)
			continue
		}
		if !won {
			continue
		}
		s.execute(ctx, attempt)
	}
}

// Skip moves every still-scheduled attempt for the pair to skipped, used when
// the visitor converts and the remaining sequence is pointless.
func (s *Scheduler) Skip(ctx context.Context, scheduleID, targetID, reason string) (int, error) {
	n, err := s.store.SkipScheduledAttempts(ctx, scheduleID, targetID)
	if err != nil {
		return 0, fmt.Errorf("skipping attempts: %w", err)
	}

	if n > 0 {
		s.ledger.Record(ctx, store.EventAttemptSkipped, "outreach attempts skipped", "scheduler",
			map[string]any{
				"schedule_id": scheduleID,
				"target_id":   targetID,
				"count":       n,
				"reason":      reason,
			})
		s.logger.Info("attempts skipped",
			"schedule_id", scheduleID, "target_id", targetID, "count", n, "reason", reason)
	}
	return n, nil
}

// execute sends one claimed attempt.
func (s *Scheduler) execute(ctx context.Context, attempt *store.CampaignAttempt) {
	tmpl, err := s.store.GetTemplate(ctx, attempt.TemplateID)
	if err != nil {
		s.fail(ctx, attempt, fmt.Errorf("loading template: %w", err), errors.Is(err, store.ErrNotFound))
		return
	}

	visitor, err := s.store.GetVisitor(ctx, attempt.TargetID)
	if err != nil {
		s.fail(ctx, attempt, fmt.Errorf("loading visitor: %w", err), errors.Is(err, store.ErrNotFound))
		return
	}

	recipient, err := recipientFor(tmpl.Channel, visitor)
	if err != nil {
		s.fail(ctx, attempt, err, true)
		return
	}

	returnToken, err := s.tokens.Issue(ctx, visitor.ID)
	if err != nil {
		s.fail(ctx, attempt, fmt.Errorf("issuing return token: %w", err), false)
		return
	}

	vars := mergeVars(s.builtinVars(visitor, returnToken), attempt.Vars)
	msg := transport.Message{
		Channel:   tmpl.Channel,
		Recipient: recipient,
		Body:      renderTemplate(tmpl.Body, vars),
	}
	if tmpl.Subject != nil {
		msg.Subject = renderTemplate(*tmpl.Subject, vars)
	}

	result, err := s.transport.Send(ctx, msg)
	if err != nil {
		s.recordOutreach(ctx, attempt, msg, nil, "", returnToken, err)
		s.fail(ctx, attempt, err, transport.IsPermanent(err))
		return
	}

	now := time.Now().UTC()
	if err := s.store.MarkAttemptSent(ctx, attempt.ID, now, result.ProviderID); err != nil {
		s.logger.Error("marking attempt sent", "attempt_id", attempt.ID, "error", err)
		return
	}

	s.recordOutreach(ctx, attempt, msg, &now, result.ProviderID, returnToken, nil)
	s.ledger.Record(ctx, store.EventAttemptSent, "outreach attempt sent", "scheduler",
		map[string]any{
			"attempt_id":  attempt.ID,
			"schedule_id": attempt.ScheduleID,
			"target_id":   attempt.TargetID,
			"step":        attempt.StepNumber,
			"channel":     tmpl.Channel,
			"provider_id": result.ProviderID,
		})

	s.logger.Info("attempt sent",
		"attempt_id", attempt.ID,
		"target_id", attempt.TargetID,
		"step", attempt.StepNumber,
		"channel", tmpl.Channel,
	)
}

// fail routes one attempt failure: transient failures below the retry bound go
// back to scheduled with a backed-off due time, everything else is terminal.
func (s *Scheduler) fail(ctx context.Context, attempt *store.CampaignAttempt, sendErr error, permanent bool) {
	tries := attempt.RetryCount + 1 // this execution included

	if !permanent && tries < s.cfg.MaxAttempts {
		delay := s.cfg.RetryBase * (1 << attempt.RetryCount)
		nextAt := time.Now().UTC().Add(delay)

		if err := s.store.RescheduleAttempt(ctx, attempt.ID, nextAt, sendErr.Error()); err != nil {
			s.logger.Error("rescheduling attempt", "attempt_id", attempt.ID, "error", err)
			return
		}
		s.logger.Warn("attempt failed, retrying",
			"attempt_id", attempt.ID,
			"try", tries,
			"max_attempts", s.cfg.MaxAttempts,
			"next_at", nextAt.Format(time.RFC3339),
			"error", sendErr,
		)
		return
	}

	if err := s.store.MarkAttemptFailed(ctx, attempt.ID, sendErr.Error()); err != nil {
		s.logger.Error("marking attempt failed", "attempt_id", attempt.ID, "error", err)
		return
	}

	s.ledger.Record(ctx, store.EventAttemptFailed, "outreach attempt failed terminally", "scheduler",
		map[string]any{
			"attempt_id":  attempt.ID,
			"schedule_id": attempt.ScheduleID,
			"target_id":   attempt.TargetID,
			"step":        attempt.StepNumber,
			"tries":       tries,
			"permanent":   permanent,
			"error":       sendErr.Error(),
		})

	s.logger.Error("attempt failed terminally",
		"attempt_id", attempt.ID,
		"target_id", attempt.TargetID,
		"tries", tries,
		"permanent", permanent,
		"error", sendErr,
	)
}

// recordOutreach writes the per-send audit row. Best effort.
func (s *Scheduler) recordOutreach(ctx context.Context, attempt *store.CampaignAttempt, msg transport.Message, sentAt *time.Time, providerID, returnToken string, sendErr error) {
	o := &store.OutreachAttempt{
		ID:        uuid.New().String(),
		VisitorID: attempt.TargetID,
		AttemptID: &attempt.ID,
		Channel:   msg.Channel,
		Recipient: msg.Recipient,
		Content:   msg.Body,
		Status:    store.OutreachStatusSent,
		SentAt:    sentAt,
		Retry:     attempt.RetryCount,
	}
	if providerID != "" {
		o.ProviderID = &providerID
	}
	if returnToken != "" {
		o.ReturnToken = &returnToken
	}
	if sendErr != nil {
		o.Status = store.OutreachStatusFailed
		errMsg := sendErr.Error()
		o.Error = &errMsg
	}

	if err := s.store.CreateOutreachAttempt(ctx, o); err != nil {
		s.logger.Warn("recording outreach attempt", "attempt_id", attempt.ID, "error", err)
	}
}

func (s *Scheduler) builtinVars(visitor *store.Visitor, returnToken string) map[string]string {
	vars := map[string]string{
		"return_url": s.cfg.BaseURL + "/r/" + returnToken,
	}
	if visitor.Email != nil {
		vars["email"] = *visitor.Email
	}
	if visitor.Phone != nil {
		vars["phone"] = *visitor.Phone
	}
	return vars
}

func recipientFor(channel string, visitor *store.Visitor) (string, error) {
	switch channel {
	case store.ChannelEmail:
		if visitor.Email == nil || *visitor.Email == "" {
			return "", fmt.Errorf("visitor %s has no email address", visitor.ID)
		}
		return *visitor.Email, nil
	case store.ChannelSMS:
		if visitor.Phone == nil || *visitor.Phone == "" {
			return "", fmt.Errorf("visitor %s has no phone number", visitor.ID)
		}
		return *visitor.Phone, nil
	default:
		return "", fmt.Errorf("unknown template channel %q", channel)
	}
}
