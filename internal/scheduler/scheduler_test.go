// ABOUTME: Tests for campaign instantiation, tick execution, retry bounds, and skipping
// ABOUTME: Uses a real SQLite store with a scripted transport adapter

package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copp1723/CCL-sub003/internal/ledger"
	"github.com/copp1723/CCL-sub003/internal/store"
	"github.com/copp1723/CCL-sub003/internal/token"
	"github.com/copp1723/CCL-sub003/internal/transport"
)

// scriptAdapter replays a scripted sequence of send outcomes.
type scriptAdapter struct {
	mu     sync.Mutex
	script []error // nil entry = success; exhausted script = success
	calls  int
	msgs   []transport.Message
}

func (a *scriptAdapter) Send(ctx context.Context, msg transport.Message) (*transport.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls++
	a.msgs = append(a.msgs, msg)

	if a.calls <= len(a.script) && a.script[a.calls-1] != nil {
		return nil, a.script[a.calls-1]
	}
	return &transport.Result{ProviderID: "prov-1"}, nil
}

func (a *scriptAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *scriptAdapter) sentMessages() []transport.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]transport.Message(nil), a.msgs...)
}

type fixture struct {
	store   *store.SQLiteStore
	adapter *scriptAdapter
	sched   *Scheduler
}

func setupScheduler(t *testing.T, cfg Config, script ...error) *fixture {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	rec := ledger.NewRecorder(s, nil)
	adapter := &scriptAdapter{script: script}
	resolver := token.NewResolver(s, rec, 0, nil)

	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://apply.example.com"
	}
	return &fixture{
		store:   s,
		adapter: adapter,
		sched:   New(s, adapter, resolver, rec, cfg, nil),
	}
}

func (f *fixture) createVisitor(t *testing.T, id string) {
	t.Helper()
	email := id + "@example.com"
	phone := "+1555000" + id
	require.NoError(t, f.store.CreateVisitor(context.Background(), &store.Visitor{
		ID:        id,
		SessionID: id + "-web",
		EmailHash: id + "-hash",
		Email:     &email,
		Phone:     &phone,
	}))
}

// createSchedule builds a schedule whose steps all use one email template.
func (f *fixture) createSchedule(t *testing.T, id, body string, delays ...time.Duration) {
	t.Helper()
	ctx := context.Background()

	subject := "Finish your application"
	require.NoError(t, f.store.CreateTemplate(ctx, &store.MessageTemplate{
		ID:      id + "-tmpl",
		Name:    "reengage",
		Channel: store.ChannelEmail,
		Subject: &subject,
		Body:    body,
	}))

	steps := make([]*store.ScheduleStep, 0, len(delays))
	for i, d := range delays {
		steps = append(steps, &store.ScheduleStep{
			StepNumber: i + 1,
			TemplateID: id + "-tmpl",
			Delay:      d,
		})
	}
	require.NoError(t, f.store.CreateSchedule(ctx, &store.CampaignSchedule{
		ID:     id,
		Name:   id,
		Active: true,
	}, steps))
}

func (f *fixture) attempt(t *testing.T, scheduleID, targetID string, step int) *store.CampaignAttempt {
	t.Helper()
	attempts, err := f.store.ListAttempts(context.Background(), scheduleID, targetID)
	require.NoError(t, err)
	for _, a := range attempts {
		if a.StepNumber == step {
			return a
		}
	}
	t.Fatalf("no attempt for step %d", step)
	return nil
}

func TestInstantiateCreatesAttemptsAtStepOffsets(t *testing.T) {
	f := setupScheduler(t, Config{})
	ctx := context.Background()
	f.createVisitor(t, "v1")
	f.createSchedule(t, "reengage", "come back", 24*time.Hour, 72*time.Hour, 168*time.Hour)

	trigger := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	attempts, err := f.sched.Instantiate(ctx, "reengage", "v1", trigger, nil)
	require.NoError(t, err)
	require.Len(t, attempts, 3)

	for i, want := range []time.Duration{24 * time.Hour, 72 * time.Hour, 168 * time.Hour} {
		a := f.attempt(t, "reengage", "v1", i+1)
		assert.Equal(t, store.AttemptStatusScheduled, a.Status)
		assert.True(t, a.ScheduledFor.Equal(trigger.Add(want)),
			"step %d scheduled for %v, want %v", i+1, a.ScheduledFor, trigger.Add(want))
	}
}

func TestInstantiateDuplicateRejected(t *testing.T) {
	f := setupScheduler(t, Config{})
	ctx := context.Background()
	f.createVisitor(t, "v1")
	f.createSchedule(t, "reengage", "come back", time.Hour)

	_, err := f.sched.Instantiate(ctx, "reengage", "v1", time.Now(), nil)
	require.NoError(t, err)

	_, err = f.sched.Instantiate(ctx, "reengage", "v1", time.Now(), nil)
	assert.ErrorIs(t, err, ErrDuplicateInstantiation)

	attempts, err := f.store.ListAttempts(ctx, "reengage", "v1")
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestInstantiateAllowedAfterTerminalAttempts(t *testing.T) {
	f := setupScheduler(t, Config{})
	ctx := context.Background()
	f.createVisitor(t, "v1")
	f.createSchedule(t, "reengage", "come back", time.Hour)

	_, err := f.sched.Instantiate(ctx, "reengage", "v1", time.Now(), nil)
	require.NoError(t, err)

	_, err = f.sched.Skip(ctx, "reengage", "v1", "converted")
	require.NoError(t, err)

	_, err = f.sched.Instantiate(ctx, "reengage", "v1", time.Now(), nil)
	assert.NoError(t, err)
}

func TestInstantiateInactiveScheduleRejected(t *testing.T) {
	f := setupScheduler(t, Config{})
	ctx := context.Background()
	f.createVisitor(t, "v1")
	f.createSchedule(t, "reengage", "come back", time.Hour)
	require.NoError(t, f.store.SetScheduleActive(ctx, "reengage", false))

	_, err := f.sched.Instantiate(ctx, "reengage", "v1", time.Now(), nil)
	assert.ErrorIs(t, err, ErrScheduleInactive)
}

func TestTickSendsOnlyDueAttempts(t *testing.T) {
	f := setupScheduler(t, Config{})
	ctx := context.Background()
	f.createVisitor(t, "v1")
	f.createSchedule(t, "reengage", "come back", 24*time.Hour, 72*time.Hour, 168*time.Hour)

	// Trigger 24h1m ago: step 1 just came due, steps 2 and 3 have not.
	trigger := time.Now().UTC().Add(-24*time.Hour - time.Minute)
	_, err := f.sched.Instantiate(ctx, "reengage", "v1", trigger, nil)
	require.NoError(t, err)

	f.sched.Tick(ctx)

	first := f.attempt(t, "reengage", "v1", 1)
	assert.Equal(t, store.AttemptStatusSent, first.Status)
	require.NotNil(t, first.SentAt)
	require.NotNil(t, first.ProviderID)
	assert.Equal(t, "prov-1", *first.ProviderID)

	assert.Equal(t, store.AttemptStatusScheduled, f.attempt(t, "reengage", "v1", 2).Status)
	assert.Equal(t, store.AttemptStatusScheduled, f.attempt(t, "reengage", "v1", 3).Status)
	assert.Equal(t, 1, f.adapter.callCount())
}

func TestTickRendersTemplateWithReturnLink(t *testing.T) {
	f := setupScheduler(t, Config{})
	ctx := context.Background()
	f.createVisitor(t, "v1")
	f.createSchedule(t, "reengage", "Hi {{name}}, pick up here: {{return_url}}", time.Duration(0))

	_, err := f.sched.Instantiate(ctx, "reengage", "v1", time.Now().UTC().Add(-time.Minute),
		map[string]string{"name": "Sam"})
	require.NoError(t, err)

	f.sched.Tick(ctx)

	msgs := f.adapter.sentMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "v1@example.com", msgs[0].Recipient)
	assert.True(t, strings.HasPrefix(msgs[0].Body, "Hi Sam, pick up here: https://apply.example.com/r/"), msgs[0].Body)

	// The send left an outreach row carrying the return token.
	outreach, err := f.store.ListOutreachByVisitor(ctx, "v1", 10)
	require.NoError(t, err)
	require.Len(t, outreach, 1)
	require.NotNil(t, outreach[0].ReturnToken)
	assert.Contains(t, msgs[0].Body, *outreach[0].ReturnToken)

	events, err := f.store.ListActivityEventsByType(ctx, store.EventAttemptSent, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRetryBoundExact(t *testing.T) {
	transient := errors.New("provider 502")
	f := setupScheduler(t, Config{RetryBase: time.Millisecond, MaxAttempts: 3},
		transient, transient, transient, transient)
	ctx := context.Background()
	f.createVisitor(t, "v1")
	f.createSchedule(t, "reengage", "come back", time.Duration(0))

	_, err := f.sched.Instantiate(ctx, "reengage", "v1", time.Now().UTC().Add(-time.Minute), nil)
	require.NoError(t, err)

	// Three ticks with due-time gaps: exactly maxAttempts tries, then terminal.
	for i := 0; i < 5; i++ {
		f.sched.Tick(ctx)
		time.Sleep(10 * time.Millisecond)
	}

	a := f.attempt(t, "reengage", "v1", 1)
	assert.Equal(t, store.AttemptStatusFailed, a.Status)
	assert.Equal(t, 3, a.RetryCount)
	assert.Equal(t, 3, f.adapter.callCount())
	require.NotNil(t, a.LastError)
	assert.Contains(t, *a.LastError, "provider 502")

	events, err := f.store.ListActivityEventsByType(ctx, store.EventAttemptFailed, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestFailFailSucceedEndsSentWithRetryCounterTwo(t *testing.T) {
	transient := errors.New("provider flake")
	f := setupScheduler(t, Config{RetryBase: time.Millisecond, MaxAttempts: 3},
		transient, transient, nil)
	ctx := context.Background()
	f.createVisitor(t, "v1")
	f.createSchedule(t, "reengage", "come back", time.Duration(0))

	_, err := f.sched.Instantiate(ctx, "reengage", "v1", time.Now().UTC().Add(-time.Minute), nil)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		f.sched.Tick(ctx)
		time.Sleep(10 * time.Millisecond)
	}

	a := f.attempt(t, "reengage", "v1", 1)
	assert.Equal(t, store.AttemptStatusSent, a.Status)
	assert.NotNil(t, a.SentAt)
	assert.Equal(t, 2, a.RetryCount)
	assert.Equal(t, 3, f.adapter.callCount())
	assert.Nil(t, a.LastError)
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	permanent := &transport.PermanentError{Err: errors.New("recipient rejected")}
	f := setupScheduler(t, Config{RetryBase: time.Millisecond, MaxAttempts: 3}, permanent)
	ctx := context.Background()
	f.createVisitor(t, "v1")
	f.createSchedule(t, "reengage", "come back", time.Duration(0))

	_, err := f.sched.Instantiate(ctx, "reengage", "v1", time.Now().UTC().Add(-time.Minute), nil)
	require.NoError(t, err)

	f.sched.Tick(ctx)

	a := f.attempt(t, "reengage", "v1", 1)
	assert.Equal(t, store.AttemptStatusFailed, a.Status)
	assert.Equal(t, 1, f.adapter.callCount())
}

func TestTickOneBadRowDoesNotAbortBatch(t *testing.T) {
	f := setupScheduler(t, Config{})
	ctx := context.Background()
	f.createVisitor(t, "v1")
	f.createSchedule(t, "reengage", "come back", time.Duration(0))

	trigger := time.Now().UTC().Add(-time.Minute)
	// "ghost" has no visitor record at all, so its send cannot proceed.
	_, err := f.sched.Instantiate(ctx, "reengage", "ghost", trigger, nil)
	require.NoError(t, err)
	_, err = f.sched.Instantiate(ctx, "reengage", "v1", trigger.Add(time.Second), nil)
	require.NoError(t, err)

	f.sched.Tick(ctx)

	assert.Equal(t, store.AttemptStatusFailed, f.attempt(t, "reengage", "ghost", 1).Status)
	assert.Equal(t, store.AttemptStatusSent, f.attempt(t, "reengage", "v1", 1).Status)
}

func TestSkipMarksScheduledAttempts(t *testing.T) {
	f := setupScheduler(t, Config{})
	ctx := context.Background()
	f.createVisitor(t, "v1")
	f.createSchedule(t, "reengage", "come back", time.Hour, 2*time.Hour)

	_, err := f.sched.Instantiate(ctx, "reengage", "v1", time.Now(), nil)
	require.NoError(t, err)

	n, err := f.sched.Skip(ctx, "reengage", "v1", "visitor converted")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, store.AttemptStatusSkipped, f.attempt(t, "reengage", "v1", 1).Status)
	assert.Equal(t, store.AttemptStatusSkipped, f.attempt(t, "reengage", "v1", 2).Status)

	events, err := f.store.ListActivityEventsByType(ctx, store.EventAttemptSkipped, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
