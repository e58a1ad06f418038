// ABOUTME: Tests for return token issuance and single-use resolution
// ABOUTME: Covers replay, expiry, concurrent resolves, and session resumption

package token

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copp1723/CCL-sub003/internal/ledger"
	"github.com/copp1723/CCL-sub003/internal/store"
)

func setupResolver(t *testing.T, ttl time.Duration) (*Resolver, *store.SQLiteStore) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewResolver(s, ledger.NewRecorder(s, nil), ttl, nil), s
}

func createVisitor(t *testing.T, s *store.SQLiteStore, id string) {
	t.Helper()
	require.NoError(t, s.CreateVisitor(context.Background(), &store.Visitor{
		ID:        id,
		SessionID: id + "-web",
		EmailHash: id + "-hash",
	}))
}

func TestIssueReturnsOpaqueToken(t *testing.T) {
	r, s := setupResolver(t, 0)
	ctx := context.Background()
	createVisitor(t, s, "v-1")

	token, err := r.Issue(ctx, "v-1")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.NotContains(t, token, "+")
	assert.NotContains(t, token, "/")

	tok, err := s.GetReturnToken(ctx, token)
	require.NoError(t, err)
	assert.True(t, tok.Live())
	assert.Equal(t, "v-1", tok.VisitorID)

	events, err := s.ListActivityEventsByType(ctx, store.EventTokenIssued, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestIssueInvalidatesPriorToken(t *testing.T) {
	r, s := setupResolver(t, 0)
	ctx := context.Background()
	createVisitor(t, s, "v-1")

	first, err := r.Issue(ctx, "v-1")
	require.NoError(t, err)
	second, err := r.Issue(ctx, "v-1")
	require.NoError(t, err)

	_, err = r.Resolve(ctx, first)
	assert.ErrorIs(t, err, ErrTokenNotFound)

	res, err := r.Resolve(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "v-1", res.VisitorID)
}

func TestResolveCreatesSessionWhenNoneActive(t *testing.T) {
	r, s := setupResolver(t, 0)
	ctx := context.Background()
	createVisitor(t, s, "v-1")

	token, err := r.Issue(ctx, "v-1")
	require.NoError(t, err)

	res, err := r.Resolve(ctx, token)
	require.NoError(t, err)
	assert.False(t, res.Resumed)
	assert.NotEmpty(t, res.SessionID)

	sess, err := s.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.True(t, sess.Active)
	require.NotNil(t, sess.VisitorID)
	assert.Equal(t, "v-1", *sess.VisitorID)
}

func TestResolveResumesActiveSession(t *testing.T) {
	r, s := setupResolver(t, 0)
	ctx := context.Background()
	createVisitor(t, s, "v-1")

	visitorID := "v-1"
	require.NoError(t, s.CreateSession(ctx, &store.ChatSession{
		ID:        "sess-1",
		VisitorID: &visitorID,
		Active:    true,
	}))

	token, err := r.Issue(ctx, "v-1")
	require.NoError(t, err)

	res, err := r.Resolve(ctx, token)
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, "sess-1", res.SessionID)

	events, err := s.ListActivityEventsByType(ctx, store.EventSessionResumed, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestResolveIsSingleUse(t *testing.T) {
	r, s := setupResolver(t, 0)
	ctx := context.Background()
	createVisitor(t, s, "v-1")

	token, err := r.Issue(ctx, "v-1")
	require.NoError(t, err)

	_, err = r.Resolve(ctx, token)
	require.NoError(t, err)

	_, err = r.Resolve(ctx, token)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestResolveConcurrentSingleWinner(t *testing.T) {
	r, s := setupResolver(t, 0)
	ctx := context.Background()
	createVisitor(t, s, "v-1")

	token, err := r.Issue(ctx, "v-1")
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	wins := make(chan *Resolution, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, err := r.Resolve(ctx, token); err == nil {
				wins <- res
			}
		}()
	}
	wg.Wait()
	close(wins)

	var resolutions []*Resolution
	for res := range wins {
		resolutions = append(resolutions, res)
	}
	require.Len(t, resolutions, 1)
}

func TestResolveExpiredToken(t *testing.T) {
	r, s := setupResolver(t, time.Nanosecond)
	ctx := context.Background()
	createVisitor(t, s, "v-1")

	token, err := r.Issue(ctx, "v-1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = r.Resolve(ctx, token)
	assert.ErrorIs(t, err, ErrTokenExpired)

	// Expiry must not consume the token: with a longer TTL it would resolve.
	tok, err := s.GetReturnToken(ctx, token)
	require.NoError(t, err)
	assert.True(t, tok.Live())
}

func TestResolveUnknownToken(t *testing.T) {
	r, _ := setupResolver(t, 0)

	_, err := r.Resolve(context.Background(), "no-such-token")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestResolveMarksOutreachClicked(t *testing.T) {
	r, s := setupResolver(t, 0)
	ctx := context.Background()
	createVisitor(t, s, "v-1")

	token, err := r.Issue(ctx, "v-1")
	require.NoError(t, err)

	require.NoError(t, s.CreateOutreachAttempt(ctx, &store.OutreachAttempt{
		ID:          "o-1",
		VisitorID:   "v-1",
		Channel:     "email",
		Recipient:   "a@b.c",
		Content:     "come back",
		Status:      store.OutreachStatusSent,
		ReturnToken: &token,
	}))

	_, err = r.Resolve(ctx, token)
	require.NoError(t, err)

	o, err := s.GetOutreachAttempt(ctx, "o-1")
	require.NoError(t, err)
	assert.NotNil(t, o.ClickedAt)
}
