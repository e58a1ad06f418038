// ABOUTME: Tests for activity event ledger and outreach attempt store operations
// ABOUTME: Covers append/list ordering, type filtering, and click/delivery stamps

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SaveActivityEvent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	evt := &ActivityEvent{
		Type:        EventTokenIssued,
		Description: "return token issued",
		Source:      "token-resolver",
		Metadata:    map[string]any{"visitor_id": "v1"},
	}
	require.NoError(t, store.SaveActivityEvent(ctx, evt))
	assert.NotEmpty(t, evt.ID, "ID is generated when unset")

	events, err := store.ListActivityEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventTokenIssued, events[0].Type)
	assert.Equal(t, "token-resolver", events[0].Source)
	assert.Equal(t, "v1", events[0].Metadata["visitor_id"])
}

func TestStore_ListActivityEvents_NewestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, typ := range []string{EventConnectionOpened, EventAttemptSent, EventConnectionClosed} {
		require.NoError(t, store.SaveActivityEvent(ctx, &ActivityEvent{
			Type:        typ,
			Description: typ,
			Source:      "test",
			CreatedAt:   base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	events, err := store.ListActivityEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventConnectionClosed, events[0].Type)
	assert.Equal(t, EventConnectionOpened, events[2].Type)
}

func TestStore_ListActivityEventsByType(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, typ := range []string{EventAttemptSent, EventAttemptFailed, EventAttemptSent} {
		require.NoError(t, store.SaveActivityEvent(ctx, &ActivityEvent{
			Type:        typ,
			Description: typ,
			Source:      "scheduler",
		}))
	}

	events, err := store.ListActivityEventsByType(ctx, EventAttemptSent, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func makeOutreach(id, visitorID, token string) *OutreachAttempt {
	now := time.Now().UTC().Truncate(time.Second)
	return &OutreachAttempt{
		ID:          id,
		VisitorID:   visitorID,
		Channel:     ChannelEmail,
		Recipient:   "sam@example.com",
		Content:     "come on back",
		Status:      OutreachStatusSent,
		SentAt:      &now,
		ReturnToken: strPtr(token),
	}
}

func TestStore_OutreachAttempt_RoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateOutreachAttempt(ctx, makeOutreach("o1", "v1", "tok-1")))

	got, err := store.GetOutreachAttempt(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, ChannelEmail, got.Channel)
	assert.Equal(t, OutreachStatusSent, got.Status)
	require.NotNil(t, got.ReturnToken)
	assert.Equal(t, "tok-1", *got.ReturnToken)
	assert.Nil(t, got.ClickedAt)
}

func TestStore_MarkOutreachClicked(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateOutreachAttempt(ctx, makeOutreach("o1", "v1", "tok-1")))

	clickedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.MarkOutreachClicked(ctx, "tok-1", clickedAt))

	got, err := store.GetOutreachAttempt(ctx, "o1")
	require.NoError(t, err)
	require.NotNil(t, got.ClickedAt)
	assert.Equal(t, clickedAt, got.ClickedAt.UTC())

	// Unknown tokens are tolerated
	require.NoError(t, store.MarkOutreachClicked(ctx, "tok-unknown", clickedAt))
}

func TestStore_MarkOutreachDelivered(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	o := makeOutreach("o1", "v1", "tok-1")
	o.ProviderID = strPtr("prov-9")
	require.NoError(t, store.CreateOutreachAttempt(ctx, o))

	deliveredAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.MarkOutreachDelivered(ctx, "prov-9", deliveredAt))

	got, err := store.GetOutreachAttempt(ctx, "o1")
	require.NoError(t, err)
	require.NotNil(t, got.DeliveredAt)
	assert.Equal(t, deliveredAt, got.DeliveredAt.UTC())
}

func TestStore_ListOutreachByVisitor(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateOutreachAttempt(ctx, makeOutreach("o1", "v1", "tok-1")))
	require.NoError(t, store.CreateOutreachAttempt(ctx, makeOutreach("o2", "v1", "tok-2")))
	require.NoError(t, store.CreateOutreachAttempt(ctx, makeOutreach("o3", "v2", "tok-3")))

	got, err := store.ListOutreachByVisitor(ctx, "v1", 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
