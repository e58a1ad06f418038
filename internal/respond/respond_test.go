// ABOUTME: Tests for the HTTP reply producer and its fallback behavior
// ABOUTME: A dead responder must yield the fallback reply, not an error

package respond

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copp1723/CCL-sub003/internal/store"
)

func TestGenerateSendsTranscriptAndReturnsReply(t *testing.T) {
	var captured generateRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		_, _ = w.Write([]byte(`{"content":"Happy to help with your application."}`))
	}))
	defer srv.Close()

	p := NewHTTPProducer(srv.URL, "", "", nil)
	history := []*store.SessionMessage{
		{Role: store.RoleVisitor, Content: "hi"},
		{Role: store.RoleAgent, Content: "hello, how can I help?"},
	}

	reply, err := p.Generate(context.Background(), history, "what rate can I get?")
	require.NoError(t, err)
	assert.Equal(t, "Happy to help with your application.", reply)

	require.Len(t, captured.Messages, 3)
	assert.Equal(t, store.RoleVisitor, captured.Messages[0].Role)
	assert.Equal(t, "what rate can I get?", captured.Messages[2].Content)
}

func TestGenerateFallsBackOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewHTTPProducer(srv.URL, "", "be right back", nil)
	reply, err := p.Generate(context.Background(), nil, "hello?")
	require.NoError(t, err)
	assert.Equal(t, "be right back", reply)
}

func TestGenerateFallsBackWhenUnconfigured(t *testing.T) {
	p := NewHTTPProducer("", "", "", nil)
	reply, err := p.Generate(context.Background(), nil, "hello?")
	require.NoError(t, err)
	assert.Equal(t, DefaultFallback, reply)
}

func TestGenerateHonorsCanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content":"ok"}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewHTTPProducer(srv.URL, "", "", nil)
	_, err := p.Generate(ctx, nil, "hello?")
	assert.ErrorIs(t, err, context.Canceled)
}
