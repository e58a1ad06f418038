// ABOUTME: Tests for the gateway HTTP surface: health, return-link resolution, websocket
// ABOUTME: Uses a real SQLite store, a scripted response producer and httptest servers

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copp1723/CCL-sub003/internal/auth"
	"github.com/copp1723/CCL-sub003/internal/channel"
	"github.com/copp1723/CCL-sub003/internal/config"
	"github.com/copp1723/CCL-sub003/internal/ledger"
	"github.com/copp1723/CCL-sub003/internal/store"
	"github.com/copp1723/CCL-sub003/internal/token"
)

const testSecret = "gateway-test-secret"

// fakeProducer answers every Generate call with a canned reply.
type fakeProducer struct {
	mu      sync.Mutex
	reply   string
	calls   int
	lastMsg string
}

func (f *fakeProducer) Generate(ctx context.Context, history []*store.SessionMessage, message string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastMsg = message
	return f.reply, nil
}

type fixture struct {
	gw       *Gateway
	store    *store.SQLiteStore
	server   *httptest.Server
	producer *fakeProducer
	resolver *token.Resolver
	sessions *auth.SessionTokens
}

func setupGateway(t *testing.T) *fixture {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "gateway.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Server.BaseURL = "https://apply.example.com"
	cfg.Database.Path = dbPath
	cfg.Channel.HandshakeTimeout = config.DefaultHandshakeTimeout
	cfg.Channel.HeartbeatInterval = config.DefaultHeartbeatInterval
	cfg.Channel.TypingIdle = config.DefaultTypingIdle

	recorder := ledger.NewRecorder(s, nil)
	resolver := token.NewResolver(s, recorder, 0, nil)
	sessions := auth.NewSessionTokens([]byte(testSecret), 0)
	producer := &fakeProducer{reply: "How can I help with your application?"}

	gw := newGateway(cfg, s, recorder, resolver, sessions, producer, slog.Default())
	srv := httptest.NewServer(gw.Handler())

	t.Cleanup(func() {
		srv.Close()
		gw.manager.Stop()
		_ = s.Close()
	})

	return &fixture{gw: gw, store: s, server: srv, producer: producer, resolver: resolver, sessions: sessions}
}

func createVisitor(t *testing.T, s *store.SQLiteStore, id string) {
	t.Helper()
	require.NoError(t, s.CreateVisitor(context.Background(), &store.Visitor{
		ID:        id,
		SessionID: id + "-web",
		EmailHash: id + "-hash",
	}))
}

// wsURL converts the fixture server URL into a websocket endpoint.
func (f *fixture) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) *channel.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var f channel.Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return &f
}

func writeFrame(t *testing.T, ws *websocket.Conn, typ string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(&channel.Frame{Type: typ, Payload: raw})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func TestHealthz(t *testing.T) {
	f := setupGateway(t)

	resp, err := http.Get(f.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestResolveUnknownToken(t *testing.T) {
	f := setupGateway(t)

	resp, err := http.Get(f.server.URL + "/r/no-such-token")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "link invalid", body.Error)
}

func TestResolveExpiredToken(t *testing.T) {
	f := setupGateway(t)
	ctx := context.Background()
	createVisitor(t, f.store, "v-1")

	shortLived := token.NewResolver(f.store, ledger.NewRecorder(f.store, nil), time.Millisecond, nil)
	tok, err := shortLived.Issue(ctx, "v-1")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	resp, err := http.Get(f.server.URL + "/r/" + tok)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusGone, resp.StatusCode)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "link expired", body.Error)
}

func TestResolveIssuesVerifiableSessionToken(t *testing.T) {
	f := setupGateway(t)
	ctx := context.Background()
	createVisitor(t, f.store, "v-1")

	tok, err := f.resolver.Issue(ctx, "v-1")
	require.NoError(t, err)

	resp, err := http.Get(f.server.URL + "/r/" + tok)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body ResolveResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "v-1", body.VisitorID)
	assert.NotEmpty(t, body.SessionID)
	require.NotEmpty(t, body.SessionToken)

	claims, err := f.sessions.Verify(body.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, body.SessionID, claims.SessionID)
	assert.Equal(t, "v-1", claims.VisitorID)
}

func TestResolveIsSingleUse(t *testing.T) {
	f := setupGateway(t)
	ctx := context.Background()
	createVisitor(t, f.store, "v-1")

	tok, err := f.resolver.Issue(ctx, "v-1")
	require.NoError(t, err)

	first, err := http.Get(f.server.URL + "/r/" + tok)
	require.NoError(t, err)
	first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	second, err := http.Get(f.server.URL + "/r/" + tok)
	require.NoError(t, err)
	second.Body.Close()
	assert.Equal(t, http.StatusNotFound, second.StatusCode)
}

func TestWebsocketChatRoundTrip(t *testing.T) {
	f := setupGateway(t)
	ctx := context.Background()

	ws := dialWS(t, f.wsURL(""))

	greeting := readFrame(t, ws)
	require.Equal(t, channel.FrameSystem, greeting.Type)
	var hello map[string]string
	require.NoError(t, json.Unmarshal(greeting.Payload, &hello))
	sessionID := hello["session_id"]
	require.NotEmpty(t, sessionID)

	writeFrame(t, ws, channel.FrameChat, channel.MessagePayload{Role: store.RoleVisitor, Content: "is my application still open?"})

	start := readFrame(t, ws)
	require.Equal(t, channel.FrameTyping, start.Type)
	var typing channel.TypingPayload
	require.NoError(t, json.Unmarshal(start.Payload, &typing))
	assert.True(t, typing.IsTyping)

	stop := readFrame(t, ws)
	require.Equal(t, channel.FrameTyping, stop.Type)
	require.NoError(t, json.Unmarshal(stop.Payload, &typing))
	assert.False(t, typing.IsTyping)

	reply := readFrame(t, ws)
	require.Equal(t, channel.FrameMessage, reply.Type)
	var msg channel.MessagePayload
	require.NoError(t, json.Unmarshal(reply.Payload, &msg))
	assert.Equal(t, store.RoleAgent, msg.Role)
	assert.Equal(t, f.producer.reply, msg.Content)

	// Both sides of the exchange land in the session log.
	msgs, err := f.store.ListSessionMessages(ctx, sessionID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleVisitor, msgs[0].Role)
	assert.Equal(t, "is my application still open?", msgs[0].Content)
	assert.Equal(t, store.RoleAgent, msgs[1].Role)
}

func TestWebsocketReattachesResolvedSession(t *testing.T) {
	f := setupGateway(t)
	ctx := context.Background()
	createVisitor(t, f.store, "v-1")

	tok, err := f.resolver.Issue(ctx, "v-1")
	require.NoError(t, err)
	resp, err := http.Get(f.server.URL + "/r/" + tok)
	require.NoError(t, err)
	var body ResolveResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()

	ws := dialWS(t, f.wsURL("token="+body.SessionToken))

	greeting := readFrame(t, ws)
	require.Equal(t, channel.FrameSystem, greeting.Type)
	var hello map[string]string
	require.NoError(t, json.Unmarshal(greeting.Payload, &hello))
	assert.Equal(t, body.SessionID, hello["session_id"])

	sess, err := f.store.GetSession(ctx, body.SessionID)
	require.NoError(t, err)
	assert.True(t, sess.Active)
	require.NotNil(t, sess.VisitorID)
	assert.Equal(t, "v-1", *sess.VisitorID)
}

func TestWebsocketInBandReattach(t *testing.T) {
	f := setupGateway(t)
	ctx := context.Background()
	createVisitor(t, f.store, "v-1")

	st, err := f.sessions.Issue(auth.SessionClaims{SessionID: "ignored", VisitorID: "v-1"})
	require.NoError(t, err)

	ws := dialWS(t, f.wsURL(""))

	greeting := readFrame(t, ws)
	var hello map[string]string
	require.NoError(t, json.Unmarshal(greeting.Payload, &hello))
	sessionID := hello["session_id"]

	writeFrame(t, ws, channel.FrameReturnToken, map[string]string{"token": st})

	resumed := readFrame(t, ws)
	require.Equal(t, channel.FrameSystem, resumed.Type)
	var status map[string]string
	require.NoError(t, json.Unmarshal(resumed.Payload, &status))
	assert.Equal(t, "resumed", status["status"])
	assert.Equal(t, "v-1", status["visitor_id"])

	sess, err := f.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.NotNil(t, sess.VisitorID)
	assert.Equal(t, "v-1", *sess.VisitorID)
}

func TestWebsocketRejectsInvalidSessionToken(t *testing.T) {
	f := setupGateway(t)

	ws, resp, err := websocket.DefaultDialer.Dial(f.wsURL("token=garbage"), nil)
	require.Error(t, err)
	require.Nil(t, ws)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebsocketMalformedReturnTokenFrame(t *testing.T) {
	f := setupGateway(t)

	ws := dialWS(t, f.wsURL(""))
	readFrame(t, ws) // greeting

	writeFrame(t, ws, channel.FrameReturnToken, map[string]string{})

	errFrame := readFrame(t, ws)
	require.Equal(t, channel.FrameError, errFrame.Type)
	var payload channel.ErrorPayload
	require.NoError(t, json.Unmarshal(errFrame.Payload, &payload))
	assert.Contains(t, payload.Message, "malformed")
}
