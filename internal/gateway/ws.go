// ABOUTME: Websocket endpoint binding visitor chat sessions to live channels
// ABOUTME: Routes chat frames through the response producer and persists both sides

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/copp1723/CCL-sub003/internal/channel"
	"github.com/copp1723/CCL-sub003/internal/store"
)

// handleWS upgrades GET /ws to a duplex channel. A visitor returning through
// a resolved link presents the session token from /r/{token} as a ?token=
// query parameter to reattach the same session; without one a fresh anonymous
// session is created.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID, visitorID, err := g.wsSession(r.Context(), r)
	if err != nil {
		g.logger.Warn("rejecting websocket", "error", err)
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}

	conn := channel.NewConn(sessionID, nil, channel.Options{
		HandshakeTimeout: g.config.Channel.HandshakeTimeout,
	}, g.logger)
	g.bindHandlers(conn)

	if err := channel.Accept(w, r, conn); err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err, "session_id", sessionID)
		return
	}

	// The request context dies with this handler; the channel outlives it.
	ctx := context.Background()
	if err := g.manager.Attach(ctx, conn); err != nil {
		g.logger.Error("attaching channel", "error", err, "session_id", sessionID)
		conn.Disconnect()
		return
	}

	if visitorID != "" {
		if err := g.store.BindSessionVisitor(ctx, sessionID, visitorID); err != nil {
			g.logger.Warn("binding session visitor", "error", err, "session_id", sessionID)
		}
	}

	conn.Send(channel.FrameSystem, map[string]string{"session_id": sessionID})
}

// wsSession resolves the chat session for an incoming websocket request.
func (g *Gateway) wsSession(ctx context.Context, r *http.Request) (sessionID, visitorID string, err error) {
	if tok := r.URL.Query().Get("token"); tok != "" && g.sessions != nil {
		claims, err := g.sessions.Verify(tok)
		if err != nil {
			return "", "", err
		}
		if _, err := g.store.GetSession(ctx, claims.SessionID); err != nil {
			return "", "", err
		}
		return claims.SessionID, claims.VisitorID, nil
	}

	sess := &store.ChatSession{ID: uuid.NewString()}
	if err := g.store.CreateSession(ctx, sess); err != nil {
		return "", "", err
	}
	return sess.ID, "", nil
}

// bindHandlers subscribes the frame handlers for one visitor channel.
func (g *Gateway) bindHandlers(conn *channel.Conn) {
	sessionID := conn.SessionID()

	conn.On(channel.FrameChat, func(frame *channel.Frame) {
		var p channel.MessagePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.Content == "" {
			g.logger.Warn("ignoring malformed chat frame", "session_id", sessionID)
			return
		}
		// Replies run off the read pump so a slow producer never blocks reads.
		go g.handleChat(conn, p.Content)
	})

	conn.On(channel.FrameTyping, func(frame *channel.Frame) {
		var sig channel.TypingSignal
		if err := json.Unmarshal(frame.Payload, &sig); err != nil {
			return
		}
		if sig.IsTyping {
			if g.manager.TypingStarted(sessionID) {
				g.logger.Debug("visitor typing", "session_id", sessionID)
			}
		} else {
			g.manager.TypingStopped(sessionID)
		}
	})

	conn.On(channel.FrameReturnToken, func(frame *channel.Frame) {
		go g.handleReturnTokenFrame(conn, frame)
	})
}

// handleChat feeds one visitor message through the response producer and
// sends the reply bracketed by typing frames. Both sides of the exchange are
// appended to the session message log.
func (g *Gateway) handleChat(conn *channel.Conn, content string) {
	ctx := context.Background()
	sessionID := conn.SessionID()

	history, err := g.store.ListSessionMessages(ctx, sessionID, historyLimit)
	if err != nil {
		g.logger.Warn("loading session history", "error", err, "session_id", sessionID)
	}
	g.saveMessage(ctx, sessionID, store.RoleVisitor, content)

	conn.Send(channel.FrameTyping, channel.TypingPayload{IsTyping: true})

	reply, err := g.responder.Generate(ctx, history, content)
	if err != nil {
		conn.Send(channel.FrameTyping, channel.TypingPayload{IsTyping: false})
		g.logger.Warn("generating reply", "error", err, "session_id", sessionID)
		return
	}

	g.saveMessage(ctx, sessionID, store.RoleAgent, reply)

	conn.Send(channel.FrameTyping, channel.TypingPayload{IsTyping: false})
	conn.Send(channel.FrameMessage, channel.MessagePayload{
		Role:      store.RoleAgent,
		Content:   reply,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// reattachPayload is the inbound "return_token" frame body: the session token
// minted by the resolve endpoint, presented mid-connection.
type reattachPayload struct {
	Token string `json:"token"`
}

// handleReturnTokenFrame binds the channel's session to the visitor named in
// a session token presented in-band.
func (g *Gateway) handleReturnTokenFrame(conn *channel.Conn, frame *channel.Frame) {
	ctx := context.Background()
	sessionID := conn.SessionID()

	var p reattachPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.Token == "" {
		conn.Send(channel.FrameError, channel.ErrorPayload{Message: "malformed return_token frame"})
		return
	}
	if g.sessions == nil {
		conn.Send(channel.FrameError, channel.ErrorPayload{Message: "session tokens not enabled"})
		return
	}

	claims, err := g.sessions.Verify(p.Token)
	if err != nil {
		g.logger.Warn("rejecting in-band session token", "error", err, "session_id", sessionID)
		conn.Send(channel.FrameError, channel.ErrorPayload{Message: "invalid session token"})
		return
	}

	if err := g.store.BindSessionVisitor(ctx, sessionID, claims.VisitorID); err != nil {
		g.logger.Error("binding session visitor", "error", err, "session_id", sessionID)
		conn.Send(channel.FrameError, channel.ErrorPayload{Message: "internal error"})
		return
	}

	g.recorder.Record(ctx, store.EventSessionResumed, "visitor reattached over live channel", "gateway",
		map[string]any{"session_id": sessionID, "visitor_id": claims.VisitorID})
	conn.Send(channel.FrameSystem, map[string]string{"status": "resumed", "visitor_id": claims.VisitorID})
}

// saveMessage appends one entry to the session message log, logging failures.
func (g *Gateway) saveMessage(ctx context.Context, sessionID, role, content string) {
	err := g.store.SaveSessionMessage(ctx, &store.SessionMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		g.logger.Warn("saving session message", "error", err, "session_id", sessionID, "role", role)
	}
}
