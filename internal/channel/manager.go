// ABOUTME: Registry of live channels keyed by session with heartbeat reaping
// ABOUTME: Attach atomically replaces a stale channel and flips the store's session-active flag

package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/copp1723/CCL-sub003/internal/dedupe"
	"github.com/copp1723/CCL-sub003/internal/ledger"
	"github.com/copp1723/CCL-sub003/internal/store"
)

// Heartbeat and typing defaults, overridable via NewManager.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultTypingIdle        = 2 * time.Second
)

// Manager owns the session -> live channel registry. The durable store's
// session-active flag stays the cross-instance source of truth; this registry
// only tracks channels owned by this process.
type Manager struct {
	sessions  store.SessionStore
	ledger    *ledger.Recorder
	heartbeat time.Duration
	typing    *dedupe.Cache
	logger    *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a Manager. Zero durations take the defaults.
func NewManager(sessions store.SessionStore, rec *ledger.Recorder, heartbeat, typingIdle time.Duration, logger *slog.Logger) *Manager {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	if typingIdle <= 0 {
		typingIdle = DefaultTypingIdle
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions:  sessions,
		ledger:    rec,
		heartbeat: heartbeat,
		typing:    dedupe.New(typingIdle, 10000),
		logger:    logger.With("component", "connmgr"),
		conns:     make(map[string]*Conn),
		stop:      make(chan struct{}),
	}
}

// Start launches the heartbeat loop.
func (m *Manager) Start() {
	go m.heartbeatLoop()
}

// Stop terminates the heartbeat loop and closes every registered channel.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()

	for _, c := range conns {
		c.Disconnect()
	}
	m.typing.Close()
}

// Attach registers a channel for its session, closing any stale channel for
// the same session first, then marks the session active in the store. The
// store update deactivates other active sessions for the same visitor, so the
// one-live-connection invariant holds across instances.
func (m *Manager) Attach(ctx context.Context, conn *Conn) error {
	sessionID := conn.SessionID()

	m.mu.Lock()
	stale := m.conns[sessionID]
	m.conns[sessionID] = conn
	m.mu.Unlock()

	if stale != nil && stale != conn {
		m.logger.Info("replacing stale channel", "session_id", sessionID)
		stale.Disconnect()
	}

	if err := m.sessions.ActivateSession(ctx, sessionID); err != nil {
		m.mu.Lock()
		if m.conns[sessionID] == conn {
			delete(m.conns, sessionID)
		}
		m.mu.Unlock()
		return fmt.Errorf("activating session: %w", err)
	}

	m.ledger.Record(ctx, store.EventConnectionOpened, "visitor channel opened", "connmgr",
		map[string]any{"session_id": sessionID})

	m.logger.Info("channel attached", "session_id", sessionID, "total_channels", m.Count())
	return nil
}

// Detach unregisters and closes the session's channel and deactivates the
// session in the store.
func (m *Manager) Detach(ctx context.Context, sessionID string) {
	m.mu.Lock()
	conn, ok := m.conns[sessionID]
	if ok {
		delete(m.conns, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	conn.Disconnect()
	m.typing.Forget(sessionID)

	if err := m.sessions.DeactivateSession(ctx, sessionID); err != nil {
		m.logger.Warn("deactivating session", "session_id", sessionID, "error", err)
	}

	m.ledger.Record(ctx, store.EventConnectionClosed, "visitor channel closed", "connmgr",
		map[string]any{"session_id": sessionID})

	m.logger.Info("channel detached", "session_id", sessionID, "total_channels", m.Count())
}

// Get returns the live channel for a session, if any.
func (m *Manager) Get(sessionID string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[sessionID]
	return conn, ok
}

// Count returns the number of registered channels.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// TypingStarted reports whether a typing-start signal should be relayed.
// Duplicate starts are suppressed until a stop or the idle window elapses.
func (m *Manager) TypingStarted(sessionID string) bool {
	return !m.typing.CheckAndMark(sessionID)
}

// TypingStopped clears the typing suppression for a session.
func (m *Manager) TypingStopped(sessionID string) {
	m.typing.Forget(sessionID)
}

// heartbeatLoop pings every channel on a fixed cycle and force-terminates
// peers that showed no life for a full cycle. This reaps half-open
// connections; client-side reconnection is a separate policy on the Conn.
func (m *Manager) heartbeatLoop() {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	now := time.Now()
	for _, c := range conns {
		if now.Sub(c.LastActivity()) > m.heartbeat {
			m.logger.Warn("peer missed heartbeat, terminating channel",
				"session_id", c.SessionID())
			m.Detach(context.Background(), c.SessionID())
			continue
		}
		if err := c.Ping(); err != nil {
			m.logger.Warn("heartbeat ping failed", "session_id", c.SessionID(), "error", err)
		}
	}
}
