// ABOUTME: One live duplex channel per visitor session with reconnect and backoff
// ABOUTME: Unclean closes retry with exponential delay up to a cap, then surface terminal disconnection

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Channel errors
var (
	ErrConnectionTimeout = errors.New("connection handshake timed out")
	ErrChannelClosed     = errors.New("channel closed")
)

// Defaults for connection behavior, overridable via Options.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReconnectBase    = 1 * time.Second
	DefaultReconnectMax     = 5
	defaultSendBuffer       = 64
)

// Status is the lifecycle state of a Conn.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusClosed       // application-initiated close
	StatusDisconnected // terminal, reconnect attempts exhausted
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusClosed:
		return "closed"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// WireConn is one established transport-level connection. The websocket
// adapter implements it in production; tests supply fakes.
type WireConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping() error
	Close() error
}

// Dialer establishes a WireConn for a session.
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (WireConn, error)
}

// Options tune a Conn. Zero values take the defaults above.
type Options struct {
	HandshakeTimeout time.Duration
	ReconnectBase    time.Duration
	ReconnectMax     int
	OnStatus         func(Status)
}

func (o *Options) applyDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = DefaultReconnectBase
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = DefaultReconnectMax
	}
}

// Conn owns one visitor session's duplex channel. Inbound frames are
// dispatched to subscribed handlers in arrival order; outbound frames flush in
// enqueue order. Failures are absorbed into the reconnect policy and surface
// only as a terminal status, never as a fault to the caller.
type Conn struct {
	sessionID string
	dialer    Dialer
	opts      Options
	handlers  *handlerRegistry
	logger    *slog.Logger

	out  chan *Frame
	done chan struct{}

	mu           sync.Mutex
	status       Status
	wire         WireConn
	stopPump     chan struct{}
	closed       bool
	lastActivity time.Time
}

// NewConn creates a Conn for the session. Connect must be called (or an
// accepted wire attached) before frames flow.
func NewConn(sessionID string, dialer Dialer, opts Options, logger *slog.Logger) *Conn {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "channel", "session_id", sessionID)
	return &Conn{
		sessionID: sessionID,
		dialer:    dialer,
		opts:      opts,
		handlers:  newHandlerRegistry(logger),
		logger:    logger,
		out:       make(chan *Frame, defaultSendBuffer),
		done:      make(chan struct{}),
	}
}

// SessionID returns the session this channel belongs to.
func (c *Conn) SessionID() string { return c.sessionID }

// Status returns the current lifecycle state.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// On subscribes a handler to inbound frames of the given type, or every frame
// with FrameWildcard. Returns a subscription ID for Off.
func (c *Conn) On(typ string, h Handler) string { return c.handlers.on(typ, h) }

// Off removes a subscription.
func (c *Conn) Off(typ, id string) { c.handlers.off(typ, id) }

// Connect establishes the channel. Idempotent: calling while connecting or
// connected is a no-op. Returns ErrConnectionTimeout when no handshake
// completes within the configured bound.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.status == StatusConnecting || c.status == StatusConnected {
		c.mu.Unlock()
		return nil
	}
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	wire, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.setStatusLocked(StatusIdle)
		c.mu.Unlock()
		return err
	}

	c.install(wire)
	c.logger.Info("channel connected")
	return nil
}

// Attach adopts an already established wire, such as an accepted websocket
// upgrade on the server side.
func (c *Conn) Attach(wire WireConn) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.mu.Unlock()

	c.install(wire)
	return nil
}

// Send enqueues an outbound frame. Best effort: when the channel is not open
// or the outbound buffer is full the frame is dropped with a warning. Never
// returns an error to the caller.
func (c *Conn) Send(typ string, payload any) {
	c.mu.Lock()
	open := c.status == StatusConnected
	c.mu.Unlock()

	if !open {
		c.logger.Warn("dropping outbound frame, channel not open", "frame_type", typ)
		return
	}

	frame, err := NewFrame(typ, payload)
	if err != nil {
		c.logger.Warn("dropping unmarshalable outbound frame", "frame_type", typ, "error", err)
		return
	}

	select {
	case c.out <- frame:
	default:
		c.logger.Warn("outbound buffer full, dropping frame", "frame_type", typ)
	}
}

// Disconnect closes the channel from the application side. Cancels only this
// channel's reconnect loop; other sessions are unaffected.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	wire := c.wire
	c.wire = nil
	if c.stopPump != nil {
		close(c.stopPump)
		c.stopPump = nil
	}
	c.setStatusLocked(StatusClosed)
	c.mu.Unlock()

	if wire != nil {
		_ = wire.Close()
	}
	c.logger.Info("channel closed by application")
}

// Ping sends a transport-level heartbeat probe.
func (c *Conn) Ping() error {
	c.mu.Lock()
	wire := c.wire
	c.mu.Unlock()

	if wire == nil {
		return ErrChannelClosed
	}
	return wire.Ping()
}

// LastActivity reports when the peer last showed signs of life (a pong or any
// inbound frame). The Manager uses this for heartbeat-based reaping.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Conn) noteActivity() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Conn) dial(ctx context.Context) (WireConn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	wire, err := c.dialer.Dial(dctx, c.sessionID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrConnectionTimeout
		}
		return nil, fmt.Errorf("dialing channel: %w", err)
	}
	return wire, nil
}

// install adopts a live wire, replacing any previous one, and starts its read
// and write pumps.
func (c *Conn) install(wire WireConn) {
	stop := make(chan struct{})

	c.mu.Lock()
	if c.stopPump != nil {
		close(c.stopPump)
	}
	if c.wire != nil {
		_ = c.wire.Close()
	}
	c.wire = wire
	c.stopPump = stop
	c.lastActivity = time.Now()
	c.setStatusLocked(StatusConnected)
	c.mu.Unlock()

	go c.readPump(wire)
	go c.writePump(wire, stop)
}

// readPump delivers inbound frames in arrival order until the wire fails.
func (c *Conn) readPump(wire WireConn) {
	for {
		data, err := wire.ReadMessage()
		if err != nil {
			c.wireClosed(wire, err)
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("discarding malformed inbound frame", "error", err)
			continue
		}
		c.noteActivity()
		c.handlers.dispatch(&frame)
	}
}

// writePump flushes outbound frames in enqueue order until the wire is torn down.
func (c *Conn) writePump(wire WireConn, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case frame := <-c.out:
			data, err := json.Marshal(frame)
			if err != nil {
				c.logger.Warn("dropping unmarshalable outbound frame", "frame_type", frame.Type, "error", err)
				continue
			}
			if err := wire.WriteMessage(data); err != nil {
				c.logger.Warn("outbound write failed", "frame_type", frame.Type, "error", err)
				return
			}
		}
	}
}

// wireClosed handles a wire-level read failure. Application closes were
// already handled by Disconnect; anything else is unclean and enters the
// reconnect loop.
func (c *Conn) wireClosed(wire WireConn, err error) {
	c.mu.Lock()
	if c.closed || c.wire != wire {
		c.mu.Unlock()
		return
	}
	c.wire = nil
	if c.stopPump != nil {
		close(c.stopPump)
		c.stopPump = nil
	}
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	c.logger.Warn("channel closed uncleanly", "error", err)
	go c.reconnectLoop()
}

// reconnectLoop retries the handshake with exponential backoff, giving up
// after ReconnectMax attempts with a terminal disconnected status. A single
// successful dial resets the attempt counter for the next outage.
func (c *Conn) reconnectLoop() {
	if c.dialer == nil {
		// Server-side conns cannot redial; the peer reconnects instead.
		c.terminalDisconnect()
		return
	}

	for attempt := 1; attempt <= c.opts.ReconnectMax; attempt++ {
		delay := c.opts.ReconnectBase * (1 << (attempt - 1))

		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		wire, err := c.dial(context.Background())
		if err != nil {
			c.logger.Warn("reconnect attempt failed",
				"attempt", attempt,
				"max_attempts", c.opts.ReconnectMax,
				"error", err,
			)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = wire.Close()
			return
		}
		c.mu.Unlock()

		c.install(wire)
		c.logger.Info("channel reconnected", "attempts", attempt)
		return
	}

	c.terminalDisconnect()
}

func (c *Conn) terminalDisconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	c.logger.Error("reconnect attempts exhausted, channel disconnected",
		"max_attempts", c.opts.ReconnectMax)
}

// setStatusLocked updates status and fires the callback. Must hold mu; the
// callback runs on its own goroutine so it can call back into the Conn.
func (c *Conn) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.status = s
	if c.opts.OnStatus != nil {
		go c.opts.OnStatus(s)
	}
}
