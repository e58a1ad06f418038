// Package channel maintains one live duplex connection per visitor session.
//
// # Overview
//
// The channel package carries the visitor-facing conversation: structured
// JSON frames flow both ways over a websocket, survive transient network
// loss through a bounded reconnect policy, and are fanned out to registered
// handlers on arrival.
//
// # Conn
//
// Conn owns a single session's channel:
//
//	conn := channel.NewConn(sessionID, dialer, channel.Options{}, logger)
//
// Key operations:
//
//   - Connect(ctx): establish the channel; idempotent, ErrConnectionTimeout
//     after the handshake bound
//   - Send(typ, payload): enqueue an outbound frame; best effort, never errors
//   - On(typ, h) / Off(typ, id): subscribe to inbound frame types, "*" for all
//   - Disconnect(): application-initiated close, cancels this conn's
//     reconnect loop only
//
// # Reconnection
//
// An unclean close schedules reconnect attempts with exponential backoff:
//
//	delay = base * 2^(attempt-1), base 1s, capped at 5 attempts
//
// Exhausting the cap surfaces a terminal StatusDisconnected through the
// status callback. A successful reconnect resets the counter.
//
// # Manager
//
// Manager is the session -> Conn registry. Attaching a channel for a session
// closes any stale channel first and flips the session-active flag in the
// durable store, which is the cross-instance source of truth. A server-side
// heartbeat pings every 30s; a peer silent for a full cycle is forcibly
// terminated, freeing the session slot.
//
// # Frame protocol
//
// Frames are JSON objects {type, payload, timestamp}. Inbound types: chat,
// return_token, typing. Outbound types: system, typing, message, error.
//
// # Thread Safety
//
// Conn and Manager are safe for concurrent use. Inbound frames on one
// channel are dispatched in arrival order; outbound frames flush in enqueue
// order. No ordering holds across different sessions.
package channel
