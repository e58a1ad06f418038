// Package gateway orchestrates the orchestration engine's server components.
//
// # Overview
//
// The gateway package is the central coordinator. It owns and manages all
// major components: the channel manager for live visitor connections, the
// outreach scheduler runner, the return-token resolver, the data store and
// the HTTP server.
//
// # HTTP API
//
//   - GET /ws - Upgrade to a duplex visitor channel (websocket)
//   - GET /r/{token} - Resolve a single-use return link
//   - GET /healthz - Liveness check
//
// # Websocket protocol
//
// Frames are JSON objects shaped {type, payload, timestamp} in both
// directions. Inbound types are chat, typing and return_token; outbound types
// are system, typing, message and error. A chat frame flows through the
// response producer and comes back as a message frame bracketed by typing
// frames; both sides of the exchange land in the session message log.
//
// # Return links
//
// GET /r/{token} consumes the single-use token minted by the scheduler. An
// expired link answers 410 and an invalid (unknown, consumed or superseded)
// one answers 404, so the widget can distinguish "request a new link" from a
// dead end. A successful resolve answers with the attached session and a
// short-lived HS256 session token the widget presents on /ws (query
// parameter) or in-band (return_token frame) to reattach.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// Run starts the channel manager's heartbeat sweep and the scheduler runner,
// serves HTTP until the context ends, then shuts everything down in reverse
// order.
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown
//   - ws.go: Websocket endpoint and frame handlers
//   - resolve.go: Return-link resolution endpoint
package gateway
