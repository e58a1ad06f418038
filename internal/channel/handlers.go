// ABOUTME: Typed publish/subscribe registry for inbound frame handlers
// ABOUTME: Delivery in subscription order with per-handler panic isolation

package channel

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Handler receives one inbound frame.
type Handler func(frame *Frame)

type registration struct {
	id      string
	handler Handler
}

// handlerRegistry fans inbound frames out to subscribed handlers. Handlers for
// the concrete type run before wildcard handlers; within each group, delivery
// follows subscription order. A panicking handler is logged and skipped, never
// preventing delivery to the rest.
type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	logger   *slog.Logger
}

func newHandlerRegistry(logger *slog.Logger) *handlerRegistry {
	return &handlerRegistry{
		handlers: make(map[string][]registration),
		logger:   logger,
	}
}

// on subscribes a handler to a frame type (or FrameWildcard) and returns a
// subscription ID for off.
func (r *handlerRegistry) on(typ string, h Handler) string {
	id := uuid.New().String()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typ] = append(r.handlers[typ], registration{id: id, handler: h})
	return id
}

// off removes a subscription by its ID.
func (r *handlerRegistry) off(typ, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.handlers[typ]
	for i, reg := range regs {
		if reg.id == id {
			r.handlers[typ] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(r.handlers[typ]) == 0 {
		delete(r.handlers, typ)
	}
}

// dispatch delivers one frame to the typed handlers, then the wildcard ones.
func (r *handlerRegistry) dispatch(frame *Frame) {
	r.mu.RLock()
	targets := make([]registration, 0, len(r.handlers[frame.Type])+len(r.handlers[FrameWildcard]))
	targets = append(targets, r.handlers[frame.Type]...)
	if frame.Type != FrameWildcard {
		targets = append(targets, r.handlers[FrameWildcard]...)
	}
	r.mu.RUnlock()

	for _, reg := range targets {
		r.invoke(reg, frame)
	}
}

func (r *handlerRegistry) invoke(reg registration, frame *Frame) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("frame handler panicked",
				"frame_type", frame.Type,
				"handler_id", reg.id,
				"panic", rec,
			)
		}
	}()
	reg.handler(frame)
}
