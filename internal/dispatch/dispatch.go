// Package dispatch routes parsed events to registered handlers and picks the
// reply.
package dispatch

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"wxgate/internal/message"
)

// Handler answers an event. A nil packet means no reply.
type Handler func(ctx context.Context, ev message.Event) message.Packet

// HandlerFunc adapts a handler that ignores the context.
func HandlerFunc(fn func(ev message.Event) message.Packet) Handler {
	return func(_ context.Context, ev message.Event) message.Packet { return fn(ev) }
}

// namedHandler pairs a handler with an ID for removal.
type namedHandler struct {
	ID      string
	Handler Handler
}

// Registry maps event kinds to ordered handler lists. It is safe for
// concurrent use; Dispatch works on a snapshot taken under a read lock.
type Registry struct {
	handlers map[message.Kind][]namedHandler
	seq      int
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[message.Kind][]namedHandler),
		logger:   logger,
	}
}

// On appends a handler for kind. Returns the handler ID for Off.
func (r *Registry) On(kind message.Kind, h Handler) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := string(kind) + "-" + strconv.Itoa(r.seq)
	r.handlers[kind] = append(r.handlers[kind], namedHandler{ID: id, Handler: h})
	return id
}

// Off removes the handlers with the given IDs from kind. With no IDs every
// handler for kind is removed.
func (r *Registry) Off(kind message.Kind, ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(ids) == 0 {
		delete(r.handlers, kind)
		return
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := make([]namedHandler, 0, len(r.handlers[kind]))
	for _, h := range r.handlers[kind] {
		if !drop[h.ID] {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		delete(r.handlers, kind)
		return
	}
	r.handlers[kind] = kept
}

// Len returns the number of handlers registered for kind.
func (r *Registry) Len(kind message.Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[kind])
}

func (r *Registry) snapshot(kind message.Kind) []namedHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]namedHandler(nil), r.handlers[kind]...)
}

// Dispatch runs every handler registered for the event's kind in order and
// keeps the first non-nil packet. When none replies, the Default handlers
// get the same event. The returned reply is addressed back to the sender.
func (r *Registry) Dispatch(ctx context.Context, ev message.Event) (message.Reply, bool) {
	p := r.run(ctx, ev.Kind(), ev)
	if p == nil {
		p = r.run(ctx, message.KindDefault, ev)
	}
	if p == nil {
		return message.Reply{}, false
	}
	return message.ReplyTo(ev, p), true
}

func (r *Registry) run(ctx context.Context, kind message.Kind, ev message.Event) message.Packet {
	var reply message.Packet
	for _, h := range r.snapshot(kind) {
		p := r.call(ctx, kind, h, ev)
		if reply == nil && p != nil {
			reply = p
		}
	}
	return reply
}

func (r *Registry) call(ctx context.Context, kind message.Kind, nh namedHandler, ev message.Event) (p message.Packet) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("event handler panic", "kind", kind, "handler", nh.ID, "panic", rec)
			p = nil
		}
	}()
	return nh.Handler(ctx, ev)
}

type appIDKey struct{}

// WithAppID tags ctx with the integration an event arrived for.
func WithAppID(ctx context.Context, appID string) context.Context {
	return context.WithValue(ctx, appIDKey{}, appID)
}

// AppID returns the integration set by WithAppID, or "".
func AppID(ctx context.Context) string {
	s, _ := ctx.Value(appIDKey{}).(string)
	return s
}
