// Package bus implements the in-process event bus that every runner
// component shares. Handlers are registered explicitly at construction
// time, keyed by event type; there is no reflection-based dispatch.
//
// Events fired from within a handler (same goroutine) are dispatched
// synchronously and depth-first, which preserves ordering within the
// pipeline that produced them. Events arriving from other goroutines
// (socket readers, the process supervisor, file watches, timers) are
// handed to the bus with FireAsync and are serialized onto the single
// dispatch goroutine before any handler runs, so no two handlers ever
// run concurrently and no state needs locking beyond what a handler
// mutates on its own.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

// Event is a single message travelling on the bus. Type selects which
// handlers run; Pipeline identifies the stream of causally related events
// (e.g. "configure", "stop", "qmp") so handlers can reason about ordering
// within their own stream. Payload carries the event-specific data.
type Event struct {
	Type     string
	Pipeline string
	Payload  any
}

// Handler processes one event. It may call Fire to emit more events in the
// same pipeline, or Suspend to pause the pipeline until some later event
// resumes it.
type Handler func(b *Bus, ev Event)

// Bus is the shared dispatch table and single-threaded event loop.
type Bus struct {
	log *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler

	external chan Event

	pendingMu sync.Mutex
	pending   map[string]func(*Bus)
}

// New creates an empty Bus. Register handlers with On before calling Run.
func New(log *slog.Logger) *Bus {
	return &Bus{
		log:      log,
		handlers: make(map[string][]Handler),
		external: make(chan Event, 256),
		pending:  make(map[string]func(*Bus)),
	}
}

// On registers a handler for the given event type. Handlers run in
// registration order.
func (b *Bus) On(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Fire dispatches an event synchronously on the calling goroutine. Use this
// from within a handler, or from the bus's own dispatch goroutine, to keep
// causally related events in order. Calling Fire from any other goroutine
// is a bug: use FireAsync instead.
func (b *Bus) Fire(ev Event) {
	b.dispatch(ev)
}

// FireAsync hands an event to the bus's single dispatch goroutine. Use this
// from I/O threads (socket readers, the process supervisor, file watches,
// timers) that must not mutate component state directly.
func (b *Bus) FireAsync(ev Event) {
	b.external <- ev
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[ev.Type]...)
	b.mu.RUnlock()

	if len(hs) == 0 {
		b.log.Debug("event with no handlers", "type", ev.Type, "pipeline", ev.Pipeline)
		return
	}
	for _, h := range hs {
		h(b, ev)
	}
}

// Run drains externally fired events until ctx is cancelled. It must be
// called from exactly one goroutine — the bus's dispatch goroutine.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case ev := <-b.external:
			b.dispatch(ev)
		case <-ctx.Done():
			return
		}
	}
}

// Suspend registers a continuation to run when Resume(id) is later called,
// instead of running it inline. id scopes the suspension to whatever the
// handler is waiting for (e.g. "stop", "configure:cpu"); reusing an id
// before it resumes overwrites the earlier continuation.
func (b *Bus) Suspend(id string, resume func(*Bus)) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	b.pending[id] = resume
}

// Resume runs the continuation registered under id, if any, on the calling
// goroutine. Call it from the dispatch goroutine (i.e. from inside another
// handler) so the continuation's own Fire calls stay ordered.
func (b *Bus) Resume(id string) bool {
	b.pendingMu.Lock()
	fn, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.pendingMu.Unlock()
	if !ok {
		return false
	}
	fn(b)
	return true
}

// IsSuspended reports whether id currently has a pending continuation.
func (b *Bus) IsSuspended(id string) bool {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	_, ok := b.pending[id]
	return ok
}
