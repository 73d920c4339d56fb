// Package stage implements the pipeline stage abstraction: an unbounded
// input queue with a consumer worker, an advisory event bus, and the
// start/interrupt/end cascade used to propagate barge-in across stages.
package stage

import "sync"

// Handler is an event callback. Arguments are advisory and untyped,
// matching the loosely-typed event payloads passed around the pipeline
// (word lists, speakers, timestamps, elapsed durations).
type Handler func(args ...any)

// EventBus is a named-event fan-out local to one stage. Handlers run
// synchronously, in registration order, on the calling goroutine —
// there is no implicit thread hop, and a handler may call Trigger
// reentrantly.
type EventBus struct {
	mu       sync.Mutex
	handlers map[string][]Handler
}

// NewEventBus returns an empty event bus.
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[string][]Handler)}
}

// On registers handler to run whenever event fires. Order of
// registration is the order of invocation.
func (b *EventBus) On(event string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], handler)
}

// Trigger invokes every handler registered for event, in order, on the
// calling goroutine. A missing event is a no-op. Handlers are snapshot
// under the lock and invoked outside it so a handler registering a new
// handler, or triggering another event, cannot deadlock against On.
func (b *EventBus) Trigger(event string, args ...any) {
	b.mu.Lock()
	handlers := append([]Handler(nil), b.handlers[event]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(args...)
	}
}

// EventHandlers is implemented by event-driven sinks that want their
// handlers bound to an upstream source's bus when wired via ReadFrom.
type EventHandlers interface {
	EventHandlers() map[string]Handler
}
