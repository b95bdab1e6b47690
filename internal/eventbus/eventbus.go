// Package eventbus is a process-local, named-signal publish/subscribe bus.
//
// Grounded on system/events/dispatcher.go's Dispatcher/HandlerRegistration
// shape, adapted for synchronous-only delivery: the teacher's async
// eventQueue/worker-pool path is dropped, since every signal here must be
// observed on the publisher's own execution context. Each subscriber
// invocation is wrapped in a recover() so one panicking subscriber cannot
// prevent delivery to the rest.
package eventbus

import (
	"context"
	"sync"

	"github.com/r3e-network/drone-analyzer/pkg/logger"
)

// Signal identifies a named event.
type Signal string

const (
	SignalHTTPCacheHit     Signal = "http-cache-hit"
	SignalHTTPCacheMiss    Signal = "http-cache-miss"
	SignalGetBuilds        Signal = "get-builds"
	SignalIterBuildsByPage Signal = "iter-builds-by-page"
	SignalGetBuildInfo     Signal = "get-build-info"
	SignalGetBuildStepOut  Signal = "get-build-step-output"
	// SignalBuildCompleted is supplemented from a draft design in
	// workers/base.py, never wired up in the original: published once a
	// build has no remaining non-terminal stages. Purely observational.
	SignalBuildCompleted Signal = "build-completed"
)

// Handler reacts to a published signal. The payload's concrete type is
// signal-specific; handlers type-assert what they expect.
type Handler func(ctx context.Context, payload any) error

// Bus dispatches signals to registered handlers synchronously.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Signal][]namedHandler
	log      *logger.Logger
}

type namedHandler struct {
	id      string
	handler Handler
}

// New builds an empty Bus.
func New(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewDefault("eventbus")
	}
	return &Bus{handlers: make(map[Signal][]namedHandler), log: log}
}

// Subscribe registers handler under id for signal. Re-subscribing the same
// id for the same signal replaces the previous registration.
func (b *Bus) Subscribe(signal Signal, id string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing := b.handlers[signal]
	for i, h := range existing {
		if h.id == id {
			existing[i].handler = handler
			return
		}
	}
	b.handlers[signal] = append(existing, namedHandler{id: id, handler: handler})
}

// Unsubscribe removes id's registration for signal, if any.
func (b *Bus) Unsubscribe(signal Signal, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing := b.handlers[signal]
	for i, h := range existing {
		if h.id == id {
			b.handlers[signal] = append(existing[:i], existing[i+1:]...)
			return
		}
	}
}

// Publish delivers payload to every handler subscribed to signal, on the
// caller's goroutine, in registration order. A handler that panics or
// returns an error is logged and does not prevent delivery to the rest;
// Publish itself never returns an error.
func (b *Bus) Publish(ctx context.Context, signal Signal, payload any) {
	b.mu.RLock()
	handlers := make([]namedHandler, len(b.handlers[signal]))
	copy(handlers, b.handlers[signal])
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(ctx, signal, h, payload)
	}
}

func (b *Bus) invoke(ctx context.Context, signal Signal, h namedHandler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithField("signal", string(signal)).
				WithField("subscriber", h.id).
				WithField("panic", r).
				Error("event subscriber panicked")
		}
	}()

	if err := h.handler(ctx, payload); err != nil {
		b.log.WithField("signal", string(signal)).
			WithField("subscriber", h.id).
			WithError(err).
			Error("event subscriber returned an error")
	}
}
