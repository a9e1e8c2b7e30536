package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrListenerNil is returned when a nil listener is registered.
	ErrListenerNil = errors.New("listener cannot be nil")

	// ErrEventTypeEmpty is returned when a listener is registered under
	// an empty event type.
	ErrEventTypeEmpty = errors.New("event type cannot be empty")

	// ErrAlreadyRegistered is returned when an event type is registered
	// twice. Listener wiring is a startup-time decision; a double
	// registration is a configuration bug.
	ErrAlreadyRegistered = errors.New("event type already registered")
)

// Listener handles one event type. The payload is the decoded envelope
// payload map; reconstruction into richer types is the listener's
// concern.
type Listener interface {
	Handle(ctx context.Context, payload map[string]any) error
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, payload map[string]any) error

func (f ListenerFunc) Handle(ctx context.Context, payload map[string]any) error {
	return f(ctx, payload)
}

// Registry maps event types to listeners. The mapping is built at
// startup and read on every dispatch.
type Registry struct {
	mu        sync.RWMutex
	listeners map[string]Listener
}

// NewRegistry creates an empty listener registry.
func NewRegistry() *Registry {
	return &Registry{listeners: make(map[string]Listener)}
}

// Register binds a listener to an event type.
func (r *Registry) Register(eventType string, listener Listener) error {
	if eventType == "" {
		return ErrEventTypeEmpty
	}
	if listener == nil {
		return ErrListenerNil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listeners[eventType]; ok {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, eventType)
	}
	r.listeners[eventType] = listener
	return nil
}

// Lookup returns the listener bound to an event type.
func (r *Registry) Lookup(eventType string) (Listener, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	listener, ok := r.listeners[eventType]
	return listener, ok
}

// EventTypes returns the registered event types.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.listeners))
	for eventType := range r.listeners {
		types = append(types, eventType)
	}
	return types
}
