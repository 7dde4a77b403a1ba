package webhook

import (
	"fmt"
	"sync"

	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/event"
)

// Registry maps callback kinds to their handlers.
// It is safe for concurrent reads; Register should only be called at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[event.Kind]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[event.Kind]Handler)}
}

// DefaultRegistry returns a registry with every gateway callback kind.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(stkHandler{})
	r.Register(resultHandler{kind: event.KindB2CResult, product: "B2C"})
	r.Register(timeoutHandler{kind: event.KindB2CTimeout, product: "B2C"})
	r.Register(resultHandler{kind: event.KindB2BResult, product: "B2B"})
	r.Register(timeoutHandler{kind: event.KindB2BTimeout, product: "B2B"})
	r.Register(statusHandler{})
	r.Register(statusTimeoutHandler{})
	return r
}

// Register adds a handler. Panics on duplicate kind to surface misconfiguration early.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Kind()]; exists {
		panic(fmt.Sprintf("webhook registry: duplicate kind %q", h.Kind()))
	}
	r.handlers[h.Kind()] = h
}

// Get returns the handler for kind.
func (r *Registry) Get(kind event.Kind) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("no handler registered for callback kind %q", kind)
	}
	return h, nil
}

// Kinds returns all registered kinds.
func (r *Registry) Kinds() []event.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]event.Kind, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}
