// Package workflow provides workflow registration and management.
package workflow

import (
	"fmt"
	"sort"
	"sync"

	"github.com/codebypatrickleung/rehost/internal/job"
)

// Registry manages workflow handlers for different migration strategies.
type Registry struct {
	handlers map[job.Strategy]Handler
	mu       sync.RWMutex
}

// NewRegistry creates a new workflow registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[job.Strategy]Handler),
	}
}

// Register registers a workflow handler under its strategy.
func (r *Registry) Register(handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := handler.Strategy()
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("workflow handler for %s already registered", key)
	}

	r.handlers[key] = handler
	return nil
}

// Get retrieves the workflow handler for a strategy.
func (r *Registry) Get(strategy job.Strategy) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, exists := r.handlers[strategy]
	if !exists {
		return nil, fmt.Errorf("no workflow handler registered for %s", strategy)
	}

	return handler, nil
}

// List returns all registered workflow handlers ordered by strategy.
func (r *Registry) List() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handlers := make([]Handler, 0, len(r.handlers))
	for _, handler := range r.handlers {
		handlers = append(handlers, handler)
	}
	sort.Slice(handlers, func(i, k int) bool { return handlers[i].Strategy() < handlers[k].Strategy() })
	return handlers
}
