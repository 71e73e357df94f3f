// internal/delivery/registry.go
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNoHandler is returned when no handler matches a target.
var ErrNoHandler = errors.New("no delivery handler")

// Notice announces a finished run to a delivery target.
type Notice struct {
	RunID     string
	File      string
	ImagePath string
	Text      string
	Simulated bool
}

// Handler delivers a notice to a target such as "telegram:12345".
type Handler func(ctx context.Context, target string, n Notice) error

// Registry routes notices to the appropriate delivery handler based on
// target prefix (e.g. "telegram:", "log:").
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for targets starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Deliver calls the handler with the longest prefix matching target.
func (r *Registry) Deliver(ctx context.Context, target string, n Notice) error {
	r.mu.RLock()
	var (
		best    string
		handler Handler
	)
	for prefix, h := range r.handlers {
		if strings.HasPrefix(target, prefix) && len(prefix) >= len(best) {
			best, handler = prefix, h
		}
	}
	r.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("%w for target: %s", ErrNoHandler, target)
	}
	return handler(ctx, target, n)
}
