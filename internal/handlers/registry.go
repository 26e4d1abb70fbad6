package handlers

import (
	"sort"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// Registry is the concrete thread-safe HandlerRegistry implementation.
// Registration is explicit: a duplicate type is rejected, an unknown type is
// a HANDLER_NOT_FOUND error, and there is no fallback handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler to the registry. Returns error on duplicate type.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	stepType := h.Type()
	if stepType == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[stepType]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler %q already registered", stepType)
	}

	r.handlers[stepType] = h
	return nil
}

// Get retrieves a handler by step type.
func (r *Registry) Get(stepType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[stepType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeHandlerNotFound, "no handler registered for step type %q", stepType)
	}
	return h, nil
}

// List returns info for all registered handlers, sorted by type.
func (r *Registry) List() []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]HandlerInfo, 0, len(r.handlers))
	for _, h := range r.handlers {
		infos = append(infos, HandlerInfo{
			Type:        h.Type(),
			Description: h.Schema().Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Type < infos[j].Type
	})
	return infos
}

// Has checks if a handler is registered for the step type.
func (r *Registry) Has(stepType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[stepType]
	return ok
}

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
