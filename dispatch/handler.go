package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/skein-dev/skein/bulk/job"
)

// Handler executes jobs of one operation type. Implementations decode the
// job's payload themselves and drive the job record to a terminal state; the
// pool never completes or fails a job a handler has already settled.
type Handler interface {
	Execute(ctx context.Context, j *job.BulkJob) error
	Type() job.Type
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc struct {
	JobType job.Type
	Fn      func(ctx context.Context, j *job.BulkJob) error
}

func (h HandlerFunc) Execute(ctx context.Context, j *job.BulkJob) error { return h.Fn(ctx, j) }
func (h HandlerFunc) Type() job.Type                                    { return h.JobType }

// Registry routes jobs to handlers by operation type.
// Safe for concurrent registration and lookup.
type Registry struct {
	handlers map[job.Type]Handler
	mu       sync.RWMutex
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[job.Type]Handler)}
}

// Register adds a handler for its operation type.
// Panics if the type already has a handler, registration is a startup-time
// programming error.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := h.Type()
	if _, exists := r.handlers[t]; exists {
		panic(fmt.Sprintf("handler already registered for job type: %s", t))
	}
	r.handlers[t] = h
}

// Get retrieves the handler for an operation type, nil when unregistered
func (r *Registry) Get(t job.Type) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[t]
}

// Has checks whether an operation type has a handler
func (r *Registry) Has(t job.Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[t]
	return exists
}

// Types returns all registered operation types
func (r *Registry) Types() []job.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]job.Type, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
