package async

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// JobHandler executes one kind of job item. Domain packages implement it so
// the queue and processor stay unaware of what ingestion does.
type JobHandler interface {
	// Execute runs the item. It must call ctl.Gate before every externally
	// billed call and ctl.Checkpoint after persisting each unit of work, and
	// return promptly when ctx is cancelled.
	Execute(ctx context.Context, job *JobItem, ctl Control) error

	// Kind is the job kind the handler serves.
	Kind() Kind
}

// Control is the processor side of a running item.
type Control interface {
	// Gate blocks while the rate limit budget is exhausted, parking the item
	// as rate limited for the wait. It returns ErrYield on a manual pause
	// request and the context error on cancellation.
	Gate(ctx context.Context) error

	// Checkpoint persists the item's progress counters.
	Checkpoint(ctx context.Context) error
}

// HandlerRegistry maps job kinds to handlers.
type HandlerRegistry struct {
	handlers map[Kind]JobHandler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[Kind]JobHandler)}
}

// Register adds a handler for its kind.
// Panics if the kind already has a handler.
func (r *HandlerRegistry) Register(handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := handler.Kind()
	if _, exists := r.handlers[kind]; exists {
		panic(fmt.Sprintf("handler already registered for kind: %s", kind))
	}
	r.handlers[kind] = handler
}

// Get returns the handler for a kind, or nil.
func (r *HandlerRegistry) Get(kind Kind) JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[kind]
}

// Has checks if a kind has a handler.
func (r *HandlerRegistry) Has(kind Kind) bool {
	return r.Get(kind) != nil
}

// Kinds lists the registered kinds, sorted.
func (r *HandlerRegistry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
