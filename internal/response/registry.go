package response

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrExecutorNotFound is returned when no executor is registered for a kind.
var ErrExecutorNotFound = errors.New("no executor for action type")

// Executor performs the real-world effect of one action kind. Implementations
// must honor ctx cancellation; the engine bounds every call with a timeout.
type Executor interface {
	Kind() ActionKind
	Execute(ctx context.Context, action *SecurityAction) (map[string]any, error)
}

// Rollbacker is implemented by executors whose effect can be undone.
type Rollbacker interface {
	Rollback(ctx context.Context, action *SecurityAction) error
}

// Registry maps action kinds to executors.
type Registry struct {
	executors map[ActionKind]Executor
	mu        sync.RWMutex
}

// NewRegistry creates a registry holding the given executors.
func NewRegistry(executors ...Executor) *Registry {
	r := &Registry{executors: make(map[ActionKind]Executor)}
	for _, ex := range executors {
		r.Register(ex)
	}
	return r
}

// Register adds or replaces the executor for its kind.
func (r *Registry) Register(ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[ex.Kind()] = ex
}

// Resolve returns the executor for kind.
func (r *Registry) Resolve(kind ActionKind) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutorNotFound, kind)
	}
	return ex, nil
}

// Validate checks that every kind in AllKinds has an executor.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	for _, kind := range AllKinds() {
		if _, ok := r.executors[kind]; !ok {
			missing = append(missing, string(kind))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrExecutorNotFound, strings.Join(missing, ", "))
	}
	return nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []ActionKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]ActionKind, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
