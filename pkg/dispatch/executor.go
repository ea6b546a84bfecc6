package dispatch

import (
	"context"
	"sync"
)

// ExecutionResult is what an executor reports back for one call.
type ExecutionResult int

const (
	// ExecSuccess: the provider accepted the action.
	ExecSuccess ExecutionResult = iota
	// ExecRetryable: a transient provider failure; counts toward the
	// provider's circuit breaker.
	ExecRetryable
	// ExecFatal: a permanent failure (bad payload, provider rejected the
	// request outright); does not affect breaker state.
	ExecFatal
)

// Executor is the capability interface collaborators implement, one per
// provider (email, chat message, CRM update, generic webhook).
// Implementations must respect ctx cancellation.
type Executor interface {
	Execute(ctx context.Context, actionType string, payload map[string]any) (ExecutionResult, error)
}

// Registry maps action types to executors. Selection happens here rather
// than as branching inside the dispatcher so new providers plug in
// without dispatcher changes.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds an executor to an action type, replacing any previous
// binding.
func (r *Registry) Register(actionType string, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[actionType] = exec
}

// For returns the executor for the action type.
func (r *Registry) For(actionType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[actionType]
	return exec, ok
}
