// Package task defines the atomic units the engine drives. A task
// implementation is invoked repeatedly by RunTask deliveries until it
// returns a terminal status; long-running work returns RUNNING with a
// backoff and is polled again after that delay.
package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/conveyor/model"
)

// Result is the outcome of one invocation.
type Result struct {
	Status model.ExecutionStatus
	// Context is merged into the stage context before the next invocation.
	Context map[string]any
	// Outputs are merged into the stage outputs, visible downstream.
	Outputs map[string]any
}

// Task is an opaque unit of work. Execute must be safe to call again after
// any returned status: the queue delivers at least once.
type Task interface {
	Execute(ctx context.Context, stage *model.StageExecution) (Result, error)
}

// BackoffAware tasks declare how long to wait between RUNNING polls.
type BackoffAware interface {
	BackoffPeriod(stage *model.StageExecution) time.Duration
}

// TimeoutAware tasks declare a wall-clock budget relative to their start.
type TimeoutAware interface {
	Timeout() time.Duration
}

// Registry maps implementingType names to task implementations. Populated
// at process start; reads after that take only the read lock.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

// Register adds a task implementation under its implementingType name.
func (r *Registry) Register(name string, t Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[name]; exists {
		return fmt.Errorf("task %q already registered", name)
	}
	r.tasks[name] = t
	return nil
}

// Resolve returns the implementation for an implementingType name.
func (r *Registry) Resolve(name string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	return t, ok
}

// Names returns the registered implementingType names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
