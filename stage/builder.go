// Package stage defines the stage-type catalog: builders that contribute a
// stage's tasks and synthetic before/after children, and the on-demand
// expansion the scheduler performs when a stage starts.
package stage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/c360studio/conveyor/model"
)

// TaskDef describes one task a builder contributes to a stage.
type TaskDef struct {
	Name             string
	ImplementingType string
	// LoopStart marks the head of a repeatable sub-sequence: a later task
	// returning REDIRECT resets every task from here onward.
	LoopStart bool
}

// Def describes one synthetic child stage a builder contributes.
type Def struct {
	Type    string
	Name    string
	Context model.Context
	// Requisites lists indices of sibling Defs (within the same before or
	// after block) that must complete first. Empty means the child is a
	// root of its block.
	Requisites []int
}

// Builder is the capability every stage type implements.
type Builder interface {
	// TaskGraph returns the stage's own tasks, in execution order.
	TaskGraph(stage *model.StageExecution) []TaskDef
}

// BeforeStager builders contribute synthetic children that run entirely
// before the stage's own tasks.
type BeforeStager interface {
	BeforeStages(stage *model.StageExecution) []Def
}

// AfterStager builders contribute synthetic children that run after the
// stage's own tasks succeed.
type AfterStager interface {
	AfterStages(stage *model.StageExecution) []Def
}

// Cancellable builders have a side-effect cancellation hook (tell the
// cloud-side operation to abort). The hook drives no state transitions.
type Cancellable interface {
	Cancel(ctx context.Context, stage *model.StageExecution) error
}

// ManuallySkippable builders let pipeline authors opt a stage into operator
// skips.
type ManuallySkippable interface {
	CanManuallySkip(stage *model.StageExecution) bool
}

// Restartable builders scrub stage state before a restart re-plans it.
type Restartable interface {
	PrepareForRestart(stage *model.StageExecution)
}

// Registry maps stage type names to builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds a builder under its stage type name.
func (r *Registry) Register(stageType string, b Builder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builders[stageType]; exists {
		return fmt.Errorf("stage type %q already registered", stageType)
	}
	r.builders[stageType] = b
	return nil
}

// Resolve returns the builder for a stage type.
func (r *Registry) Resolve(stageType string) (Builder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[stageType]
	return b, ok
}

// Types returns the registered stage type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.builders))
	for t := range r.builders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
