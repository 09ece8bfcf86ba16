// Package model defines the pipeline execution entities driven by the
// scheduler: PipelineExecution, StageExecution and TaskExecution, their
// shared status lattice, and graph traversal helpers over the stage DAG.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionType distinguishes full pipelines from ad-hoc orchestrations.
type ExecutionType string

const (
	ExecutionTypePipeline      ExecutionType = "PIPELINE"
	ExecutionTypeOrchestration ExecutionType = "ORCHESTRATION"
)

// SyntheticOwner marks where a synthetic child runs relative to its parent's
// own tasks.
type SyntheticOwner string

const (
	SyntheticOwnerBefore SyntheticOwner = "STAGE_BEFORE"
	SyntheticOwnerAfter  SyntheticOwner = "STAGE_AFTER"
)

// Authentication captures the submitting principal and the accounts the
// execution may act on.
type Authentication struct {
	User            string   `json:"user,omitempty"`
	AllowedAccounts []string `json:"allowedAccounts,omitempty"`
}

// PausedDetails records an operator pause window.
type PausedDetails struct {
	PausedBy   string     `json:"pausedBy,omitempty"`
	PauseTime  *time.Time `json:"pauseTime,omitempty"`
	ResumeTime *time.Time `json:"resumeTime,omitempty"`
}

// LastModified records the principal behind a manual stage operation.
type LastModified struct {
	User             string    `json:"user"`
	AllowedAccounts  []string  `json:"allowedAccounts,omitempty"`
	LastModifiedTime time.Time `json:"lastModifiedTime"`
}

// PipelineExecution is one concrete run of a pipeline definition. The
// repository owns its durable form; handlers mutate a snapshot and write it
// back per stage or per execution.
type PipelineExecution struct {
	ID               string        `json:"id"`
	Type             ExecutionType `json:"type"`
	Application      string        `json:"application"`
	Name             string        `json:"name,omitempty"`
	PipelineConfigID string        `json:"pipelineConfigId,omitempty"`

	Status    ExecutionStatus `json:"status"`
	StartTime *time.Time      `json:"startTime,omitempty"`
	EndTime   *time.Time      `json:"endTime,omitempty"`

	Stages []*StageExecution `json:"stages"`

	Origin         string          `json:"origin,omitempty"`
	Authentication *Authentication `json:"authentication,omitempty"`

	LimitConcurrent      bool `json:"limitConcurrent,omitempty"`
	KeepWaitingPipelines bool `json:"keepWaitingPipelines,omitempty"`

	Canceled           bool           `json:"canceled,omitempty"`
	CanceledBy         string         `json:"canceledBy,omitempty"`
	CancellationReason string         `json:"cancellationReason,omitempty"`
	Paused             *PausedDetails `json:"paused,omitempty"`

	// extra holds fields this engine version does not model, preserved
	// verbatim across round-trips through the repository.
	extra map[string]jsonRaw
}

// StageExecution is a node in the execution DAG: a bundle of ordered tasks
// plus any synthetic children contributed by its builder.
type StageExecution struct {
	ID    string `json:"id"`
	RefID string `json:"refId"`
	Type  string `json:"type"`
	Name  string `json:"name,omitempty"`

	Status    ExecutionStatus `json:"status"`
	StartTime *time.Time      `json:"startTime,omitempty"`
	EndTime   *time.Time      `json:"endTime,omitempty"`

	Context Context        `json:"context"`
	Outputs map[string]any `json:"outputs,omitempty"`

	RequisiteStageRefIDs []string       `json:"requisiteStageRefIds,omitempty"`
	ParentStageID        string         `json:"parentStageId,omitempty"`
	SyntheticStageOwner  SyntheticOwner `json:"syntheticStageOwner,omitempty"`

	Tasks []*TaskExecution `json:"tasks"`

	LastModified *LastModified `json:"lastModifiedBy,omitempty"`

	extra map[string]jsonRaw

	// execution is the enclosing execution, re-attached after unmarshal.
	execution *PipelineExecution
}

// TaskExecution is the atomic unit the engine drives.
type TaskExecution struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	ImplementingType string          `json:"implementingType"`
	Status           ExecutionStatus `json:"status"`
	// OriginalStatus preserves the task's returned status when it was
	// folded to FAILED_CONTINUE by continueOnFailure.
	OriginalStatus ExecutionStatus `json:"originalStatus,omitempty"`
	StartTime      *time.Time      `json:"startTime,omitempty"`
	EndTime        *time.Time      `json:"endTime,omitempty"`
	LoopStart      bool            `json:"loopStart,omitempty"`
	StageEnd       bool            `json:"stageEnd,omitempty"`
}

// NewExecution returns an empty execution with a fresh id.
func NewExecution(t ExecutionType, application string) *PipelineExecution {
	return &PipelineExecution{
		ID:          uuid.New().String(),
		Type:        t,
		Application: application,
		Status:      StatusNotStarted,
	}
}

// StageByID returns the stage with the given id.
func (e *PipelineExecution) StageByID(id string) (*StageExecution, bool) {
	for _, s := range e.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// StageByRef returns the stage with the given refId.
func (e *PipelineExecution) StageByRef(refID string) (*StageExecution, bool) {
	for _, s := range e.Stages {
		if s.RefID == refID {
			return s, true
		}
	}
	return nil, false
}

// TopLevelStages returns the stages that participate in the execution's
// status derivation: every stage without a parent.
func (e *PipelineExecution) TopLevelStages() []*StageExecution {
	var top []*StageExecution
	for _, s := range e.Stages {
		if s.ParentStageID == "" {
			top = append(top, s)
		}
	}
	return top
}

// InitialStages returns the top-level stages with no upstream dependencies,
// in definition order.
func (e *PipelineExecution) InitialStages() []*StageExecution {
	var initial []*StageExecution
	for _, s := range e.TopLevelStages() {
		if len(s.RequisiteStageRefIDs) == 0 {
			initial = append(initial, s)
		}
	}
	return initial
}

// IsPaused reports whether the execution is in an operator pause window.
func (e *PipelineExecution) IsPaused() bool {
	return e.Paused != nil && e.Paused.ResumeTime == nil
}

// Execution returns the enclosing execution of a stage. Backrefs are
// re-attached after every unmarshal, so this is always non-nil for a stage
// obtained through a repository snapshot.
func (s *StageExecution) Execution() *PipelineExecution {
	return s.execution
}

// AttachBackrefs points every stage at its enclosing execution. Called after
// unmarshal and whenever stages are added.
func (e *PipelineExecution) AttachBackrefs() {
	for _, s := range e.Stages {
		s.execution = e
	}
}

// IsSynthetic reports whether this stage was generated by a builder.
func (s *StageExecution) IsSynthetic() bool {
	return s.SyntheticStageOwner != ""
}

// TopLevel walks up parent links to the enclosing top-level stage.
func (s *StageExecution) TopLevel() *StageExecution {
	current := s
	for current.ParentStageID != "" {
		parent, ok := current.execution.StageByID(current.ParentStageID)
		if !ok {
			return current
		}
		current = parent
	}
	return current
}

// Parent returns the parent stage of a synthetic child.
func (s *StageExecution) Parent() (*StageExecution, bool) {
	if s.ParentStageID == "" {
		return nil, false
	}
	return s.execution.StageByID(s.ParentStageID)
}

// Children returns this stage's synthetic children with the given owner, in
// definition order.
func (s *StageExecution) Children(owner SyntheticOwner) []*StageExecution {
	var children []*StageExecution
	for _, c := range s.execution.Stages {
		if c.ParentStageID == s.ID && c.SyntheticStageOwner == owner {
			children = append(children, c)
		}
	}
	return children
}

// AllChildren returns every synthetic child of this stage.
func (s *StageExecution) AllChildren() []*StageExecution {
	var children []*StageExecution
	for _, c := range s.execution.Stages {
		if c.ParentStageID == s.ID {
			children = append(children, c)
		}
	}
	return children
}

// TaskByID returns the task with the given ordinal id.
func (s *StageExecution) TaskByID(id string) (*TaskExecution, bool) {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// FirstTask returns the first task of the stage.
func (s *StageExecution) FirstTask() (*TaskExecution, bool) {
	if len(s.Tasks) == 0 {
		return nil, false
	}
	return s.Tasks[0], true
}

// NextTask returns the task following the given one in stage order.
func (s *StageExecution) NextTask(after *TaskExecution) (*TaskExecution, bool) {
	for i, t := range s.Tasks {
		if t.ID == after.ID && i+1 < len(s.Tasks) {
			return s.Tasks[i+1], true
		}
	}
	return nil, false
}

// RunningTasks returns tasks currently RUNNING.
func (s *StageExecution) RunningTasks() []*TaskExecution {
	var running []*TaskExecution
	for _, t := range s.Tasks {
		if t.Status == StatusRunning {
			running = append(running, t)
		}
	}
	return running
}
