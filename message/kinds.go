package message

import (
	"fmt"

	"github.com/c360studio/conveyor/model"
)

// Wire kinds. The set is closed: the dispatcher's routing table and the
// envelope registry both key off these tags.
const (
	KindStartExecution         = "startExecution"
	KindCompleteExecution      = "completeExecution"
	KindCancelExecution        = "cancelExecution"
	KindResumeExecution        = "resumeExecution"
	KindRescheduleExecution    = "rescheduleExecution"
	KindStartWaitingExecutions = "startWaitingExecutions"

	KindStartStage          = "startStage"
	KindCompleteStage       = "completeStage"
	KindSkipStage           = "skipStage"
	KindAbortStage          = "abortStage"
	KindCancelStage         = "cancelStage"
	KindRestartStage        = "restartStage"
	KindPauseStage          = "pauseStage"
	KindResumeStage         = "resumeStage"
	KindContinueParentStage = "continueParentStage"

	KindStartTask    = "startTask"
	KindRunTask      = "runTask"
	KindCompleteTask = "completeTask"
	KindPauseTask    = "pauseTask"
	KindResumeTask   = "resumeTask"

	KindInvalidExecution = "invalidExecution"
	KindInvalidStage     = "invalidStage"
	KindInvalidTask      = "invalidTask"
)

// --- Execution tier ---

// StartExecution begins an execution, subject to concurrency admission.
type StartExecution struct {
	ExecutionInfo
}

func (StartExecution) Kind() string { return KindStartExecution }

// CompleteExecution derives the final execution status from its top-level
// stages, re-queuing itself until every branch settles.
type CompleteExecution struct {
	ExecutionInfo
}

func (CompleteExecution) Kind() string { return KindCompleteExecution }

// CancelExecution aborts running top-level stages; the normal drain then
// converges on a terminal status.
type CancelExecution struct {
	ExecutionInfo
	CanceledBy string `json:"canceledBy,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (CancelExecution) Kind() string { return KindCancelExecution }

// ResumeExecution lifts an operator pause.
type ResumeExecution struct {
	ExecutionInfo
	User string `json:"user,omitempty"`
}

func (ResumeExecution) Kind() string { return KindResumeExecution }

// RescheduleExecution re-delivers RunTask for every running task, used after
// an operator intervention or a queue migration.
type RescheduleExecution struct {
	ExecutionInfo
}

func (RescheduleExecution) Kind() string { return KindRescheduleExecution }

// StartWaitingExecutions promotes the next waiting execution for a pipeline
// configuration once nothing is running under it.
type StartWaitingExecutions struct {
	PipelineConfigID string `json:"pipelineConfigId"`
	PurgeQueue       bool   `json:"purgeQueue"`
}

func (StartWaitingExecutions) Kind() string { return KindStartWaitingExecutions }

// Validate implements Message.
func (m StartWaitingExecutions) Validate() error {
	if m.PipelineConfigID == "" {
		return fmt.Errorf("pipelineConfigId is required")
	}
	return nil
}

// --- Stage tier ---

// StartStage expands a stage's synthetics and begins its before-graph or
// first task.
type StartStage struct {
	StageRef
}

func (StartStage) Kind() string { return KindStartStage }

// CompleteStage folds task and child statuses into a stage status and
// schedules downstream work.
type CompleteStage struct {
	StageRef
}

func (CompleteStage) Kind() string { return KindCompleteStage }

// SkipStage records SKIPPED but schedules downstream as if SUCCEEDED.
type SkipStage struct {
	StageRef
	User string `json:"user,omitempty"`
}

func (SkipStage) Kind() string { return KindSkipStage }

// AbortStage marks a stage TERMINAL immediately.
type AbortStage struct {
	StageRef
}

func (AbortStage) Kind() string { return KindAbortStage }

// CancelStage invokes the builder's side-effect cancellation hook. It drives
// no state transitions of its own.
type CancelStage struct {
	StageRef
}

func (CancelStage) Kind() string { return KindCancelStage }

// RestartStage re-plans a terminal stage for another run while the execution
// is still live.
type RestartStage struct {
	StageRef
	User string `json:"user,omitempty"`
}

func (RestartStage) Kind() string { return KindRestartStage }

// PauseStage pauses a running stage and its running tasks.
type PauseStage struct {
	StageRef
}

func (PauseStage) Kind() string { return KindPauseStage }

// ResumeStage resumes a paused stage.
type ResumeStage struct {
	StageRef
}

func (ResumeStage) Kind() string { return KindResumeStage }

// ContinueParentStage advances a parent past a completed synthetic block.
// StageRef addresses the parent; Phase says which block completed.
type ContinueParentStage struct {
	StageRef
	Phase model.SyntheticOwner `json:"phase"`
}

func (ContinueParentStage) Kind() string { return KindContinueParentStage }

// --- Task tier ---

// StartTask marks a task RUNNING and schedules its first RunTask.
type StartTask struct {
	TaskRef
}

func (StartTask) Kind() string { return KindStartTask }

// RunTask invokes the task implementation once.
type RunTask struct {
	TaskRef
}

func (RunTask) Kind() string { return KindRunTask }

// CompleteTask records a task's returned status and advances the stage.
type CompleteTask struct {
	TaskRef
	Status model.ExecutionStatus `json:"status"`
}

func (CompleteTask) Kind() string { return KindCompleteTask }

// Validate implements Message.
func (m CompleteTask) Validate() error {
	if err := m.TaskRef.Validate(); err != nil {
		return err
	}
	if m.Status == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}

// PauseTask persists a paused task awaiting ResumeTask.
type PauseTask struct {
	TaskRef
}

func (PauseTask) Kind() string { return KindPauseTask }

// ResumeTask moves a paused task back to RUNNING.
type ResumeTask struct {
	TaskRef
}

func (ResumeTask) Kind() string { return KindResumeTask }

// --- Invalid markers ---

// InvalidExecution marks a message that exhausted its delivery attempts or
// referenced a missing execution.
type InvalidExecution struct {
	ExecutionInfo
	Reason string `json:"reason"`
}

func (InvalidExecution) Kind() string { return KindInvalidExecution }

// InvalidStage marks a stage-tier message that could not be applied.
type InvalidStage struct {
	StageRef
	Reason string `json:"reason"`
}

func (InvalidStage) Kind() string { return KindInvalidStage }

// InvalidTask marks a task-tier message that could not be applied.
type InvalidTask struct {
	TaskRef
	Reason string `json:"reason"`
}

func (InvalidTask) Kind() string { return KindInvalidTask }
