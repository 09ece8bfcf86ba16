package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/conveyor/events"
	"github.com/c360studio/conveyor/message"
	"github.com/c360studio/conveyor/model"
	"github.com/c360studio/conveyor/task"
)

// retrieveTask resolves the execution, stage and task a message addresses.
func (e *Engine) retrieveTask(ctx context.Context, m message.TaskMessage) (*model.PipelineExecution, *model.StageExecution, *model.TaskExecution, error) {
	exec, s, err := e.retrieveStage(ctx, m)
	if err != nil {
		return nil, nil, nil, err
	}
	t, ok := s.TaskByID(m.TaskID())
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: task %s in stage %s", errUnknownTask, m.TaskID(), s.ID)
	}
	return exec, s, t, nil
}

// taskLookupFailed mirrors stageLookupFailed for the task tier.
func (e *Engine) taskLookupFailed(ctx context.Context, m message.TaskMessage, err error) error {
	if errors.Is(err, errUnknownStage) || errors.Is(err, errUnknownTask) {
		e.logger.Warn("message references unknown stage or task",
			"kind", m.Kind(), "execution_id", m.GetExecutionInfo().ExecutionID,
			"stage_id", m.StageID(), "task_id", m.TaskID(), "error", err)
		e.pushInvalid(ctx, m, err.Error())
		return nil
	}
	return err
}

// startTask marks a task RUNNING and schedules its first RunTask.
func (e *Engine) startTask(ctx context.Context, msg message.Message) error {
	m := msg.(*message.StartTask)
	exec, s, t, err := e.retrieveTask(ctx, m)
	if err != nil {
		return e.taskLookupFailed(ctx, m, err)
	}

	switch t.Status {
	case model.StatusNotStarted:
	case model.StatusRunning:
		// Replay: the task is live, make sure a RunTask is in flight.
		return e.push(ctx, &message.RunTask{TaskRef: taskRef(exec, s, t)}, 0)
	default:
		return nil
	}

	now := e.now()
	t.Status = model.StatusRunning
	t.StartTime = &now
	if err := e.repo.StoreStage(ctx, s); err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}

	e.publish(ctx, events.Event{
		Type:        events.TaskStarted,
		Application: exec.Application,
		ExecutionID: exec.ID,
		StageID:     s.ID,
		TaskID:      t.ID,
		Status:      t.Status,
		Execution:   exec,
	})
	return e.push(ctx, &message.RunTask{TaskRef: taskRef(exec, s, t)}, 0)
}

// runTask invokes the task implementation once and routes its returned
// status. Transient failures surface as errors so the delivery
// re-queues with backoff.
func (e *Engine) runTask(ctx context.Context, msg message.Message) error {
	m := msg.(*message.RunTask)
	exec, s, t, err := e.retrieveTask(ctx, m)
	if err != nil {
		return e.taskLookupFailed(ctx, m, err)
	}

	if t.Status.IsComplete() {
		return nil
	}
	if t.Status == model.StatusPaused || exec.IsPaused() {
		// ResumeTask re-delivers RunTask when the pause lifts.
		return nil
	}
	if exec.Canceled || exec.Status.IsHalt() || s.Status.IsComplete() {
		// The surrounding work was halted while this task was in flight.
		return e.push(ctx, &message.CompleteTask{TaskRef: taskRef(exec, s, t), Status: model.StatusCanceled}, 0)
	}

	impl, ok := e.tasks.Resolve(t.ImplementingType)
	if !ok {
		s.SetException("runTask", fmt.Sprintf("no task implementation for %q", t.ImplementingType))
		if err := e.repo.UpdateStageContext(ctx, s); err != nil {
			return fmt.Errorf("record missing implementation: %w", err)
		}
		return e.push(ctx, &message.CompleteTask{TaskRef: taskRef(exec, s, t), Status: model.StatusTerminal}, 0)
	}

	// Wall-clock deadline, checked on every delivery. Only the stage
	// context may extend it.
	var declared time.Duration
	if ta, ok := impl.(task.TimeoutAware); ok {
		declared = ta.Timeout()
	}
	if deadline, ok := s.TaskDeadline(t, declared); ok && e.now().After(deadline) {
		s.SetException("runTask", fmt.Sprintf("task %s timed out", t.Name))
		if err := e.repo.UpdateStageContext(ctx, s); err != nil {
			return fmt.Errorf("record timeout: %w", err)
		}
		return e.push(ctx, &message.CompleteTask{TaskRef: taskRef(exec, s, t), Status: model.StatusTerminal}, 0)
	}

	result, err := impl.Execute(ctx, s)
	if err != nil {
		// Transient by contract: declared failures come back as TERMINAL.
		return fmt.Errorf("execute task %s: %w", t.Name, err)
	}

	if len(result.Context) > 0 || len(result.Outputs) > 0 {
		s.MergeContext(result.Context)
		s.MergeOutputs(result.Outputs)
		if err := e.repo.UpdateStageContext(ctx, s); err != nil {
			return fmt.Errorf("persist task context: %w", err)
		}
	}

	switch result.Status {
	case model.StatusRunning:
		return e.push(ctx, m, e.taskBackoff(impl, s))
	case model.StatusPaused:
		return e.push(ctx, &message.PauseTask{TaskRef: taskRef(exec, s, t)}, 0)
	case model.StatusSucceeded, model.StatusSkipped, model.StatusStopped,
		model.StatusTerminal, model.StatusCanceled, model.StatusRedirect:
		return e.push(ctx, &message.CompleteTask{TaskRef: taskRef(exec, s, t), Status: result.Status}, 0)
	default:
		s.SetException("runTask", fmt.Sprintf("task %s returned unusable status %q", t.Name, result.Status))
		if err := e.repo.UpdateStageContext(ctx, s); err != nil {
			return fmt.Errorf("record bad status: %w", err)
		}
		return e.push(ctx, &message.CompleteTask{TaskRef: taskRef(exec, s, t), Status: model.StatusTerminal}, 0)
	}
}

func (e *Engine) taskBackoff(impl task.Task, s *model.StageExecution) time.Duration {
	if ba, ok := impl.(task.BackoffAware); ok {
		if d := ba.BackoffPeriod(s); d > 0 {
			return d
		}
	}
	return e.opts.DefaultTaskBackoff
}

// completeTask records a task's terminal status and advances the stage:
// next task, loop reset on REDIRECT, or CompleteStage.
func (e *Engine) completeTask(ctx context.Context, msg message.Message) error {
	m := msg.(*message.CompleteTask)
	exec, s, t, err := e.retrieveTask(ctx, m)
	if err != nil {
		return e.taskLookupFailed(ctx, m, err)
	}
	if t.Status.IsComplete() {
		// Duplicate delivery: the transition already happened.
		return nil
	}

	if m.Status == model.StatusRedirect {
		return e.redirectLoop(ctx, exec, s, t)
	}

	status := m.Status
	if status == model.StatusTerminal && s.ContinueOnFailure() {
		// Fold to non-fatal, keep the original visible.
		t.OriginalStatus = model.StatusTerminal
		status = model.StatusFailedContinue
	}

	now := e.now()
	t.Status = status
	t.EndTime = &now
	if err := e.repo.StoreStage(ctx, s); err != nil {
		return fmt.Errorf("mark task complete: %w", err)
	}

	e.publish(ctx, events.Event{
		Type:        events.TaskComplete,
		Application: exec.Application,
		ExecutionID: exec.ID,
		StageID:     s.ID,
		TaskID:      t.ID,
		Status:      status,
		Execution:   exec,
	})

	if status.IsSuccessful() && !t.StageEnd {
		if next, ok := s.NextTask(t); ok {
			return e.push(ctx, &message.StartTask{TaskRef: taskRef(exec, s, next)}, 0)
		}
	}
	return e.push(ctx, &message.CompleteStage{StageRef: stageRef(exec, s)}, 0)
}

// redirectLoop resets the loop range [loopStart..t] to NOT_STARTED and
// restarts the loop head. REDIRECT itself is never persisted; only
// the reset is observable.
func (e *Engine) redirectLoop(ctx context.Context, exec *model.PipelineExecution, s *model.StageExecution, t *model.TaskExecution) error {
	endIdx := -1
	for i, candidate := range s.Tasks {
		if candidate.ID == t.ID {
			endIdx = i
			break
		}
	}
	startIdx := -1
	for i := endIdx; i >= 0; i-- {
		if s.Tasks[i].LoopStart {
			startIdx = i
			break
		}
	}
	if startIdx < 0 {
		s.SetException("completeTask", fmt.Sprintf("task %s redirected without a loopStart marker", t.Name))
		if err := e.repo.UpdateStageContext(ctx, s); err != nil {
			return fmt.Errorf("record redirect failure: %w", err)
		}
		return e.push(ctx, &message.CompleteTask{TaskRef: taskRef(exec, s, t), Status: model.StatusTerminal}, 0)
	}

	for i := startIdx; i <= endIdx; i++ {
		reset := s.Tasks[i]
		reset.Status = model.StatusNotStarted
		reset.OriginalStatus = ""
		reset.StartTime = nil
		reset.EndTime = nil
	}
	if err := e.repo.StoreStage(ctx, s); err != nil {
		return fmt.Errorf("reset loop range: %w", err)
	}

	e.logger.Debug("loop redirected",
		"execution_id", exec.ID, "stage_id", s.ID,
		"loop_head", s.Tasks[startIdx].ID, "redirected_from", t.ID)
	return e.push(ctx, &message.StartTask{TaskRef: taskRef(exec, s, s.Tasks[startIdx])}, 0)
}

// pauseTask persists a paused task and pauses the enclosing stage and
// execution.
func (e *Engine) pauseTask(ctx context.Context, msg message.Message) error {
	m := msg.(*message.PauseTask)
	exec, s, t, err := e.retrieveTask(ctx, m)
	if err != nil {
		return e.taskLookupFailed(ctx, m, err)
	}
	if t.Status != model.StatusRunning {
		return nil
	}

	t.Status = model.StatusPaused
	if s.Status == model.StatusRunning {
		s.Status = model.StatusPaused
	}
	if err := e.repo.StoreStage(ctx, s); err != nil {
		return fmt.Errorf("mark task paused: %w", err)
	}

	if exec.Status == model.StatusRunning {
		now := e.now()
		exec.Status = model.StatusPaused
		exec.Paused = &model.PausedDetails{PauseTime: &now}
		if err := e.repo.UpdateStatus(ctx, exec); err != nil {
			return fmt.Errorf("mark execution paused: %w", err)
		}
	}
	return nil
}

// resumeTask moves a paused task back to RUNNING and re-delivers RunTask.
func (e *Engine) resumeTask(ctx context.Context, msg message.Message) error {
	m := msg.(*message.ResumeTask)
	exec, s, t, err := e.retrieveTask(ctx, m)
	if err != nil {
		return e.taskLookupFailed(ctx, m, err)
	}
	if t.Status != model.StatusPaused {
		return nil
	}

	t.Status = model.StatusRunning
	if err := e.repo.StoreStage(ctx, s); err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}
	return e.push(ctx, &message.RunTask{TaskRef: taskRef(exec, s, t)}, 0)
}

// removeChildren drops a stage's synthetic children from the execution so a
// restart re-plans them.
func removeChildren(exec *model.PipelineExecution, parent *model.StageExecution) {
	kept := exec.Stages[:0]
	for _, s := range exec.Stages {
		if s.ParentStageID != parent.ID {
			kept = append(kept, s)
		}
	}
	exec.Stages = kept
}
