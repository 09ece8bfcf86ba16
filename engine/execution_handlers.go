package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/c360studio/conveyor/events"
	"github.com/c360studio/conveyor/message"
	"github.com/c360studio/conveyor/model"
	"github.com/c360studio/conveyor/store"
)

// startExecution admits the execution against the concurrency limit, marks
// it RUNNING, and kicks off every initial stage. A blocked execution stays
// NOT_STARTED in the waiting queue until promotion.
func (e *Engine) startExecution(ctx context.Context, msg message.Message) error {
	m := msg.(*message.StartExecution)
	exec, err := e.retrieveExecution(ctx, m)
	if err != nil {
		return err
	}
	if exec.Status != model.StatusNotStarted {
		e.logger.Debug("startExecution replay ignored",
			"execution_id", exec.ID, "status", exec.Status)
		return nil
	}
	if exec.Canceled {
		return e.finalizeExecution(ctx, exec, model.StatusCanceled)
	}

	// A cycle should be rejected at submission; if one slips through the
	// execution fails rather than wedging the scheduler.
	if err := exec.ValidateGraph(); err != nil {
		e.logger.Error("stage graph invalid", "execution_id", exec.ID, "error", err)
		exec.CancellationReason = err.Error()
		return e.finalizeExecution(ctx, exec, model.StatusTerminal)
	}

	if exec.LimitConcurrent && exec.PipelineConfigID != "" {
		admitted, err := e.admission.TryAcquire(ctx, exec.PipelineConfigID, exec.ID)
		if err != nil {
			return fmt.Errorf("admission check: %w", err)
		}
		if !admitted {
			if err := e.admission.Enqueue(ctx, exec.PipelineConfigID, exec.ID); err != nil {
				return fmt.Errorf("enqueue waiting execution: %w", err)
			}
			if !exec.KeepWaitingPipelines {
				if err := e.purgeWaiting(ctx, exec.PipelineConfigID); err != nil {
					return err
				}
			}
			e.logger.Info("execution waiting on concurrency limit",
				"execution_id", exec.ID,
				"pipeline_config_id", exec.PipelineConfigID)
			return nil
		}
	}

	now := e.now()
	exec.Status = model.StatusRunning
	exec.StartTime = &now
	if err := e.repo.UpdateStatus(ctx, exec); err != nil {
		return fmt.Errorf("mark execution running: %w", err)
	}

	e.publish(ctx, events.Event{
		Type:        events.ExecutionStarted,
		Application: exec.Application,
		ExecutionID: exec.ID,
		Status:      exec.Status,
		Execution:   exec,
	})

	initial := exec.InitialStages()
	if len(initial) == 0 {
		// Empty pipeline: converge straight to SUCCEEDED.
		return e.push(ctx, &message.CompleteExecution{ExecutionInfo: message.NewExecutionInfo(exec)}, 0)
	}
	for _, s := range initial {
		if err := e.push(ctx, &message.StartStage{StageRef: stageRef(exec, s)}, 0); err != nil {
			return err
		}
	}
	return nil
}

// completeExecution derives the final status from the top-level stages,
// re-queuing itself while branches are still settling.
func (e *Engine) completeExecution(ctx context.Context, msg message.Message) error {
	m := msg.(*message.CompleteExecution)
	exec, err := e.retrieveExecution(ctx, m)
	if err != nil {
		return err
	}
	if exec.Status.IsComplete() {
		return nil
	}

	status, done := deriveExecutionStatus(exec)
	if !done {
		return errRetryLater
	}
	return e.finalizeExecution(ctx, exec, status)
}

// finalizeExecution writes the terminal status, fires side-effect
// cancellation for stages still running, publishes ExecutionComplete, and
// promotes the next waiting execution for the pipeline configuration.
func (e *Engine) finalizeExecution(ctx context.Context, exec *model.PipelineExecution, status model.ExecutionStatus) error {
	now := e.now()
	exec.Status = status
	exec.EndTime = &now
	if status == model.StatusCanceled {
		exec.Canceled = true
	}
	if err := e.repo.UpdateStatus(ctx, exec); err != nil {
		return fmt.Errorf("finalize execution: %w", err)
	}
	e.metrics.ExecutionsCompleted.WithLabelValues(string(status)).Inc()

	if status != model.StatusSucceeded {
		for _, s := range exec.TopLevelStages() {
			if s.Status == model.StatusRunning || s.Status == model.StatusPaused {
				if err := e.push(ctx, &message.CancelStage{StageRef: stageRef(exec, s)}, 0); err != nil {
					return err
				}
			}
		}
	}

	e.publish(ctx, events.Event{
		Type:        events.ExecutionComplete,
		Application: exec.Application,
		ExecutionID: exec.ID,
		Status:      status,
		Execution:   exec,
	})
	e.logger.Info("execution complete",
		"execution_id", exec.ID,
		"application", exec.Application,
		"status", status)

	if exec.PipelineConfigID != "" {
		if exec.LimitConcurrent {
			if err := e.admission.Release(ctx, exec.PipelineConfigID, exec.ID); err != nil {
				return fmt.Errorf("release admission slot: %w", err)
			}
		}
		return e.push(ctx, &message.StartWaitingExecutions{
			PipelineConfigID: exec.PipelineConfigID,
			PurgeQueue:       !exec.KeepWaitingPipelines,
		}, 0)
	}
	return nil
}

// cancelExecution aborts running top-level stages; the normal drain then
// converges, without short-circuiting CompleteExecution. An execution that
// never started (still waiting on admission) is finalized CANCELED directly.
func (e *Engine) cancelExecution(ctx context.Context, msg message.Message) error {
	m := msg.(*message.CancelExecution)
	exec, err := e.retrieveExecution(ctx, m)
	if err != nil {
		return err
	}
	if exec.Status.IsComplete() {
		return nil
	}

	exec.Canceled = true
	exec.CanceledBy = m.CanceledBy
	exec.CancellationReason = m.Reason

	if exec.Status == model.StatusNotStarted {
		// Still waiting on admission (or never started): finalize
		// directly, nothing is in flight.
		if exec.LimitConcurrent && exec.PipelineConfigID != "" {
			if err := e.admission.Remove(ctx, exec.PipelineConfigID, exec.ID); err != nil {
				return fmt.Errorf("remove waiting execution: %w", err)
			}
		}
		return e.finalizeExecution(ctx, exec, model.StatusCanceled)
	}

	if err := e.repo.UpdateStatus(ctx, exec); err != nil {
		return fmt.Errorf("mark execution canceled: %w", err)
	}

	aborted := 0
	for _, s := range exec.TopLevelStages() {
		if s.Status == model.StatusRunning || s.Status == model.StatusPaused {
			if err := e.push(ctx, &message.AbortStage{StageRef: stageRef(exec, s)}, 0); err != nil {
				return err
			}
			aborted++
		}
	}
	if aborted == 0 {
		// Nothing running (between stages): converge now.
		return e.push(ctx, &message.CompleteExecution{ExecutionInfo: message.NewExecutionInfo(exec)}, 0)
	}
	return nil
}

// resumeExecution lifts an operator pause and resumes every paused stage.
func (e *Engine) resumeExecution(ctx context.Context, msg message.Message) error {
	m := msg.(*message.ResumeExecution)
	exec, err := e.retrieveExecution(ctx, m)
	if err != nil {
		return err
	}
	if exec.Status != model.StatusPaused {
		e.logger.Debug("resumeExecution ignored", "execution_id", exec.ID, "status", exec.Status)
		return nil
	}

	now := e.now()
	exec.Status = model.StatusRunning
	if exec.Paused != nil {
		exec.Paused.ResumeTime = &now
	}
	if err := e.repo.UpdateStatus(ctx, exec); err != nil {
		return fmt.Errorf("mark execution running: %w", err)
	}

	for _, s := range exec.Stages {
		if s.Status == model.StatusPaused {
			if err := e.push(ctx, &message.ResumeStage{StageRef: stageRef(exec, s)}, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// rescheduleExecution re-delivers RunTask for every running task, used when
// in-flight deliveries may have been lost to an operator intervention.
func (e *Engine) rescheduleExecution(ctx context.Context, msg message.Message) error {
	m := msg.(*message.RescheduleExecution)
	exec, err := e.retrieveExecution(ctx, m)
	if err != nil {
		return err
	}
	if exec.Status != model.StatusRunning {
		return nil
	}
	for _, s := range exec.Stages {
		if s.Status != model.StatusRunning {
			continue
		}
		for _, t := range s.RunningTasks() {
			if err := e.push(ctx, &message.RunTask{TaskRef: taskRef(exec, s, t)}, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// startWaitingExecutions promotes the oldest surviving waiting execution
// once nothing runs under the pipeline configuration.
func (e *Engine) startWaitingExecutions(ctx context.Context, msg message.Message) error {
	m := msg.(*message.StartWaitingExecutions)

	if m.PurgeQueue {
		if err := e.purgeWaiting(ctx, m.PipelineConfigID); err != nil {
			return err
		}
	}

	for {
		next, err := e.admission.PopOldest(ctx, m.PipelineConfigID)
		if err != nil {
			return fmt.Errorf("pop waiting execution: %w", err)
		}
		if next == "" {
			return nil
		}
		exec, err := e.repo.Retrieve(ctx, model.ExecutionTypePipeline, next)
		if errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("waiting execution vanished", "execution_id", next)
			continue
		}
		if err != nil {
			return err
		}
		if exec.Status != model.StatusNotStarted {
			// Canceled or already driven elsewhere; try the next one.
			continue
		}
		return e.push(ctx, &message.StartExecution{ExecutionInfo: message.NewExecutionInfo(exec)}, 0)
	}
}

// purgeWaiting truncates the waiting queue to its newest entry and records
// the purged executions as CANCELED. Persisting CANCELED (rather than
// silently discarding) keeps their fate visible to the front-end.
func (e *Engine) purgeWaiting(ctx context.Context, configID string) error {
	purged, err := e.admission.PurgeToNewest(ctx, configID)
	if err != nil {
		return fmt.Errorf("purge waiting queue: %w", err)
	}
	for _, id := range purged {
		exec, err := e.repo.Retrieve(ctx, model.ExecutionTypePipeline, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if exec.Status != model.StatusNotStarted {
			continue
		}
		now := e.now()
		exec.Status = model.StatusCanceled
		exec.Canceled = true
		exec.CancellationReason = "superseded by a newer execution"
		exec.EndTime = &now
		if err := e.repo.UpdateStatus(ctx, exec); err != nil {
			return fmt.Errorf("cancel purged execution %s: %w", id, err)
		}
		e.logger.Info("purged waiting execution",
			"execution_id", id, "pipeline_config_id", configID)
	}
	return nil
}

// deriveExecutionStatus folds the top-level stage statuses into the final
// execution status. done is false while a branch is still settling.
func deriveExecutionStatus(exec *model.PipelineExecution) (model.ExecutionStatus, bool) {
	top := exec.TopLevelStages()
	if len(top) == 0 {
		return model.StatusSucceeded, true
	}

	var anyIncomplete, anyTerminal, anyCanceled, stoppedThenFail bool
	var earlyFail bool
	for _, s := range top {
		switch s.Status {
		case model.StatusTerminal:
			anyTerminal = true
			if !s.CompleteOtherBranchesThenFail() {
				earlyFail = true
			}
		case model.StatusCanceled:
			anyCanceled = true
			if !s.CompleteOtherBranchesThenFail() {
				earlyFail = true
			}
		case model.StatusStopped:
			if s.CompleteOtherBranchesThenFail() {
				stoppedThenFail = true
			}
		case model.StatusRunning, model.StatusPaused:
			anyIncomplete = true
		case model.StatusNotStarted:
			if upstreamsComplete(exec, s) {
				anyIncomplete = true
			}
		}
	}

	if anyIncomplete {
		if !earlyFail {
			return "", false
		}
		// A branch failed without completeOtherBranchesThenFail: finalize
		// now; finalizeExecution cancels whatever still runs.
		if anyTerminal {
			return model.StatusTerminal, true
		}
		return model.StatusCanceled, true
	}

	switch {
	case anyTerminal, stoppedThenFail:
		return model.StatusTerminal, true
	case anyCanceled:
		return model.StatusCanceled, true
	default:
		return model.StatusSucceeded, true
	}
}

// upstreamsComplete reports whether every upstream of a NOT_STARTED stage is
// in the stage-complete set, i.e. the stage will still run.
func upstreamsComplete(exec *model.PipelineExecution, s *model.StageExecution) bool {
	for _, up := range exec.UpstreamStages(s) {
		if !up.Status.IsSuccessful() {
			return false
		}
	}
	return true
}

func stageRef(exec *model.PipelineExecution, s *model.StageExecution) message.StageRef {
	return message.StageRef{ExecutionInfo: message.NewExecutionInfo(exec), Stage: s.ID}
}

func taskRef(exec *model.PipelineExecution, s *model.StageExecution, t *model.TaskExecution) message.TaskRef {
	return message.TaskRef{StageRef: stageRef(exec, s), Task: t.ID}
}
