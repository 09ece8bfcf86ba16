package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/c360studio/conveyor/events"
	"github.com/c360studio/conveyor/message"
	"github.com/c360studio/conveyor/model"
	"github.com/c360studio/conveyor/stage"
)

// startStage materializes the stage's synthetics and persists the
// expansion, and begins either the before-graph or the first task.
func (e *Engine) startStage(ctx context.Context, msg message.Message) error {
	m := msg.(*message.StartStage)
	exec, s, err := e.retrieveStage(ctx, m)
	if err != nil {
		return e.stageLookupFailed(ctx, m, err)
	}
	if s.Status != model.StatusNotStarted {
		e.logger.Debug("startStage replay ignored",
			"execution_id", exec.ID, "stage_id", s.ID, "status", s.Status)
		return nil
	}

	if exec.Canceled || exec.Status.IsHalt() {
		// The execution was canceled before this stage got going: record
		// the stage as CANCELED and let the drain converge.
		now := e.now()
		s.Status = model.StatusCanceled
		s.StartTime = &now
		s.EndTime = &now
		if err := e.repo.StoreStage(ctx, s); err != nil {
			return fmt.Errorf("mark stage canceled: %w", err)
		}
		return e.push(ctx, &message.CompleteStage{StageRef: stageRef(exec, s)}, 0)
	}

	if err := stage.Expand(e.stages, exec, s); err != nil {
		// Builder missing for this stage type: fail the stage, not the
		// dispatcher.
		e.logger.Error("stage expansion failed",
			"execution_id", exec.ID, "stage_id", s.ID, "type", s.Type, "error", err)
		now := e.now()
		s.SetException("startStage", err.Error())
		s.Status = model.StatusTerminal
		s.StartTime = &now
		s.EndTime = &now
		if err := e.repo.StoreStage(ctx, s); err != nil {
			return fmt.Errorf("mark stage terminal: %w", err)
		}
		e.publishStageComplete(ctx, exec, s)
		return e.propagateStageCompletion(ctx, exec, s)
	}

	now := e.now()
	s.Status = model.StatusRunning
	s.StartTime = &now
	// Expansion may have added synthetic children, so the whole execution
	// is written back.
	if err := e.repo.Store(ctx, exec); err != nil {
		return fmt.Errorf("persist expanded stage: %w", err)
	}

	e.publish(ctx, events.Event{
		Type:        events.StageStarted,
		Application: exec.Application,
		ExecutionID: exec.ID,
		StageID:     s.ID,
		Status:      s.Status,
		Execution:   exec,
	})

	if before := s.Children(model.SyntheticOwnerBefore); len(before) > 0 {
		for _, root := range stage.BlockRoots(before) {
			if err := e.push(ctx, &message.StartStage{StageRef: stageRef(exec, root)}, 0); err != nil {
				return err
			}
		}
		return nil
	}
	if first, ok := s.FirstTask(); ok {
		return e.push(ctx, &message.StartTask{TaskRef: taskRef(exec, s, first)}, 0)
	}
	// No tasks and no before-stages: completion logic decides what is next
	// (after-stages or straight to SUCCEEDED).
	return e.push(ctx, &message.CompleteStage{StageRef: stageRef(exec, s)}, 0)
}

// completeStage folds task and child statuses into the stage status,
// starting the after-graph on success and re-queuing while children are
// still running. Terminal stages only propagate.
func (e *Engine) completeStage(ctx context.Context, msg message.Message) error {
	m := msg.(*message.CompleteStage)
	exec, s, err := e.retrieveStage(ctx, m)
	if err != nil {
		return e.stageLookupFailed(ctx, m, err)
	}

	if !s.Status.IsComplete() {
		children := s.AllChildren()
		if stageWorkRunning(s, children) {
			// A synthetic child or task is still in flight; check back.
			return errRetryLater
		}

		candidate := deriveStageStatus(s, children)

		if candidate.IsSuccessful() {
			// Run the after-graph before finalizing.
			after := s.Children(model.SyntheticOwnerAfter)
			if pending := notStartedRoots(after); len(pending) > 0 {
				for _, root := range pending {
					if err := e.push(ctx, &message.StartStage{StageRef: stageRef(exec, root)}, 0); err != nil {
						return err
					}
				}
				return nil
			}
		}

		now := e.now()
		s.Status = candidate
		s.EndTime = &now
		if err := e.repo.StoreStage(ctx, s); err != nil {
			return fmt.Errorf("finalize stage: %w", err)
		}
		e.publishStageComplete(ctx, exec, s)
	}

	return e.propagateStageCompletion(ctx, exec, s)
}

// propagateStageCompletion schedules whatever a completed stage unblocks:
// in-block siblings and the parent for synthetics, downstream stages or
// CompleteExecution for top-level stages.
func (e *Engine) propagateStageCompletion(ctx context.Context, exec *model.PipelineExecution, s *model.StageExecution) error {
	if s.IsSynthetic() {
		return e.propagateSyntheticCompletion(ctx, exec, s)
	}

	if s.Status.IsSuccessful() {
		downstream := exec.DownstreamStages(s)
		if len(downstream) == 0 {
			return e.push(ctx, &message.CompleteExecution{ExecutionInfo: message.NewExecutionInfo(exec)}, 0)
		}
		// Tie-break: eligible downstream stages start in definition
		// order; the queue guarantees nothing beyond that, so their
		// handlers commute.
		for _, d := range downstream {
			if d.Status == model.StatusNotStarted && upstreamsComplete(exec, d) {
				if err := e.push(ctx, &message.StartStage{StageRef: stageRef(exec, d)}, 0); err != nil {
					return err
				}
			}
		}
		return nil
	}

	// STOPPED ends the branch quietly; TERMINAL and CANCELED cancel
	// running siblings unless the stage defers to them.
	if (s.Status == model.StatusTerminal || s.Status == model.StatusCanceled) && !s.CompleteOtherBranchesThenFail() {
		for _, sibling := range exec.TopLevelStages() {
			if sibling.ID == s.ID {
				continue
			}
			if sibling.Status == model.StatusRunning || sibling.Status == model.StatusPaused {
				if err := e.push(ctx, &message.CancelStage{StageRef: stageRef(exec, sibling)}, 0); err != nil {
					return err
				}
			}
		}
	}
	return e.push(ctx, &message.CompleteExecution{ExecutionInfo: message.NewExecutionInfo(exec)}, 0)
}

// propagateSyntheticCompletion advances a synthetic block: start unblocked
// siblings, and when the whole block has settled, nudge the parent.
func (e *Engine) propagateSyntheticCompletion(ctx context.Context, exec *model.PipelineExecution, s *model.StageExecution) error {
	parent, ok := s.Parent()
	if !ok {
		return fmt.Errorf("synthetic stage %s has no parent", s.ID)
	}
	block := parent.Children(s.SyntheticStageOwner)

	if s.Status.IsSuccessful() {
		for _, d := range stage.BlockDownstream(block, s) {
			if d.Status == model.StatusNotStarted && blockUpstreamsComplete(exec, block, d) {
				if err := e.push(ctx, &message.StartStage{StageRef: stageRef(exec, d)}, 0); err != nil {
					return err
				}
			}
		}
		if blockSettled(block) {
			return e.push(ctx, &message.ContinueParentStage{
				StageRef: stageRef(exec, parent),
				Phase:    s.SyntheticStageOwner,
			}, 0)
		}
		return nil
	}

	// A failed child fails the parent. Cancel whatever else runs in the
	// block, then let the parent fold the failure in.
	for _, sibling := range block {
		if sibling.ID == s.ID {
			continue
		}
		if sibling.Status == model.StatusRunning || sibling.Status == model.StatusPaused {
			if err := e.push(ctx, &message.CancelStage{StageRef: stageRef(exec, sibling)}, 0); err != nil {
				return err
			}
		}
	}
	return e.push(ctx, &message.CompleteStage{StageRef: stageRef(exec, parent)}, 0)
}

// continueParentStage advances a parent whose synthetic block finished:
// after the before-block come the parent's own tasks, after the
// after-block the parent completes.
func (e *Engine) continueParentStage(ctx context.Context, msg message.Message) error {
	m := msg.(*message.ContinueParentStage)
	exec, s, err := e.retrieveStage(ctx, m)
	if err != nil {
		return e.stageLookupFailed(ctx, m, err)
	}

	if m.Phase == model.SyntheticOwnerAfter {
		return e.push(ctx, &message.CompleteStage{StageRef: stageRef(exec, s)}, 0)
	}

	first, ok := s.FirstTask()
	if !ok {
		// Zero-task container: the before-block was the whole stage.
		return e.push(ctx, &message.CompleteStage{StageRef: stageRef(exec, s)}, 0)
	}
	if first.Status != model.StatusNotStarted {
		// Replay after the tasks already started.
		return nil
	}
	return e.push(ctx, &message.StartTask{TaskRef: taskRef(exec, s, first)}, 0)
}

// skipStage records SKIPPED; downstream scheduling treats it as SUCCEEDED.
func (e *Engine) skipStage(ctx context.Context, msg message.Message) error {
	m := msg.(*message.SkipStage)
	exec, s, err := e.retrieveStage(ctx, m)
	if err != nil {
		return e.stageLookupFailed(ctx, m, err)
	}
	if s.Status.IsComplete() {
		return nil
	}

	if !e.manualSkipAllowed(s) {
		e.logger.Warn("skipStage rejected: stage is not manually skippable",
			"execution_id", exec.ID, "stage_id", s.ID, "type", s.Type)
		return nil
	}

	now := e.now()
	s.Status = model.StatusSkipped
	s.EndTime = &now
	if s.StartTime == nil {
		s.StartTime = &now
	}
	s.LastModified = &model.LastModified{User: m.User, LastModifiedTime: now}
	if err := e.repo.StoreStage(ctx, s); err != nil {
		return fmt.Errorf("mark stage skipped: %w", err)
	}
	e.publishStageComplete(ctx, exec, s)
	return e.propagateStageCompletion(ctx, exec, s)
}

func (e *Engine) manualSkipAllowed(s *model.StageExecution) bool {
	if s.AllowManualSkip() {
		return true
	}
	b, ok := e.stages.Resolve(s.Type)
	if !ok {
		return false
	}
	ms, ok := b.(stage.ManuallySkippable)
	return ok && ms.CanManuallySkip(s)
}

// abortStage marks the stage TERMINAL (CANCELED when the execution was
// canceled) immediately, fires side-effect cancellation, and pushes
// completion up the tree.
func (e *Engine) abortStage(ctx context.Context, msg message.Message) error {
	m := msg.(*message.AbortStage)
	exec, s, err := e.retrieveStage(ctx, m)
	if err != nil {
		return e.stageLookupFailed(ctx, m, err)
	}
	if s.Status.IsComplete() {
		return nil
	}

	// An abort driven by execution-level cancellation records CANCELED;
	// a standalone abort is a failure.
	status := model.StatusTerminal
	if exec.Canceled {
		status = model.StatusCanceled
	}
	now := e.now()
	s.Status = status
	s.EndTime = &now
	if s.StartTime == nil {
		s.StartTime = &now
	}
	if err := e.repo.StoreStage(ctx, s); err != nil {
		return fmt.Errorf("mark stage aborted: %w", err)
	}
	e.publishStageComplete(ctx, exec, s)

	if err := e.push(ctx, &message.CancelStage{StageRef: stageRef(exec, s)}, 0); err != nil {
		return err
	}
	if parent, ok := s.Parent(); ok {
		return e.push(ctx, &message.CompleteStage{StageRef: stageRef(exec, parent)}, 0)
	}
	return e.push(ctx, &message.CompleteExecution{ExecutionInfo: message.NewExecutionInfo(exec)}, 0)
}

// cancelStage invokes the builder's cancellation hook. It is a strict
// no-op for non-cancellable builders and for stages that never ran.
func (e *Engine) cancelStage(ctx context.Context, msg message.Message) error {
	m := msg.(*message.CancelStage)
	exec, s, err := e.retrieveStage(ctx, m)
	if err != nil {
		return e.stageLookupFailed(ctx, m, err)
	}

	switch s.Status {
	case model.StatusRunning, model.StatusPaused, model.StatusCanceled, model.StatusTerminal:
	default:
		return nil
	}

	b, ok := e.stages.Resolve(s.Type)
	if !ok {
		return nil
	}
	c, ok := b.(stage.Cancellable)
	if !ok {
		return nil
	}

	// Best effort: a failed cancellation is logged, never retried into
	// the side effect twice.
	if err := c.Cancel(ctx, s); err != nil {
		e.logger.Warn("stage cancellation hook failed",
			"execution_id", exec.ID, "stage_id", s.ID, "type", s.Type, "error", err)
		return nil
	}
	if err := e.repo.UpdateStageContext(ctx, s); err != nil {
		e.logger.Warn("persist cancellation context failed",
			"execution_id", exec.ID, "stage_id", s.ID, "error", err)
	}
	return nil
}

// restartStage re-plans a terminal stage for another run. Executions are
// monotonic, so restart is only honored while the execution itself is
// still live.
func (e *Engine) restartStage(ctx context.Context, msg message.Message) error {
	m := msg.(*message.RestartStage)
	exec, s, err := e.retrieveStage(ctx, m)
	if err != nil {
		return e.stageLookupFailed(ctx, m, err)
	}
	if exec.Status.IsComplete() {
		e.logger.Warn("restartStage rejected: execution already complete",
			"execution_id", exec.ID, "stage_id", s.ID, "status", exec.Status)
		return nil
	}
	if !s.Status.IsComplete() {
		return nil
	}

	if b, ok := e.stages.Resolve(s.Type); ok {
		if r, ok := b.(stage.Restartable); ok {
			r.PrepareForRestart(s)
		}
	}

	now := e.now()
	s.Status = model.StatusNotStarted
	s.StartTime = nil
	s.EndTime = nil
	s.Tasks = nil
	s.LastModified = &model.LastModified{User: m.User, LastModifiedTime: now}
	removeChildren(exec, s)

	if err := e.repo.Store(ctx, exec); err != nil {
		return fmt.Errorf("persist restarted stage: %w", err)
	}
	return e.push(ctx, &message.StartStage{StageRef: stageRef(exec, s)}, 0)
}

// pauseStage pauses a running stage and its running tasks.
func (e *Engine) pauseStage(ctx context.Context, msg message.Message) error {
	m := msg.(*message.PauseStage)
	exec, s, err := e.retrieveStage(ctx, m)
	if err != nil {
		return e.stageLookupFailed(ctx, m, err)
	}
	if s.Status != model.StatusRunning {
		return nil
	}

	s.Status = model.StatusPaused
	if err := e.repo.StoreStage(ctx, s); err != nil {
		return fmt.Errorf("mark stage paused: %w", err)
	}
	for _, t := range s.RunningTasks() {
		if err := e.push(ctx, &message.PauseTask{TaskRef: taskRef(exec, s, t)}, 0); err != nil {
			return err
		}
	}
	return nil
}

// resumeStage resumes a paused stage and its paused tasks.
func (e *Engine) resumeStage(ctx context.Context, msg message.Message) error {
	m := msg.(*message.ResumeStage)
	exec, s, err := e.retrieveStage(ctx, m)
	if err != nil {
		return e.stageLookupFailed(ctx, m, err)
	}
	if s.Status != model.StatusPaused {
		return nil
	}

	s.Status = model.StatusRunning
	if err := e.repo.StoreStage(ctx, s); err != nil {
		return fmt.Errorf("mark stage running: %w", err)
	}
	for _, t := range s.Tasks {
		if t.Status == model.StatusPaused {
			if err := e.push(ctx, &message.ResumeTask{TaskRef: taskRef(exec, s, t)}, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// stageLookupFailed converts unknown-stage references into invalid markers
// (malformed message policy) and passes transient errors through.
func (e *Engine) stageLookupFailed(ctx context.Context, m message.StageMessage, err error) error {
	if errors.Is(err, errUnknownStage) || errors.Is(err, errUnknownTask) {
		e.logger.Warn("message references unknown stage or task",
			"kind", m.Kind(), "execution_id", m.GetExecutionInfo().ExecutionID,
			"stage_id", m.StageID(), "error", err)
		e.pushInvalid(ctx, m, err.Error())
		return nil
	}
	return err
}

func (e *Engine) publishStageComplete(ctx context.Context, exec *model.PipelineExecution, s *model.StageExecution) {
	e.publish(ctx, events.Event{
		Type:        events.StageComplete,
		Application: exec.Application,
		ExecutionID: exec.ID,
		StageID:     s.ID,
		Status:      s.Status,
		Execution:   exec,
	})
}

// stageWorkRunning reports whether any task or synthetic child of the stage
// is still in flight.
func stageWorkRunning(s *model.StageExecution, children []*model.StageExecution) bool {
	for _, t := range s.Tasks {
		if t.Status == model.StatusRunning || t.Status == model.StatusPaused {
			return true
		}
	}
	for _, c := range children {
		if c.Status == model.StatusRunning || c.Status == model.StatusPaused {
			return true
		}
	}
	return false
}

// deriveStageStatus folds task and child statuses into the stage status.
// FAILED_CONTINUE ranks above SUCCEEDED but below the halt statuses, so a
// continue-on-failure task marks the stage without failing the execution.
func deriveStageStatus(s *model.StageExecution, children []*model.StageExecution) model.ExecutionStatus {
	statuses := make([]model.ExecutionStatus, 0, len(s.Tasks)+len(children))
	for _, t := range s.Tasks {
		statuses = append(statuses, t.Status)
	}
	for _, c := range children {
		statuses = append(statuses, c.Status)
	}
	candidate := model.Worst(statuses...)
	if candidate == model.StatusNotStarted {
		// Zero tasks and zero (or never-needed) children: an empty stage
		// succeeds.
		return model.StatusSucceeded
	}
	return candidate
}

// notStartedRoots returns the after-block roots that have not run yet.
func notStartedRoots(block []*model.StageExecution) []*model.StageExecution {
	var pending []*model.StageExecution
	for _, root := range stage.BlockRoots(block) {
		if root.Status == model.StatusNotStarted {
			pending = append(pending, root)
		}
	}
	return pending
}

// blockUpstreamsComplete reports whether every in-block requisite of a
// child is in the stage-complete set.
func blockUpstreamsComplete(exec *model.PipelineExecution, block []*model.StageExecution, c *model.StageExecution) bool {
	refs := make(map[string]*model.StageExecution, len(block))
	for _, sibling := range block {
		refs[sibling.RefID] = sibling
	}
	for _, req := range c.RequisiteStageRefIDs {
		if sibling, ok := refs[req]; ok && !sibling.Status.IsSuccessful() {
			return false
		}
	}
	return true
}

// blockSettled reports whether every child of a block is terminal and
// none failed.
func blockSettled(block []*model.StageExecution) bool {
	for _, c := range block {
		if !c.Status.IsComplete() || !c.Status.IsSuccessful() {
			return false
		}
	}
	return true
}
