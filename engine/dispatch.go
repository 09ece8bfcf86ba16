package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c360studio/conveyor/message"
	"github.com/c360studio/conveyor/model"
	"github.com/c360studio/conveyor/queue"
	"github.com/c360studio/conveyor/store"
)

// drainKinds may still be handled after the execution reaches a terminal
// status: they settle in-flight stages and tasks (converting them to
// CANCELED) and fire side-effect cancellation, without ever reopening the
// execution.
var drainKinds = map[string]bool{
	message.KindRunTask:          true,
	message.KindCompleteTask:     true,
	message.KindCompleteStage:    true,
	message.KindCancelStage:      true,
	message.KindInvalidExecution: true,
	message.KindInvalidStage:     true,
	message.KindInvalidTask:      true,
}

// HandleOne routes a single delivery through the dispatch table, enforcing
// the attempt ceiling, the terminal-execution short-circuit, and the
// advisory per-execution lock.
func (e *Engine) HandleOne(ctx context.Context, d *queue.Delivery) {
	kind := d.Message.Kind()
	logger := e.logger.With(
		"kind", kind,
		"attempts", d.Attempts,
		"message_key", message.IdempotencyKey(d.Message))

	handler, ok := e.handlers[kind]
	if !ok {
		// The envelope registry is closed, so this is unreachable short
		// of a version skew between producers and this worker.
		logger.Error("no handler for message kind")
		e.ack(ctx, d, "dropped")
		return
	}

	if d.Attempts > e.opts.MaxMessageAttempts {
		e.convertExhausted(ctx, d, logger)
		return
	}

	if em, isExec := d.Message.(message.ExecutionMessage); isExec {
		info := em.GetExecutionInfo()
		logger = logger.With("execution_id", info.ExecutionID)

		exec, err := e.retrieveExecution(ctx, em)
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("message references missing execution")
			e.pushInvalid(ctx, d.Message, "execution not found")
			e.ack(ctx, d, "invalid")
			return
		}
		if err != nil {
			// Persistence unavailable: transient, re-queue with backoff.
			logger.Warn("execution lookup failed", "error", err)
			e.nack(ctx, d)
			return
		}
		if exec.Status.IsComplete() && !drainKinds[kind] {
			logger.Debug("execution already complete, dropping message",
				"status", exec.Status)
			e.ack(ctx, d, "terminal")
			return
		}

		release, got, err := e.locker.TryAcquire(ctx, info.ExecutionID, e.opts.LockTTL)
		if err != nil {
			logger.Warn("lock acquire failed", "error", err)
			e.nack(ctx, d)
			return
		}
		if !got {
			e.metrics.LockMisses.Inc()
			if err := e.queue.Nack(ctx, d.Handle, e.opts.LockRetryDelay); err != nil {
				logger.Warn("nack failed after lock miss", "error", err)
			}
			return
		}
		defer release()
	}

	hCtx, cancel := context.WithTimeout(ctx, e.opts.HandlerTimeout)
	defer cancel()

	started := e.now()
	err := handler(hCtx, d.Message)
	e.metrics.HandlerDuration.WithLabelValues(kind).Observe(e.now().Sub(started).Seconds())

	var rl retryLater
	if errors.As(err, &rl) {
		// Not an error: the handler cannot finalize until downstream
		// work settles.
		delay := rl.delay
		if delay <= 0 {
			delay = e.opts.RetryPolicy.Delay(d.Attempts)
		}
		e.metrics.MessagesProcessed.WithLabelValues(kind, "requeued").Inc()
		if err := e.queue.Nack(ctx, d.Handle, delay); err != nil {
			logger.Warn("nack failed", "error", err)
		}
		return
	}
	if err != nil {
		e.metrics.HandlerErrors.WithLabelValues(kind).Inc()
		logger.Warn("handler failed, re-queuing", "error", err)
		e.nack(ctx, d)
		return
	}
	e.ack(ctx, d, "ok")
}

func (e *Engine) ack(ctx context.Context, d *queue.Delivery, outcome string) {
	e.metrics.MessagesProcessed.WithLabelValues(d.Message.Kind(), outcome).Inc()
	if err := e.queue.Ack(ctx, d.Handle); err != nil {
		e.logger.Warn("ack failed", "kind", d.Message.Kind(), "error", err)
	}
}

func (e *Engine) nack(ctx context.Context, d *queue.Delivery) {
	delay := e.opts.RetryPolicy.Delay(d.Attempts)
	if err := e.queue.Nack(ctx, d.Handle, delay); err != nil {
		e.logger.Warn("nack failed", "kind", d.Message.Kind(), "error", err)
	}
}

// convertExhausted turns a message past the attempt ceiling into an invalid
// marker and force-completes its execution, so a livelocked pipeline cannot
// grow the queue without bound.
func (e *Engine) convertExhausted(ctx context.Context, d *queue.Delivery, logger *slog.Logger) {
	reason := fmt.Sprintf("%s exhausted %d delivery attempts", d.Message.Kind(), d.Attempts)
	logger.Error("message exhausted delivery attempts")

	e.pushInvalid(ctx, d.Message, reason)

	if em, ok := d.Message.(message.ExecutionMessage); ok {
		exec, err := e.retrieveExecution(ctx, em)
		if err == nil && !exec.Status.IsComplete() {
			exec.CancellationReason = reason
			if err := e.finalizeExecution(ctx, exec, model.StatusTerminal); err != nil {
				e.logger.Error("force-complete failed",
					"execution_id", exec.ID, "error", err)
			}
		}
	}
	e.ack(ctx, d, "exhausted")
}

// pushInvalid emits the invalid marker matching the message's tier.
func (e *Engine) pushInvalid(ctx context.Context, m message.Message, reason string) {
	var marker message.Message
	var tier string
	switch msg := m.(type) {
	case message.TaskMessage:
		tier = "task"
		marker = &message.InvalidTask{
			TaskRef: message.TaskRef{
				StageRef: message.StageRef{ExecutionInfo: msg.GetExecutionInfo(), Stage: msg.StageID()},
				Task:     msg.TaskID(),
			},
			Reason: reason,
		}
	case message.StageMessage:
		tier = "stage"
		marker = &message.InvalidStage{
			StageRef: message.StageRef{ExecutionInfo: msg.GetExecutionInfo(), Stage: msg.StageID()},
			Reason:   reason,
		}
	case message.ExecutionMessage:
		tier = "execution"
		marker = &message.InvalidExecution{ExecutionInfo: msg.GetExecutionInfo(), Reason: reason}
	default:
		tier = "execution"
	}
	e.metrics.InvalidMessages.WithLabelValues(tier).Inc()
	if marker == nil {
		return
	}
	if err := e.queue.Push(ctx, marker, 0); err != nil {
		e.logger.Warn("push invalid marker failed", "error", err)
	}
}

// invalidMarker records invalid messages for observability; any damage
// control (force-completing the execution of an exhausted message) already
// happened where the marker was pushed.
func (e *Engine) invalidMarker(_ context.Context, msg message.Message) error {
	switch m := msg.(type) {
	case *message.InvalidTask:
		e.logger.Error("invalid task message",
			"execution_id", m.ExecutionID, "stage_id", m.Stage, "task_id", m.Task, "reason", m.Reason)
	case *message.InvalidStage:
		e.logger.Error("invalid stage message",
			"execution_id", m.ExecutionID, "stage_id", m.Stage, "reason", m.Reason)
	case *message.InvalidExecution:
		e.logger.Error("invalid execution message",
			"execution_id", m.ExecutionID, "reason", m.Reason)
	}
	return nil
}
