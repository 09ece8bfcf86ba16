// Package engine is the queue-driven execution scheduler: it polls the work
// queue, routes each message to its handler, and drives executions, stages
// and tasks through the status lattice. Handlers are idempotent; the queue
// delivers at least once and duplicates collapse on the persisted state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/conveyor/coordination"
	"github.com/c360studio/conveyor/events"
	"github.com/c360studio/conveyor/message"
	"github.com/c360studio/conveyor/metrics"
	"github.com/c360studio/conveyor/model"
	"github.com/c360studio/conveyor/queue"
	"github.com/c360studio/conveyor/stage"
	"github.com/c360studio/conveyor/store"
	"github.com/c360studio/conveyor/task"
)

// Options tune the dispatcher. Zero values take the defaults below.
type Options struct {
	// Workers is the number of concurrent poll loops.
	Workers int
	// RetryPolicy shapes handler re-queue delays.
	RetryPolicy RetryPolicy
	// MaxMessageAttempts is the absolute delivery ceiling; beyond it a
	// message becomes an invalid marker and the execution is
	// force-completed TERMINAL.
	MaxMessageAttempts int
	// HandlerTimeout is the soft wall-clock budget per handler.
	HandlerTimeout time.Duration
	// LockTTL bounds how long a crashed worker can hold an execution lock.
	LockTTL time.Duration
	// LockRetryDelay is the re-queue delay on an execution lock miss.
	LockRetryDelay time.Duration
	// DefaultTaskBackoff is the RunTask poll delay for tasks that do not
	// declare their own backoff.
	DefaultTaskBackoff time.Duration
	// PollInterval is how long an idle worker sleeps between polls.
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	o.RetryPolicy = o.RetryPolicy.withDefaults()
	if o.MaxMessageAttempts <= 0 {
		o.MaxMessageAttempts = 1000
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = 30 * time.Second
	}
	if o.LockTTL <= 0 {
		o.LockTTL = time.Minute
	}
	if o.LockRetryDelay <= 0 {
		o.LockRetryDelay = time.Second
	}
	if o.DefaultTaskBackoff <= 0 {
		o.DefaultTaskBackoff = 10 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	return o
}

// Deps wires the engine to its external collaborators.
type Deps struct {
	Queue     queue.Queue
	Repo      store.ExecutionRepository
	Events    events.Publisher
	Stages    *stage.Registry
	Tasks     *task.Registry
	Locker    coordination.ExecutionLocker
	Admission coordination.Admission
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	// Now is the time source; tests inject a virtual clock.
	Now func() time.Time
}

type handlerFunc func(ctx context.Context, msg message.Message) error

// Engine is the scheduler. Construct with New, drive with Start/Stop or,
// for tests, with HandleOne.
type Engine struct {
	queue     queue.Queue
	repo      store.ExecutionRepository
	events    events.Publisher
	stages    *stage.Registry
	tasks     *task.Registry
	locker    coordination.ExecutionLocker
	admission coordination.Admission
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
	opts      Options

	// handlers is the dispatch table, built once at construction.
	handlers map[string]handlerFunc

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// New wires the dispatcher with concrete implementations of the external
// interfaces. Test doubles satisfy the same interfaces.
func New(deps Deps, opts Options) (*Engine, error) {
	if deps.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if deps.Repo == nil {
		return nil, fmt.Errorf("execution repository is required")
	}
	if deps.Stages == nil {
		return nil, fmt.Errorf("stage registry is required")
	}
	if deps.Tasks == nil {
		return nil, fmt.Errorf("task registry is required")
	}
	if deps.Events == nil {
		deps.Events = events.Noop{}
	}
	if deps.Locker == nil {
		deps.Locker = coordination.NewMemoryLocker()
	}
	if deps.Admission == nil {
		deps.Admission = coordination.NewMemoryAdmission()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewUnregistered()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	e := &Engine{
		queue:     deps.Queue,
		repo:      deps.Repo,
		events:    deps.Events,
		stages:    deps.Stages,
		tasks:     deps.Tasks,
		locker:    deps.Locker,
		admission: deps.Admission,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       deps.Now,
		opts:      opts.withDefaults(),
	}

	e.handlers = map[string]handlerFunc{
		message.KindStartExecution:         e.startExecution,
		message.KindCompleteExecution:      e.completeExecution,
		message.KindCancelExecution:        e.cancelExecution,
		message.KindResumeExecution:        e.resumeExecution,
		message.KindRescheduleExecution:    e.rescheduleExecution,
		message.KindStartWaitingExecutions: e.startWaitingExecutions,

		message.KindStartStage:          e.startStage,
		message.KindCompleteStage:       e.completeStage,
		message.KindSkipStage:           e.skipStage,
		message.KindAbortStage:          e.abortStage,
		message.KindCancelStage:         e.cancelStage,
		message.KindRestartStage:        e.restartStage,
		message.KindPauseStage:          e.pauseStage,
		message.KindResumeStage:         e.resumeStage,
		message.KindContinueParentStage: e.continueParentStage,

		message.KindStartTask:    e.startTask,
		message.KindRunTask:      e.runTask,
		message.KindCompleteTask: e.completeTask,
		message.KindPauseTask:    e.pauseTask,
		message.KindResumeTask:   e.resumeTask,

		message.KindInvalidExecution: e.invalidMarker,
		message.KindInvalidStage:     e.invalidMarker,
		message.KindInvalidTask:      e.invalidMarker,
	}
	return e, nil
}

// Start launches the worker poll loops.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true

	for i := 0; i < e.opts.Workers; i++ {
		e.wg.Add(1)
		go e.worker(loopCtx)
	}

	e.logger.Info("engine started",
		"workers", e.opts.Workers,
		"max_attempts", e.opts.MaxMessageAttempts)
	return nil
}

// Stop halts the workers and waits for in-flight handlers.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

// worker polls the queue and handles messages to completion, one at a time.
// There is no suspension point inside a handler; blocked work re-queues
// itself with a delay and returns.
func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		e.metrics.QueuePolls.Inc()
		d, err := e.queue.Poll(ctx)
		if errors.Is(err, queue.ErrNoMessages) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.opts.PollInterval):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn("queue poll failed", "error", err)
			continue
		}

		e.HandleOne(ctx, d)
	}
}

// push enqueues a follow-up message; a failed push is a transient error the
// caller surfaces so the whole delivery retries.
func (e *Engine) push(ctx context.Context, msg message.Message, delay time.Duration) error {
	if err := e.queue.Push(ctx, msg, delay); err != nil {
		return fmt.Errorf("push %s: %w", msg.Kind(), err)
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	ev.Time = e.now()
	e.events.Publish(ctx, ev)
}

// retrieveExecution loads the execution a message addresses.
func (e *Engine) retrieveExecution(ctx context.Context, m message.ExecutionMessage) (*model.PipelineExecution, error) {
	info := m.GetExecutionInfo()
	return e.repo.Retrieve(ctx, info.ExecutionType, info.ExecutionID)
}

// retrieveStage loads the execution and resolves the stage a message
// addresses. A missing stage returns an error wrapping errUnknownStage,
// which stageLookupFailed turns into an invalid marker.
func (e *Engine) retrieveStage(ctx context.Context, m message.StageMessage) (*model.PipelineExecution, *model.StageExecution, error) {
	exec, err := e.retrieveExecution(ctx, m)
	if err != nil {
		return nil, nil, err
	}
	s, ok := exec.StageByID(m.StageID())
	if !ok {
		return nil, nil, fmt.Errorf("%w: stage %s", errUnknownStage, m.StageID())
	}
	return exec, s, nil
}

var (
	errUnknownStage = errors.New("unknown stage")
	errUnknownTask  = errors.New("unknown task")
)
