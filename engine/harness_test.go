package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/conveyor/coordination"
	"github.com/c360studio/conveyor/events"
	"github.com/c360studio/conveyor/message"
	"github.com/c360studio/conveyor/model"
	"github.com/c360studio/conveyor/queue"
	"github.com/c360studio/conveyor/queue/memqueue"
	"github.com/c360studio/conveyor/stage"
	"github.com/c360studio/conveyor/store/memstore"
	"github.com/c360studio/conveyor/task"
	"github.com/stretchr/testify/require"
)

// fakeClock is the virtual time source shared by the queue and the engine.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	if t.After(c.t) {
		c.t = t
	}
	c.mu.Unlock()
}

// harness runs the engine synchronously against in-memory fakes, advancing
// virtual time over quiet periods so delayed redeliveries fire immediately.
type harness struct {
	t     *testing.T
	clock *fakeClock
	queue *memqueue.Queue
	repo  *memstore.Store
	rec   *events.Recorder
	adm   *coordination.MemoryAdmission
	eng   *Engine
}

func newHarness(t *testing.T, opts Options, configure func(*stage.Registry, *task.Registry)) *harness {
	t.Helper()
	clock := newFakeClock()
	q := memqueue.NewWithClock(clock.Now)
	repo := memstore.New()
	rec := events.NewRecorder()
	adm := coordination.NewMemoryAdmission()

	stages := stage.NewRegistry()
	tasks := task.NewRegistry()
	if configure != nil {
		configure(stages, tasks)
	}

	if opts.RetryPolicy.BaseDelay == 0 {
		opts.RetryPolicy.BaseDelay = 100 * time.Millisecond
	}

	eng, err := New(Deps{
		Queue:     q,
		Repo:      repo,
		Events:    rec,
		Stages:    stages,
		Tasks:     tasks,
		Locker:    coordination.NewMemoryLockerWithClock(clock.Now),
		Admission: adm,
		Logger:    slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelWarn})),
		Now:       clock.Now,
	}, opts)
	require.NoError(t, err)

	return &harness{t: t, clock: clock, queue: q, repo: repo, rec: rec, adm: adm, eng: eng}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// submit stores an execution and enqueues its StartExecution.
func (h *harness) submit(e *model.PipelineExecution) {
	h.t.Helper()
	ctx := context.Background()
	require.NoError(h.t, h.repo.Store(ctx, e))
	require.NoError(h.t, h.queue.Push(ctx, &message.StartExecution{ExecutionInfo: message.NewExecutionInfo(e)}, 0))
}

// pumpUntil processes messages one at a time, advancing virtual time over
// quiet periods, until cond holds.
func (h *harness) pumpUntil(cond func() bool) {
	h.t.Helper()
	ctx := context.Background()
	for steps := 0; steps < 10000; steps++ {
		if cond() {
			return
		}
		d, err := h.queue.Poll(ctx)
		if errors.Is(err, queue.ErrNoMessages) {
			at, ok := h.queue.NextReadyAt()
			if !ok {
				break
			}
			h.clock.Set(at)
			continue
		}
		require.NoError(h.t, err)
		h.eng.HandleOne(ctx, d)
	}
	if !cond() {
		h.t.Fatal("pumpUntil: condition never held")
	}
}

// pumpQuiesce processes every message that is ready now, without advancing
// virtual time into delayed redeliveries.
func (h *harness) pumpQuiesce() {
	h.t.Helper()
	ctx := context.Background()
	for steps := 0; steps < 10000; steps++ {
		d, err := h.queue.Poll(ctx)
		if errors.Is(err, queue.ErrNoMessages) {
			return
		}
		require.NoError(h.t, err)
		h.eng.HandleOne(ctx, d)
	}
	h.t.Fatal("pumpQuiesce: queue never drained")
}

// pumpToCompletion drives an execution to a terminal status.
func (h *harness) pumpToCompletion(executionID string) *model.PipelineExecution {
	h.t.Helper()
	h.pumpUntil(func() bool {
		return h.status(executionID).IsComplete()
	})
	return h.execution(executionID)
}

func (h *harness) execution(id string) *model.PipelineExecution {
	h.t.Helper()
	e, err := h.repo.Retrieve(context.Background(), model.ExecutionTypePipeline, id)
	require.NoError(h.t, err)
	return e
}

func (h *harness) status(id string) model.ExecutionStatus {
	return h.execution(id).Status
}

func (h *harness) stageStatus(executionID, refID string) model.ExecutionStatus {
	h.t.Helper()
	s, ok := h.execution(executionID).StageByRef(refID)
	require.True(h.t, ok, "stage %s not found", refID)
	return s.Status
}

// eventTrail returns the published event types, optionally filtered.
func (h *harness) eventTrail(keep map[events.Type]bool) []string {
	var trail []string
	for _, ev := range h.rec.Events() {
		if keep != nil && !keep[ev.Type] {
			continue
		}
		trail = append(trail, string(ev.Type)+":"+ev.StageID+":"+ev.TaskID)
	}
	return trail
}

// --- test fixtures ---

// stubTask returns a fixed sequence of results per (execution, stage); the
// last entry repeats.
type stubTask struct {
	mu      sync.Mutex
	results map[string][]task.Result
	calls   map[string]int
	backoff time.Duration
}

func newStubTask() *stubTask {
	return &stubTask{
		results: make(map[string][]task.Result),
		calls:   make(map[string]int),
		backoff: time.Second,
	}
}

func (s *stubTask) key(stg *model.StageExecution) string {
	return stg.Execution().ID + "/" + stg.RefID
}

// respond sets the result sequence for a stage; the final result repeats.
func (s *stubTask) respond(executionID, refID string, results ...task.Result) {
	s.mu.Lock()
	s.results[executionID+"/"+refID] = results
	s.mu.Unlock()
}

func (s *stubTask) Execute(_ context.Context, stg *model.StageExecution) (task.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.key(stg)
	seq := s.results[key]
	idx := s.calls[key]
	s.calls[key]++
	if len(seq) == 0 {
		return task.Result{Status: model.StatusSucceeded}, nil
	}
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	return seq[idx], nil
}

func (s *stubTask) BackoffPeriod(*model.StageExecution) time.Duration {
	return s.backoff
}

func (s *stubTask) callCount(executionID, refID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[executionID+"/"+refID]
}

// stubBuilder is a single-task stage type, optionally cancellable.
type stubBuilder struct {
	taskType string

	mu       sync.Mutex
	canceled []string
}

func (b *stubBuilder) TaskGraph(*model.StageExecution) []stage.TaskDef {
	return []stage.TaskDef{{Name: "run", ImplementingType: b.taskType}}
}

func (b *stubBuilder) Cancel(_ context.Context, s *model.StageExecution) error {
	b.mu.Lock()
	b.canceled = append(b.canceled, s.RefID)
	b.mu.Unlock()
	return nil
}

func (b *stubBuilder) canceledRefs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.canceled...)
}

// pipelineOf builds a test pipeline from (refId, requisites, context)
// triples, all stages of the given type.
type stageSpec struct {
	ref        string
	requisites []string
	context    model.Context
}

func pipelineOf(id, stageType string, specs ...stageSpec) *model.PipelineExecution {
	e := &model.PipelineExecution{
		ID:          id,
		Type:        model.ExecutionTypePipeline,
		Application: "checkout",
		Status:      model.StatusNotStarted,
	}
	for _, spec := range specs {
		e.Stages = append(e.Stages, &model.StageExecution{
			ID:                   id + "-" + spec.ref,
			RefID:                spec.ref,
			Type:                 stageType,
			Status:               model.StatusNotStarted,
			Context:              spec.context,
			RequisiteStageRefIDs: spec.requisites,
		})
	}
	e.AttachBackrefs()
	return e
}
