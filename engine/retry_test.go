package engine

import (
	"testing"
	"time"

	"github.com/c360studio/conveyor/model"
	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Jitter: 0.000001}

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{50, 10 * time.Second},
	}
	for _, tt := range tests {
		got := p.Delay(tt.attempts)
		assert.InDelta(t, float64(tt.want), float64(got), float64(tt.want)*0.01,
			"attempts=%d", tt.attempts)
	}
}

func TestRetryPolicyJitterSpreads(t *testing.T) {
	p := RetryPolicy{BaseDelay: 30 * time.Second, MaxDelay: time.Hour, Jitter: 0.1}
	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 27*time.Second)
		assert.LessOrEqual(t, d, 33*time.Second)
	}
}

func TestDeriveExecutionStatus(t *testing.T) {
	mk := func(statuses ...model.ExecutionStatus) *model.PipelineExecution {
		e := &model.PipelineExecution{ID: "e", Type: model.ExecutionTypePipeline, Application: "a"}
		for i, s := range statuses {
			e.Stages = append(e.Stages, &model.StageExecution{
				ID: string(rune('a' + i)), RefID: string(rune('a' + i)), Status: s,
			})
		}
		e.AttachBackrefs()
		return e
	}

	t.Run("no stages succeeds", func(t *testing.T) {
		status, done := deriveExecutionStatus(mk())
		assert.True(t, done)
		assert.Equal(t, model.StatusSucceeded, status)
	})

	t.Run("all successful variants succeed", func(t *testing.T) {
		status, done := deriveExecutionStatus(mk(
			model.StatusSucceeded, model.StatusSkipped, model.StatusFailedContinue))
		assert.True(t, done)
		assert.Equal(t, model.StatusSucceeded, status)
	})

	t.Run("running branch defers", func(t *testing.T) {
		_, done := deriveExecutionStatus(mk(model.StatusSucceeded, model.StatusRunning))
		assert.False(t, done)
	})

	t.Run("not started with runnable upstreams defers", func(t *testing.T) {
		e := mk(model.StatusSucceeded, model.StatusNotStarted)
		e.Stages[1].RequisiteStageRefIDs = []string{"a"}
		_, done := deriveExecutionStatus(e)
		assert.False(t, done)
	})

	t.Run("terminal finalizes immediately", func(t *testing.T) {
		status, done := deriveExecutionStatus(mk(model.StatusTerminal, model.StatusRunning))
		assert.True(t, done)
		assert.Equal(t, model.StatusTerminal, status)
	})

	t.Run("deferred terminal waits for siblings", func(t *testing.T) {
		e := mk(model.StatusTerminal, model.StatusRunning)
		e.Stages[0].Context = model.Context{"completeOtherBranchesThenFail": true}
		_, done := deriveExecutionStatus(e)
		assert.False(t, done)

		e = mk(model.StatusTerminal, model.StatusSucceeded)
		e.Stages[0].Context = model.Context{"completeOtherBranchesThenFail": true}
		status, done := deriveExecutionStatus(e)
		assert.True(t, done)
		assert.Equal(t, model.StatusTerminal, status)
	})

	t.Run("canceled beats succeeded", func(t *testing.T) {
		status, done := deriveExecutionStatus(mk(model.StatusCanceled, model.StatusSucceeded))
		assert.True(t, done)
		assert.Equal(t, model.StatusCanceled, status)
	})

	t.Run("terminal beats canceled", func(t *testing.T) {
		status, done := deriveExecutionStatus(mk(model.StatusCanceled, model.StatusTerminal))
		assert.True(t, done)
		assert.Equal(t, model.StatusTerminal, status)
	})

	t.Run("stopped without flag succeeds", func(t *testing.T) {
		status, done := deriveExecutionStatus(mk(model.StatusStopped, model.StatusSucceeded))
		assert.True(t, done)
		assert.Equal(t, model.StatusSucceeded, status)
	})

	t.Run("stopped with flag fails", func(t *testing.T) {
		e := mk(model.StatusStopped, model.StatusSucceeded)
		e.Stages[0].Context = model.Context{"completeOtherBranchesThenFail": true}
		status, done := deriveExecutionStatus(e)
		assert.True(t, done)
		assert.Equal(t, model.StatusTerminal, status)
	})

	t.Run("downstream of halted branch does not defer", func(t *testing.T) {
		e := mk(model.StatusStopped, model.StatusNotStarted)
		e.Stages[1].RequisiteStageRefIDs = []string{"a"}
		status, done := deriveExecutionStatus(e)
		assert.True(t, done)
		assert.Equal(t, model.StatusSucceeded, status)
	})
}

func TestDeriveStageStatus(t *testing.T) {
	mkStage := func(tasks []model.ExecutionStatus, children []model.ExecutionStatus) (*model.StageExecution, []*model.StageExecution) {
		s := &model.StageExecution{ID: "s"}
		for i, st := range tasks {
			s.Tasks = append(s.Tasks, &model.TaskExecution{ID: string(rune('1' + i)), Status: st})
		}
		var kids []*model.StageExecution
		for i, st := range children {
			kids = append(kids, &model.StageExecution{ID: string(rune('a' + i)), Status: st})
		}
		return s, kids
	}

	tests := []struct {
		name     string
		tasks    []model.ExecutionStatus
		children []model.ExecutionStatus
		want     model.ExecutionStatus
	}{
		{"empty stage succeeds", nil, nil, model.StatusSucceeded},
		{"all succeeded", []model.ExecutionStatus{model.StatusSucceeded}, nil, model.StatusSucceeded},
		{"failed continue marks stage", []model.ExecutionStatus{model.StatusSucceeded, model.StatusFailedContinue}, nil, model.StatusFailedContinue},
		{"terminal task fails stage", []model.ExecutionStatus{model.StatusSucceeded, model.StatusTerminal}, nil, model.StatusTerminal},
		{"terminal child fails stage", []model.ExecutionStatus{model.StatusSucceeded}, []model.ExecutionStatus{model.StatusTerminal}, model.StatusTerminal},
		{"skipped tasks fold to skipped", []model.ExecutionStatus{model.StatusSkipped}, nil, model.StatusSkipped},
		{"stopped wins over success", []model.ExecutionStatus{model.StatusSucceeded, model.StatusStopped}, nil, model.StatusStopped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, kids := mkStage(tt.tasks, tt.children)
			assert.Equal(t, tt.want, deriveStageStatus(s, kids))
		})
	}
}
