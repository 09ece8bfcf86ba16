package task

import (
	"context"
	"time"

	"github.com/c360studio/conveyor/model"
)

// WaitTaskType is the implementingType name of the wait task.
const WaitTaskType = "waitTask"

// WaitTask holds a stage open for a configured number of seconds
// ("waitTime" in the stage context). An operator can cut the wait short by
// setting "skipRemainingWait".
type WaitTask struct{}

// Execute implements Task.
func (WaitTask) Execute(_ context.Context, stage *model.StageExecution) (Result, error) {
	if stage.Context.BoolFlag("skipRemainingWait") {
		return Result{Status: model.StatusSucceeded}, nil
	}

	waitTime := stage.Context.DurationSeconds("waitTime")
	if waitTime <= 0 {
		return Result{Status: model.StatusSucceeded}, nil
	}

	// The first invocation stamps the wait start into the context so the
	// deadline survives restarts.
	startedAt, ok := stage.Context.Time("waitTaskStartedAt")
	if !ok {
		return Result{
			Status:  model.StatusRunning,
			Context: map[string]any{"waitTaskStartedAt": time.Now().UTC().Format(time.RFC3339Nano)},
		}, nil
	}

	if time.Since(startedAt) >= waitTime {
		return Result{Status: model.StatusSucceeded}, nil
	}
	return Result{Status: model.StatusRunning}, nil
}

// BackoffPeriod implements BackoffAware: poll no faster than once a second,
// and never much later than the wait expiry.
func (WaitTask) BackoffPeriod(stage *model.StageExecution) time.Duration {
	waitTime := stage.Context.DurationSeconds("waitTime")
	if waitTime > 0 && waitTime < 15*time.Second {
		return time.Second
	}
	return 15 * time.Second
}
