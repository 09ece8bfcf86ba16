package model

import "time"

// Context is the opaque per-stage mapping merged with task outputs. Specific
// keys the scheduler reacts to are exposed through typed accessors; the rest
// rides along untouched.
type Context map[string]any

// Well-known context keys.
const (
	keyContinueOnFailure             = "continueOnFailure"
	keyCompleteOtherBranchesThenFail = "completeOtherBranchesThenFail"
	keyManualSkip                    = "manualSkip"
	keyStageTimeoutMs                = "stageTimeoutMs"
	keyException                     = "exception"
)

func (c Context) boolValue(key string) bool {
	if c == nil {
		return false
	}
	v, ok := c[key].(bool)
	return ok && v
}

// BoolFlag returns the boolean value of a context key, false when absent or
// not a bool.
func (c Context) BoolFlag(key string) bool {
	return c.boolValue(key)
}

// String returns the string value of a context key.
func (c Context) String(key string) string {
	if c == nil {
		return ""
	}
	v, _ := c[key].(string)
	return v
}

// Int returns the integer value of a context key, tolerating the float64
// JSON numbers land as.
func (c Context) Int(key string) (int, bool) {
	if c == nil {
		return 0, false
	}
	switch v := c[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// DurationSeconds interprets a numeric context key as a second count.
func (c Context) DurationSeconds(key string) time.Duration {
	n, ok := c.Int(key)
	if !ok || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// Time parses an RFC 3339 timestamp stored under a context key.
func (c Context) Time(key string) (time.Time, bool) {
	s := c.String(key)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ContinueOnFailure reports whether a TERMINAL task result should be folded
// to FAILED_CONTINUE instead of failing the stage.
func (s *StageExecution) ContinueOnFailure() bool {
	return s.Context.boolValue(keyContinueOnFailure)
}

// CompleteOtherBranchesThenFail reports whether sibling branches should run
// to completion before the execution is failed.
func (s *StageExecution) CompleteOtherBranchesThenFail() bool {
	return s.Context.boolValue(keyCompleteOtherBranchesThenFail)
}

// AllowManualSkip reports whether the pipeline author permitted this stage
// to be skipped by an operator.
func (s *StageExecution) AllowManualSkip() bool {
	return s.Context.boolValue(keyManualSkip)
}

// TaskDeadline returns the wall-clock deadline for a running task. The stage
// context may override the implementation's declared timeout; a task may
// extend the deadline only through this context key.
func (s *StageExecution) TaskDeadline(t *TaskExecution, declared time.Duration) (time.Time, bool) {
	if t.StartTime == nil {
		return time.Time{}, false
	}
	timeout := declared
	if s.Context != nil {
		switch v := s.Context[keyStageTimeoutMs].(type) {
		case float64:
			timeout = time.Duration(v) * time.Millisecond
		case int:
			timeout = time.Duration(v) * time.Millisecond
		case int64:
			timeout = time.Duration(v) * time.Millisecond
		}
	}
	if timeout <= 0 {
		return time.Time{}, false
	}
	return t.StartTime.Add(timeout), true
}

// SetException records a synthetic failure reason on the stage context.
func (s *StageExecution) SetException(source, reason string) {
	if s.Context == nil {
		s.Context = Context{}
	}
	s.Context[keyException] = map[string]any{
		"source": source,
		"reason": reason,
	}
}

// MergeContext folds a task's returned context delta into the stage context.
func (s *StageExecution) MergeContext(delta map[string]any) {
	if len(delta) == 0 {
		return
	}
	if s.Context == nil {
		s.Context = Context{}
	}
	for k, v := range delta {
		s.Context[k] = v
	}
}

// MergeOutputs folds a task's outputs into the stage outputs.
func (s *StageExecution) MergeOutputs(outputs map[string]any) {
	if len(outputs) == 0 {
		return
	}
	if s.Outputs == nil {
		s.Outputs = map[string]any{}
	}
	for k, v := range outputs {
		s.Outputs[k] = v
	}
}
