package model

// ExecutionStatus is the shared status lattice for executions, stages and
// tasks. Statuses only advance: NOT_STARTED < RUNNING < the terminal set,
// with PAUSED as the single reversible detour off RUNNING. REDIRECT is a
// transient task-only signal and is never persisted.
type ExecutionStatus string

const (
	StatusNotStarted     ExecutionStatus = "NOT_STARTED"
	StatusRunning        ExecutionStatus = "RUNNING"
	StatusPaused         ExecutionStatus = "PAUSED"
	StatusSucceeded      ExecutionStatus = "SUCCEEDED"
	StatusFailedContinue ExecutionStatus = "FAILED_CONTINUE"
	StatusSkipped        ExecutionStatus = "SKIPPED"
	StatusStopped        ExecutionStatus = "STOPPED"
	StatusTerminal       ExecutionStatus = "TERMINAL"
	StatusCanceled       ExecutionStatus = "CANCELED"
	StatusRedirect       ExecutionStatus = "REDIRECT"
)

// IsComplete reports whether the status is terminal.
func (s ExecutionStatus) IsComplete() bool {
	switch s {
	case StatusSucceeded, StatusFailedContinue, StatusSkipped,
		StatusStopped, StatusTerminal, StatusCanceled:
		return true
	}
	return false
}

// IsHalt reports whether the status halts downstream scheduling.
func (s ExecutionStatus) IsHalt() bool {
	switch s {
	case StatusStopped, StatusTerminal, StatusCanceled:
		return true
	}
	return false
}

// IsSuccessful reports whether the status counts as "stage-complete" for
// scheduling: downstream stages may start once every upstream is in this set.
func (s ExecutionStatus) IsSuccessful() bool {
	switch s {
	case StatusSucceeded, StatusFailedContinue, StatusSkipped:
		return true
	}
	return false
}

// severity orders statuses from most benign to most fatal. Used to fold a
// set of task or child statuses into a single stage status.
var severity = map[ExecutionStatus]int{
	StatusNotStarted:     0,
	StatusSkipped:        1,
	StatusSucceeded:      2,
	StatusFailedContinue: 3,
	StatusPaused:         4,
	StatusRunning:        5,
	StatusRedirect:       6,
	StatusStopped:        7,
	StatusCanceled:       8,
	StatusTerminal:       9,
}

// Worst returns the most severe of the given statuses, or NOT_STARTED when
// the list is empty.
func Worst(statuses ...ExecutionStatus) ExecutionStatus {
	worst := StatusNotStarted
	for _, s := range statuses {
		if severity[s] > severity[worst] {
			worst = s
		}
	}
	return worst
}
