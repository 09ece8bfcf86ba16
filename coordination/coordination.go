// Package coordination holds the two pieces of shared scheduler state that
// live outside the execution repository: the advisory per-execution handler
// lock and the per-pipeline-configuration admission state (running slot plus
// ordered waiting queue).
//
// The lock is a throughput and ordering optimization, not a correctness
// requirement; the state machine is idempotent, so losing a lock costs
// redundant work, never corruption.
package coordination

import (
	"context"
	"time"
)

// ExecutionLocker serializes handlers touching the same execution.
type ExecutionLocker interface {
	// TryAcquire attempts to take the lock for an execution. When ok, the
	// caller must invoke release when done. ttl bounds how long a crashed
	// holder can block others.
	TryAcquire(ctx context.Context, executionID string, ttl time.Duration) (release func(), ok bool, err error)
}

// Admission tracks, per pipelineConfigId, which execution currently holds
// the running slot and which are queued behind it.
type Admission interface {
	// TryAcquire compare-and-sets the running slot to executionID.
	// Returns true when this execution now holds the slot (including when
	// it already did).
	TryAcquire(ctx context.Context, configID, executionID string) (bool, error)
	// Release frees the slot iff executionID holds it.
	Release(ctx context.Context, configID, executionID string) error
	// Enqueue appends an execution to the waiting queue.
	Enqueue(ctx context.Context, configID, executionID string) error
	// PopOldest removes and returns the oldest waiting execution, or ""
	// when the queue is empty.
	PopOldest(ctx context.Context, configID string) (string, error)
	// PurgeToNewest truncates the waiting queue to its newest entry,
	// returning the purged execution ids, oldest first.
	PurgeToNewest(ctx context.Context, configID string) ([]string, error)
	// Remove deletes an execution from the waiting queue wherever it sits.
	Remove(ctx context.Context, configID, executionID string) error
}
