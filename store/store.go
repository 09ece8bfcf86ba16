// Package store defines the execution repository: the system of record for
// executions and their stages. Handlers work on snapshots and write back
// atomically per stage or per execution.
package store

import (
	"context"
	"errors"

	"github.com/c360studio/conveyor/model"
)

// ErrNotFound is returned when an execution does not exist.
var ErrNotFound = errors.New("store: execution not found")

// ErrStageNotFound is returned when a stage update references an unknown
// stage id.
var ErrStageNotFound = errors.New("store: stage not found")

// ExecutionRepository owns the durable form of every execution.
type ExecutionRepository interface {
	// Retrieve returns a snapshot of an execution. Mutating the returned
	// value has no effect until it is written back.
	Retrieve(ctx context.Context, t model.ExecutionType, id string) (*model.PipelineExecution, error)
	// Store writes the full execution, replacing any previous version.
	Store(ctx context.Context, e *model.PipelineExecution) error
	// UpdateStatus persists the execution-level status and timestamps.
	UpdateStatus(ctx context.Context, e *model.PipelineExecution) error
	// StoreStage atomically replaces one stage within its execution.
	StoreStage(ctx context.Context, s *model.StageExecution) error
	// UpdateStageContext persists only a stage's context and outputs.
	UpdateStageContext(ctx context.Context, s *model.StageExecution) error
	// RetrieveForPipelineConfigID returns all executions sharing a
	// pipeline configuration, newest first.
	RetrieveForPipelineConfigID(ctx context.Context, configID string) ([]*model.PipelineExecution, error)
}
