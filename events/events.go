// Package events publishes lifecycle events to external subscribers
// (metrics, notifications, webhooks). Publication is fire-and-forget: a
// failed publish is logged, never propagated into the scheduler.
package events

import (
	"context"
	"time"

	"github.com/c360studio/conveyor/model"
)

// Type enumerates the lifecycle events the engine emits.
type Type string

const (
	ExecutionStarted  Type = "ExecutionStarted"
	ExecutionComplete Type = "ExecutionComplete"
	StageStarted      Type = "StageStarted"
	StageComplete     Type = "StageComplete"
	TaskStarted       Type = "TaskStarted"
	TaskComplete      Type = "TaskComplete"
)

// Event carries the snapshot that caused it.
type Event struct {
	Type        Type                  `json:"type"`
	Application string                `json:"application"`
	ExecutionID string                `json:"executionId"`
	StageID     string                `json:"stageId,omitempty"`
	TaskID      string                `json:"taskId,omitempty"`
	Status      model.ExecutionStatus `json:"status"`
	Time        time.Time             `json:"time"`
	// Execution is the snapshot that caused the event.
	Execution *model.PipelineExecution `json:"execution,omitempty"`
}

// Publisher delivers events to the bus.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Noop discards every event.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, Event) {}
