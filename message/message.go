// Package message defines the closed set of commands exchanged through the
// queue. Messages fall into three tiers (execution, stage, task) plus the
// invalid markers the dispatcher emits when a message exhausts its attempts.
//
// Every message is replayable: handlers are idempotent with respect to the
// idempotency key (kind, executionId, stageId?, taskId?).
package message

import (
	"fmt"
	"strings"

	"github.com/c360studio/conveyor/model"
)

// Message is one unit of scheduler work.
type Message interface {
	// Kind is the wire discriminator, stable across engine versions.
	Kind() string
	Validate() error
}

// ExecutionMessage is implemented by every message addressed to a specific
// execution. StartWaitingExecutions is the only message without one.
type ExecutionMessage interface {
	Message
	GetExecutionInfo() ExecutionInfo
}

// StageMessage is implemented by stage- and task-tier messages.
type StageMessage interface {
	ExecutionMessage
	StageID() string
}

// TaskMessage is implemented by task-tier messages.
type TaskMessage interface {
	StageMessage
	TaskID() string
}

// ExecutionInfo identifies the execution a message operates on.
type ExecutionInfo struct {
	ExecutionType model.ExecutionType `json:"executionType"`
	ExecutionID   string              `json:"executionId"`
	Application   string              `json:"application"`
}

// ExecutionInfo implements ExecutionMessage.
func (i ExecutionInfo) GetExecutionInfo() ExecutionInfo { return i }

// Validate implements Message.
func (i ExecutionInfo) Validate() error {
	if i.ExecutionID == "" {
		return fmt.Errorf("executionId is required")
	}
	if i.ExecutionType != model.ExecutionTypePipeline && i.ExecutionType != model.ExecutionTypeOrchestration {
		return fmt.Errorf("unknown executionType %q", i.ExecutionType)
	}
	return nil
}

// StageRef identifies a stage within an execution.
type StageRef struct {
	ExecutionInfo
	Stage string `json:"stageId"`
}

// StageID implements StageMessage.
func (r StageRef) StageID() string { return r.Stage }

// Validate implements Message.
func (r StageRef) Validate() error {
	if err := r.ExecutionInfo.Validate(); err != nil {
		return err
	}
	if r.Stage == "" {
		return fmt.Errorf("stageId is required")
	}
	return nil
}

// TaskRef identifies a task within a stage.
type TaskRef struct {
	StageRef
	Task string `json:"taskId"`
}

// TaskID implements TaskMessage.
func (r TaskRef) TaskID() string { return r.Task }

// Validate implements Message.
func (r TaskRef) Validate() error {
	if err := r.StageRef.Validate(); err != nil {
		return err
	}
	if r.Task == "" {
		return fmt.Errorf("taskId is required")
	}
	return nil
}

// NewExecutionInfo builds the identity tuple from an execution.
func NewExecutionInfo(e *model.PipelineExecution) ExecutionInfo {
	return ExecutionInfo{
		ExecutionType: e.Type,
		ExecutionID:   e.ID,
		Application:   e.Application,
	}
}

// IdempotencyKey collapses duplicate deliveries: two messages with the same
// key must yield the same persisted state when applied twice.
func IdempotencyKey(m Message) string {
	parts := []string{m.Kind()}
	if em, ok := m.(ExecutionMessage); ok {
		parts = append(parts, em.GetExecutionInfo().ExecutionID)
	}
	if sm, ok := m.(StageMessage); ok {
		parts = append(parts, sm.StageID())
	}
	if tm, ok := m.(TaskMessage); ok {
		parts = append(parts, tm.TaskID())
	}
	return strings.Join(parts, "/")
}
