package model

import (
	"encoding/json"
	"fmt"
)

type jsonRaw = json.RawMessage

// Submitted pipelines round-trip through engine versions that may not model
// every field. Unknown keys are captured at unmarshal and merged back at
// marshal; known fields always win.

var executionKnownKeys = []string{
	"id", "type", "application", "name", "pipelineConfigId",
	"status", "startTime", "endTime", "stages", "origin", "authentication",
	"limitConcurrent", "keepWaitingPipelines",
	"canceled", "canceledBy", "cancellationReason", "paused",
}

var stageKnownKeys = []string{
	"id", "refId", "type", "name", "status", "startTime", "endTime",
	"context", "outputs", "requisiteStageRefIds", "parentStageId",
	"syntheticStageOwner", "tasks", "lastModifiedBy",
}

func splitUnknown(data []byte, known []string) (map[string]jsonRaw, error) {
	var raw map[string]jsonRaw
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(raw, k)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw, nil
}

func mergeUnknown(base []byte, extra map[string]jsonRaw) ([]byte, error) {
	if len(extra) == 0 {
		return base, nil
	}
	var m map[string]jsonRaw
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, exists := m[k]; !exists {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes an execution, retaining unknown fields.
func (e *PipelineExecution) UnmarshalJSON(data []byte) error {
	type alias PipelineExecution
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("unmarshal execution: %w", err)
	}
	extra, err := splitUnknown(data, executionKnownKeys)
	if err != nil {
		return fmt.Errorf("unmarshal execution: %w", err)
	}
	*e = PipelineExecution(a)
	e.extra = extra
	e.AttachBackrefs()
	return nil
}

// MarshalJSON encodes an execution, merging retained unknown fields back in.
func (e *PipelineExecution) MarshalJSON() ([]byte, error) {
	type alias PipelineExecution
	base, err := json.Marshal((*alias)(e))
	if err != nil {
		return nil, fmt.Errorf("marshal execution: %w", err)
	}
	return mergeUnknown(base, e.extra)
}

// UnmarshalJSON decodes a stage, retaining unknown fields.
func (s *StageExecution) UnmarshalJSON(data []byte) error {
	type alias StageExecution
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("unmarshal stage: %w", err)
	}
	extra, err := splitUnknown(data, stageKnownKeys)
	if err != nil {
		return fmt.Errorf("unmarshal stage: %w", err)
	}
	*s = StageExecution(a)
	s.extra = extra
	return nil
}

// MarshalJSON encodes a stage, merging retained unknown fields back in.
func (s *StageExecution) MarshalJSON() ([]byte, error) {
	type alias StageExecution
	base, err := json.Marshal((*alias)(s))
	if err != nil {
		return nil, fmt.Errorf("marshal stage: %w", err)
	}
	return mergeUnknown(base, s.extra)
}

// Clone returns a deep copy of the execution. Repositories hand clones to
// handlers so in-flight mutations never alias the stored record.
func (e *PipelineExecution) Clone() (*PipelineExecution, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("clone execution: %w", err)
	}
	var out PipelineExecution
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone execution: %w", err)
	}
	return &out, nil
}
