// Package memstore is the in-memory ExecutionRepository used by tests and
// single-node deployments. Every read and write deep-copies, so callers
// always hold snapshots, never aliases of the stored record.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/c360studio/conveyor/model"
	"github.com/c360studio/conveyor/store"
)

// Store is an in-memory execution repository.
type Store struct {
	mu         sync.RWMutex
	executions map[string]*model.PipelineExecution
}

// New returns an empty store.
func New() *Store {
	return &Store{executions: make(map[string]*model.PipelineExecution)}
}

// Retrieve implements store.ExecutionRepository.
func (s *Store) Retrieve(_ context.Context, _ model.ExecutionType, id string) (*model.PipelineExecution, error) {
	s.mu.RLock()
	e, ok := s.executions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return e.Clone()
}

// Store implements store.ExecutionRepository.
func (s *Store) Store(_ context.Context, e *model.PipelineExecution) error {
	clone, err := e.Clone()
	if err != nil {
		return fmt.Errorf("store execution %s: %w", e.ID, err)
	}
	s.mu.Lock()
	s.executions[e.ID] = clone
	s.mu.Unlock()
	return nil
}

// UpdateStatus implements store.ExecutionRepository.
func (s *Store) UpdateStatus(_ context.Context, e *model.PipelineExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.executions[e.ID]
	if !ok {
		return store.ErrNotFound
	}
	stored.Status = e.Status
	stored.StartTime = e.StartTime
	stored.EndTime = e.EndTime
	stored.Canceled = e.Canceled
	stored.CanceledBy = e.CanceledBy
	stored.CancellationReason = e.CancellationReason
	stored.Paused = e.Paused
	return nil
}

// StoreStage implements store.ExecutionRepository.
func (s *Store) StoreStage(_ context.Context, stage *model.StageExecution) error {
	exec := stage.Execution()
	if exec == nil {
		return fmt.Errorf("store stage %s: stage has no execution", stage.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.executions[exec.ID]
	if !ok {
		return store.ErrNotFound
	}
	return replaceStage(stored, stage)
}

// UpdateStageContext implements store.ExecutionRepository.
func (s *Store) UpdateStageContext(_ context.Context, stage *model.StageExecution) error {
	exec := stage.Execution()
	if exec == nil {
		return fmt.Errorf("update stage %s: stage has no execution", stage.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.executions[exec.ID]
	if !ok {
		return store.ErrNotFound
	}
	target, found := stored.StageByID(stage.ID)
	if !found {
		return store.ErrStageNotFound
	}
	copied, err := cloneStage(stage)
	if err != nil {
		return err
	}
	target.Context = copied.Context
	target.Outputs = copied.Outputs
	return nil
}

// RetrieveForPipelineConfigID implements store.ExecutionRepository.
func (s *Store) RetrieveForPipelineConfigID(_ context.Context, configID string) ([]*model.PipelineExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.PipelineExecution
	for _, e := range s.executions {
		if e.PipelineConfigID != configID {
			continue
		}
		clone, err := e.Clone()
		if err != nil {
			return nil, err
		}
		out = append(out, clone)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].StartTime, out[j].StartTime
		switch {
		case ti == nil && tj == nil:
			return out[i].ID > out[j].ID
		case ti == nil:
			return true
		case tj == nil:
			return false
		default:
			return ti.After(*tj)
		}
	})
	return out, nil
}

func cloneStage(stage *model.StageExecution) (*model.StageExecution, error) {
	// Stages deep-copy through their enclosing execution's codec.
	holder := &model.PipelineExecution{
		ID:          "clone",
		Type:        model.ExecutionTypePipeline,
		Application: "clone",
		Stages:      []*model.StageExecution{stage},
	}
	clone, err := holder.Clone()
	if err != nil {
		return nil, fmt.Errorf("clone stage %s: %w", stage.ID, err)
	}
	return clone.Stages[0], nil
}

func replaceStage(stored *model.PipelineExecution, stage *model.StageExecution) error {
	copied, err := cloneStage(stage)
	if err != nil {
		return err
	}
	for i, existing := range stored.Stages {
		if existing.ID == stage.ID {
			stored.Stages[i] = copied
			stored.AttachBackrefs()
			return nil
		}
	}
	return store.ErrStageNotFound
}
