// Package pgstore is the Postgres ExecutionRepository. The execution body
// is stored as JSON alongside indexed columns for lookups; per-stage writes
// take a row lock so concurrent handlers never lose stage updates.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/c360studio/conveyor/model"
	"github.com/c360studio/conveyor/store"
)

// Store is a Postgres-backed execution repository.
type Store struct {
	db *sqlx.DB
}

// New opens a connection pool, runs pending migrations, and returns the
// repository.
func New(connStr string) (*Store, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

type executionRow struct {
	ID   string `db:"id"`
	Body []byte `db:"body"`
}

// Retrieve implements store.ExecutionRepository.
func (s *Store) Retrieve(ctx context.Context, t model.ExecutionType, id string) (*model.PipelineExecution, error) {
	var row executionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, body FROM executions WHERE id = $1 AND execution_type = $2`, id, string(t))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("retrieve execution %s: %w", id, err)
	}
	return decodeBody(row.Body)
}

// Store implements store.ExecutionRepository.
func (s *Store) Store(ctx context.Context, e *model.PipelineExecution) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("store execution %s: %w", e.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, execution_type, application, pipeline_config_id, status, start_time, end_time, body, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			body = EXCLUDED.body,
			updated_at = NOW()`,
		e.ID, string(e.Type), e.Application, nullable(e.PipelineConfigID),
		string(e.Status), e.StartTime, e.EndTime, body)
	if err != nil {
		return fmt.Errorf("store execution %s: %w", e.ID, err)
	}
	return nil
}

// UpdateStatus implements store.ExecutionRepository.
func (s *Store) UpdateStatus(ctx context.Context, e *model.PipelineExecution) error {
	return s.withExecutionLock(ctx, e.ID, func(stored *model.PipelineExecution) error {
		stored.Status = e.Status
		stored.StartTime = e.StartTime
		stored.EndTime = e.EndTime
		stored.Canceled = e.Canceled
		stored.CanceledBy = e.CanceledBy
		stored.CancellationReason = e.CancellationReason
		stored.Paused = e.Paused
		return nil
	})
}

// StoreStage implements store.ExecutionRepository.
func (s *Store) StoreStage(ctx context.Context, stage *model.StageExecution) error {
	exec := stage.Execution()
	if exec == nil {
		return fmt.Errorf("store stage %s: stage has no execution", stage.ID)
	}
	return s.withExecutionLock(ctx, exec.ID, func(stored *model.PipelineExecution) error {
		for i, existing := range stored.Stages {
			if existing.ID == stage.ID {
				stored.Stages[i] = stage
				stored.AttachBackrefs()
				return nil
			}
		}
		return store.ErrStageNotFound
	})
}

// UpdateStageContext implements store.ExecutionRepository.
func (s *Store) UpdateStageContext(ctx context.Context, stage *model.StageExecution) error {
	exec := stage.Execution()
	if exec == nil {
		return fmt.Errorf("update stage %s: stage has no execution", stage.ID)
	}
	return s.withExecutionLock(ctx, exec.ID, func(stored *model.PipelineExecution) error {
		target, ok := stored.StageByID(stage.ID)
		if !ok {
			return store.ErrStageNotFound
		}
		target.Context = stage.Context
		target.Outputs = stage.Outputs
		return nil
	})
}

// RetrieveForPipelineConfigID implements store.ExecutionRepository.
func (s *Store) RetrieveForPipelineConfigID(ctx context.Context, configID string) ([]*model.PipelineExecution, error) {
	var rows []executionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, body FROM executions
		WHERE pipeline_config_id = $1
		ORDER BY start_time DESC NULLS FIRST, id DESC`, configID)
	if err != nil {
		return nil, fmt.Errorf("retrieve executions for config %s: %w", configID, err)
	}
	out := make([]*model.PipelineExecution, 0, len(rows))
	for _, row := range rows {
		e, err := decodeBody(row.Body)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// withExecutionLock runs mutate against the current stored body under a row
// lock and writes the result back in the same transaction.
func (s *Store) withExecutionLock(ctx context.Context, id string, mutate func(*model.PipelineExecution) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row executionRow
	err = tx.GetContext(ctx, &row, `SELECT id, body FROM executions WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock execution %s: %w", id, err)
	}

	stored, err := decodeBody(row.Body)
	if err != nil {
		return err
	}
	if err := mutate(stored); err != nil {
		return err
	}

	body, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode execution %s: %w", id, err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE executions SET
			status = $2, start_time = $3, end_time = $4, body = $5, updated_at = NOW()
		WHERE id = $1`,
		id, string(stored.Status), stored.StartTime, stored.EndTime, body)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit execution %s: %w", id, err)
	}
	return nil
}

func decodeBody(body []byte) (*model.PipelineExecution, error) {
	var e model.PipelineExecution
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("decode execution body: %w", err)
	}
	return &e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
