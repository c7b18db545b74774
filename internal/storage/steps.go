package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/relay/internal/model"
)

// GetRunSteps returns a run's steps in pipeline order.
func (db *DB) GetRunSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, agent_type, status, progress, progress_label, tokens_used,
		        artifact_id, started_at, completed_at, error, created_at
		 FROM steps WHERE run_id = $1
		 ORDER BY step_index ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get run steps: %w", err)
	}
	defer rows.Close()

	var steps []model.Step
	for rows.Next() {
		var s model.Step
		if err := rows.Scan(
			&s.ID, &s.RunID, &s.AgentType, &s.Status, &s.Progress, &s.ProgressLabel,
			&s.TokensUsed, &s.ArtifactID, &s.StartedAt, &s.CompletedAt, &s.Error, &s.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// StartStep transitions a step from queued to running.
func (db *DB) StartStep(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE steps SET status = $1, started_at = $2
		 WHERE id = $3 AND status = $4`,
		string(model.StepStatusRunning), time.Now().UTC(), id, string(model.StepStatusQueued),
	)
	if err != nil {
		return fmt.Errorf("storage: start step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: start step %s: %w", id, ErrInvalidTransition)
	}
	return nil
}

// UpdateStepProgress records progress within a running step. Progress is
// non-decreasing; the GREATEST guard makes a stale write harmless.
func (db *DB) UpdateStepProgress(ctx context.Context, id uuid.UUID, progress int, label string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE steps SET progress = GREATEST(progress, $1), progress_label = $2
		 WHERE id = $3 AND status = $4`,
		progress, label, id, string(model.StepStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("storage: update step progress: %w", err)
	}
	return nil
}

// CompleteStep marks a running step completed, records its token usage and
// the artifact it produced.
func (db *DB) CompleteStep(ctx context.Context, id uuid.UUID, tokens int64, artifactID *uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE steps SET status = $1, progress = 100, tokens_used = $2, artifact_id = $3, completed_at = $4
		 WHERE id = $5 AND status = $6`,
		string(model.StepStatusCompleted), tokens, artifactID, time.Now().UTC(),
		id, string(model.StepStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("storage: complete step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete step %s: %w", id, ErrInvalidTransition)
	}
	return nil
}

// FailStep marks a running step failed and records the error text.
func (db *DB) FailStep(ctx context.Context, id uuid.UUID, errText string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE steps SET status = $1, error = $2, completed_at = $3
		 WHERE id = $4 AND status = $5`,
		string(model.StepStatusFailed), errText, time.Now().UTC(),
		id, string(model.StepStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("storage: fail step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: fail step %s: %w", id, ErrInvalidTransition)
	}
	return nil
}
