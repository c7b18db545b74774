package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/relay/internal/model"
)

// Artifact is the stored output of one completed step.
type Artifact struct {
	ID        uuid.UUID       `json:"id"`
	RunID     uuid.UUID       `json:"run_id"`
	StepID    uuid.UUID       `json:"step_id"`
	AgentType model.AgentType `json:"agent_type"`
	Content   string          `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}

// CreateArtifact stores a step's produced content and returns its id.
func (db *DB) CreateArtifact(ctx context.Context, a Artifact) (uuid.UUID, error) {
	a.ID = uuid.New()
	a.CreatedAt = time.Now().UTC()
	_, err := db.pool.Exec(ctx,
		`INSERT INTO artifacts (id, run_id, step_id, agent_type, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.RunID, a.StepID, string(a.AgentType), a.Content, a.CreatedAt,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: create artifact: %w", err)
	}
	return a.ID, nil
}

// GetArtifact retrieves a stored artifact by id.
func (db *DB) GetArtifact(ctx context.Context, id uuid.UUID) (Artifact, error) {
	var a Artifact
	err := db.pool.QueryRow(ctx,
		`SELECT id, run_id, step_id, agent_type, content, created_at
		 FROM artifacts WHERE id = $1`, id,
	).Scan(&a.ID, &a.RunID, &a.StepID, &a.AgentType, &a.Content, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Artifact{}, ErrNotFound
		}
		return Artifact{}, fmt.Errorf("storage: get artifact: %w", err)
	}
	return a, nil
}

// GetRunArtifacts returns a run's artifacts in creation order. Sequential
// steps read earlier steps' outputs through this.
func (db *DB) GetRunArtifacts(ctx context.Context, runID uuid.UUID) ([]Artifact, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, step_id, agent_type, content, created_at
		 FROM artifacts WHERE run_id = $1
		 ORDER BY created_at ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get run artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.RunID, &a.StepID, &a.AgentType, &a.Content, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
