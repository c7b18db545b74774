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

// CreateRun inserts a queued run and one queued step per selected agent type
// in a single transaction, so a run can never exist without its steps.
func (db *DB) CreateRun(ctx context.Context, run model.Run) (model.Run, []model.Step, error) {
	now := time.Now().UTC()
	run.ID = uuid.New()
	run.Status = model.RunStatusQueued
	run.CreatedAt = now

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Run{}, nil, fmt.Errorf("storage: begin create run: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO runs (id, project_id, tenant_id, mode, agent_types, status, total_tokens, total_cost, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, 0, $7, $8)`,
		run.ID, run.ProjectID, run.TenantID, string(run.Mode), agentTypesToStrings(run.AgentTypes),
		string(run.Status), run.CreatedBy, run.CreatedAt,
	)
	if err != nil {
		return model.Run{}, nil, fmt.Errorf("storage: create run: %w", err)
	}

	steps := make([]model.Step, 0, len(run.AgentTypes))
	for i, agent := range run.AgentTypes {
		step := model.Step{
			ID:            uuid.New(),
			RunID:         run.ID,
			AgentType:     agent,
			Status:        model.StepStatusQueued,
			ProgressLabel: agent.Label(),
			CreatedAt:     now,
		}
		// step_index pins the pipeline position; created_at alone cannot,
		// since all of a run's steps share one creation timestamp.
		_, err = tx.Exec(ctx,
			`INSERT INTO steps (id, run_id, step_index, agent_type, status, progress, progress_label, tokens_used, created_at)
			 VALUES ($1, $2, $3, $4, $5, 0, $6, 0, $7)`,
			step.ID, step.RunID, i, string(step.AgentType), string(step.Status), step.ProgressLabel, step.CreatedAt,
		)
		if err != nil {
			return model.Run{}, nil, fmt.Errorf("storage: create step %s: %w", agent, err)
		}
		steps = append(steps, step)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Run{}, nil, fmt.Errorf("storage: commit create run: %w", err)
	}
	return run, steps, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	var (
		run    model.Run
		agents []string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, project_id, tenant_id, mode, agent_types, status, total_tokens, total_cost,
		        started_at, completed_at, error, created_by, created_at
		 FROM runs WHERE id = $1`, id,
	).Scan(
		&run.ID, &run.ProjectID, &run.TenantID, &run.Mode, &agents, &run.Status,
		&run.TotalTokens, &run.TotalCost, &run.StartedAt, &run.CompletedAt,
		&run.Error, &run.CreatedBy, &run.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	run.AgentTypes = stringsToAgentTypes(agents)
	return run, nil
}

// ListRuns returns the most recent runs for a project, newest first.
func (db *DB) ListRuns(ctx context.Context, projectID uuid.UUID, limit int) ([]model.Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, project_id, tenant_id, mode, agent_types, status, total_tokens, total_cost,
		        started_at, completed_at, error, created_by, created_at
		 FROM runs WHERE project_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, projectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var (
			r      model.Run
			agents []string
		)
		if err := rows.Scan(
			&r.ID, &r.ProjectID, &r.TenantID, &r.Mode, &agents, &r.Status,
			&r.TotalTokens, &r.TotalCost, &r.StartedAt, &r.CompletedAt,
			&r.Error, &r.CreatedBy, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		r.AgentTypes = stringsToAgentTypes(agents)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// StartRun transitions a run from queued to running and stamps started_at.
func (db *DB) StartRun(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = $1, started_at = $2
		 WHERE id = $3 AND status = $4`,
		string(model.RunStatusRunning), time.Now().UTC(), id, string(model.RunStatusQueued),
	)
	if err != nil {
		return fmt.Errorf("storage: start run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: start run %s: %w", id, ErrInvalidTransition)
	}
	return nil
}

// FinishRun transitions a run to a terminal status and stamps completed_at.
// errText is recorded only for failed runs. Queued runs may finish directly:
// when the queued-to-running persist itself fails, the run must still reach
// a terminal status rather than sit in queued forever.
func (db *DB) FinishRun(ctx context.Context, id uuid.UUID, status model.RunStatus, errText string) error {
	if !status.Terminal() {
		return fmt.Errorf("storage: finish run %s: %q is not terminal", id, status)
	}
	var errCol *string
	if errText != "" {
		errCol = &errText
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = $1, completed_at = $2, error = $3
		 WHERE id = $4 AND status = ANY($5)`,
		string(status), time.Now().UTC(), errCol, id,
		[]string{string(model.RunStatusQueued), string(model.RunStatusRunning)},
	)
	if err != nil {
		return fmt.Errorf("storage: finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: finish run %s: %w", id, ErrInvalidTransition)
	}
	return nil
}

// AddRunUsage adds a completed step's tokens and cost to the run totals.
// Totals only ever grow; there is no decrement path.
func (db *DB) AddRunUsage(ctx context.Context, id uuid.UUID, tokens int64, cost float64) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET total_tokens = total_tokens + $1, total_cost = total_cost + $2
		 WHERE id = $3`,
		tokens, cost, id,
	)
	if err != nil {
		return fmt.Errorf("storage: add run usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func agentTypesToStrings(in []model.AgentType) []string {
	out := make([]string, len(in))
	for i, t := range in {
		out[i] = string(t)
	}
	return out
}

func stringsToAgentTypes(in []string) []model.AgentType {
	out := make([]model.AgentType, len(in))
	for i, s := range in {
		out[i] = model.AgentType(s)
	}
	return out
}
