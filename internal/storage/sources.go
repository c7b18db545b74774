package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Source is an upstream data source row. Ingestion (upload, parsing,
// crawling) is owned by other services writing into the same table; this
// layer reads the readiness flag that gates run creation.
type Source struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateSource registers a data source row. Primarily used by tests and
// tooling; production rows arrive from the ingestion services.
func (db *DB) CreateSource(ctx context.Context, s Source) (Source, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Kind == "" {
		s.Kind = "document"
	}
	if s.Status == "" {
		s.Status = "pending"
	}
	s.CreatedAt = time.Now().UTC()
	_, err := db.pool.Exec(ctx,
		`INSERT INTO sources (id, project_id, kind, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.ProjectID, s.Kind, s.Status, s.CreatedAt,
	)
	if err != nil {
		return Source{}, fmt.Errorf("storage: create source: %w", err)
	}
	return s, nil
}

// CountReadySources returns the number of upstream data sources in ready
// status for a project.
func (db *DB) CountReadySources(ctx context.Context, projectID uuid.UUID) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sources WHERE project_id = $1 AND status = 'ready'`,
		projectID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count ready sources: %w", err)
	}
	return n, nil
}
