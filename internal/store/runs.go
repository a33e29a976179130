package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Run represents a row in the runs table: one full pipeline execution.
type Run struct {
	ID           string
	PipelineID   string
	PipelineType string
	Name         *string
	InputContext json.RawMessage
	OutputResult json.RawMessage
	Status       string // "running", "completed", "failed", "cancelled"
	StartedAt    time.Time
	CompletedAt  *time.Time
	Metadata     json.RawMessage
}

// CreateRunParams holds the fields for a new run.
type CreateRunParams struct {
	PipelineID   string
	PipelineType string
	Name         *string
	InputContext json.RawMessage
	Metadata     json.RawMessage
}

// ListRunsParams holds filters and pagination for run listing. Date bounds
// apply to started_at.
type ListRunsParams struct {
	PipelineType *string
	Status       *string
	DateFrom     *time.Time
	DateTo       *time.Time
	Page         int
	PageSize     int
}

// CreateRun inserts a new run in the "running" state.
func (s *Store) CreateRun(ctx context.Context, params CreateRunParams) (*Run, error) {
	var r Run
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO runs (pipeline_id, pipeline_type, name, input_context, metadata, status, started_at)
		VALUES ($1, $2, $3, $4, $5, 'running', now())
		RETURNING id, pipeline_id, pipeline_type, name, COALESCE(input_context, 'null'::jsonb),
		          COALESCE(output_result, 'null'::jsonb),
		          status, started_at, completed_at, COALESCE(metadata, 'null'::jsonb)`,
		params.PipelineID, params.PipelineType, params.Name,
		nullableJSON(params.InputContext), nullableJSON(params.Metadata),
	).Scan(&r.ID, &r.PipelineID, &r.PipelineType, &r.Name, &r.InputContext, &r.OutputResult,
		&r.Status, &r.StartedAt, &r.CompletedAt, &r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("CreateRun: %w", err)
	}
	return &r, nil
}

// CompleteRun marks a run finished with the given status and result.
// Returns nil if the run does not exist.
func (s *Store) CompleteRun(ctx context.Context, id, status string, result json.RawMessage) (*Run, error) {
	var r Run
	err := s.db.QueryRowContext(ctx, `
		UPDATE runs SET
			output_result = $2,
			status        = $3,
			completed_at  = now()
		WHERE id = $1
		RETURNING id, pipeline_id, pipeline_type, name, COALESCE(input_context, 'null'::jsonb),
		          COALESCE(output_result, 'null'::jsonb),
		          status, started_at, completed_at, COALESCE(metadata, 'null'::jsonb)`,
		id, nullableJSON(result), status,
	).Scan(&r.ID, &r.PipelineID, &r.PipelineType, &r.Name, &r.InputContext, &r.OutputResult,
		&r.Status, &r.StartedAt, &r.CompletedAt, &r.Metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("CompleteRun: %w", err)
	}
	return &r, nil
}

// GetRun returns a run by ID, or nil if not found.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var r Run
	err := s.db.QueryRowContext(ctx, `
		SELECT id, pipeline_id, pipeline_type, name, COALESCE(input_context, 'null'::jsonb),
		       COALESCE(output_result, 'null'::jsonb),
		       status, started_at, completed_at, COALESCE(metadata, 'null'::jsonb)
		FROM runs WHERE id = $1`, id,
	).Scan(&r.ID, &r.PipelineID, &r.PipelineType, &r.Name, &r.InputContext, &r.OutputResult,
		&r.Status, &r.StartedAt, &r.CompletedAt, &r.Metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetRun: %w", err)
	}
	return &r, nil
}

// ListRuns returns paginated, filtered runs (newest first) and the total count.
func (s *Store) ListRuns(ctx context.Context, params ListRunsParams) ([]*Run, int, error) {
	where := "TRUE"
	args := []any{}
	if params.PipelineType != nil {
		args = append(args, *params.PipelineType)
		where += fmt.Sprintf(" AND pipeline_type = $%d", len(args))
	}
	if params.Status != nil {
		args = append(args, *params.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if params.DateFrom != nil {
		args = append(args, *params.DateFrom)
		where += fmt.Sprintf(" AND started_at >= $%d", len(args))
	}
	if params.DateTo != nil {
		args = append(args, *params.DateTo)
		where += fmt.Sprintf(" AND started_at <= $%d", len(args))
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM runs WHERE `+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListRuns: %w", err)
	}

	args = append(args, params.PageSize, (params.Page-1)*params.PageSize)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, pipeline_id, pipeline_type, name, COALESCE(input_context, 'null'::jsonb),
		       COALESCE(output_result, 'null'::jsonb),
		       status, started_at, completed_at, COALESCE(metadata, 'null'::jsonb)
		FROM runs WHERE %s
		ORDER BY started_at DESC
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListRuns: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.PipelineID, &r.PipelineType, &r.Name,
			&r.InputContext, &r.OutputResult, &r.Status,
			&r.StartedAt, &r.CompletedAt, &r.Metadata); err != nil {
			return nil, 0, fmt.Errorf("ListRuns: %w", err)
		}
		runs = append(runs, &r)
	}
	return runs, total, rows.Err()
}

// nullableJSON maps empty JSON payloads to SQL NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return []byte(raw)
}
