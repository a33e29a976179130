package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hp-8/xray-sdk/internal/sampling"
)

// StepRecord is the fully assembled, post-sampling record of one step: the
// retained decisions in sequence order, exact stats over the full input, the
// sampling summary, and the evidence that survived sampling. Persisted
// atomically — either the whole record is visible to readers or none of it.
type StepRecord struct {
	RunID     string
	Name      string
	Input     json.RawMessage
	Output    json.RawMessage
	Config    json.RawMessage
	Reasoning *string
	Stats     sampling.Stats
	Summary   sampling.SamplingSummary
	Decisions []sampling.DecisionEvent
	Evidence  []EvidenceRecord
}

// EvidenceRecord attaches a heavyweight payload to a retained decision,
// addressed by index into StepRecord.Decisions.
type EvidenceRecord struct {
	DecisionIndex int
	EvidenceType  string
	Data          json.RawMessage
}

// Step represents a row in the steps table.
type Step struct {
	ID            string
	RunID         string
	StepName      string
	SequenceOrder int
	InputData     json.RawMessage
	OutputData    json.RawMessage
	Config        json.RawMessage
	Reasoning     *string
	Stats         json.RawMessage
	SampledTotal  int
	SampledKept   int
	Sampled       bool
	StartedAt     time.Time
	CompletedAt   *time.Time
}

// Decision represents a row in the decisions table. One candidate can have
// multiple decisions across steps (e.g. rejected then accepted later).
type Decision struct {
	ID            string
	StepID        string
	CandidateID   string
	DecisionType  string
	Reason        *string
	Score         *float64
	SequenceOrder int
	Metadata      json.RawMessage
	CreatedAt     time.Time
}

// InsertStepRecord persists a sampled step record in a single transaction:
// the step row, its retained decisions, and the surviving evidence. Returns
// the new step ID.
func (s *Store) InsertStepRecord(ctx context.Context, rec *StepRecord) (string, error) {
	statsJSON, err := json.Marshal(rec.Stats)
	if err != nil {
		return "", fmt.Errorf("InsertStepRecord: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("InsertStepRecord: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Step position within the run is assigned server-side.
	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM steps WHERE run_id = $1`, rec.RunID,
	).Scan(&seq); err != nil {
		return "", fmt.Errorf("InsertStepRecord: %w", err)
	}

	var stepID string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO steps (run_id, step_name, sequence_order, input_data, output_data, config,
		                   reasoning, stats, sampled_total, sampled_kept, sampled,
		                   started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		RETURNING id`,
		rec.RunID, rec.Name, seq,
		nullableJSON(rec.Input), nullableJSON(rec.Output), nullableJSON(rec.Config),
		rec.Reasoning, statsJSON, rec.Summary.Total, rec.Summary.Kept, rec.Summary.Sampled,
	).Scan(&stepID)
	if err != nil {
		return "", fmt.Errorf("InsertStepRecord: %w", err)
	}

	decisionIDs := make([]string, len(rec.Decisions))
	for i, d := range rec.Decisions {
		var metadataJSON []byte
		if d.Metadata != nil {
			metadataJSON, err = json.Marshal(d.Metadata)
			if err != nil {
				return "", fmt.Errorf("InsertStepRecord: %w", err)
			}
		}
		var reason *string
		if d.Reason != "" {
			reason = &d.Reason
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO decisions (step_id, candidate_id, decision_type, reason, score,
			                       sequence_order, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			RETURNING id`,
			stepID, d.CandidateID, string(d.Type), reason, d.Score,
			d.SequenceOrder, nullableJSON(metadataJSON),
		).Scan(&decisionIDs[i])
		if err != nil {
			return "", fmt.Errorf("InsertStepRecord: %w", err)
		}
	}

	for _, ev := range rec.Evidence {
		if ev.DecisionIndex < 0 || ev.DecisionIndex >= len(decisionIDs) {
			return "", fmt.Errorf("InsertStepRecord: evidence decision index %d out of range", ev.DecisionIndex)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO evidence (decision_id, evidence_type, data, created_at)
			VALUES ($1, $2, $3, now())`,
			decisionIDs[ev.DecisionIndex], ev.EvidenceType, []byte(ev.Data),
		); err != nil {
			return "", fmt.Errorf("InsertStepRecord: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("InsertStepRecord: %w", err)
	}
	return stepID, nil
}

// GetRunSteps returns the steps of a run in execution order.
func (s *Store) GetRunSteps(ctx context.Context, runID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_name, sequence_order,
		       COALESCE(input_data, 'null'::jsonb), COALESCE(output_data, 'null'::jsonb),
		       COALESCE(config, 'null'::jsonb), reasoning, COALESCE(stats, 'null'::jsonb),
		       sampled_total, sampled_kept, sampled, started_at, completed_at
		FROM steps WHERE run_id = $1
		ORDER BY sequence_order ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("GetRunSteps: %w", err)
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		var st Step
		if err := rows.Scan(&st.ID, &st.RunID, &st.StepName, &st.SequenceOrder,
			&st.InputData, &st.OutputData, &st.Config, &st.Reasoning, &st.Stats,
			&st.SampledTotal, &st.SampledKept, &st.Sampled,
			&st.StartedAt, &st.CompletedAt); err != nil {
			return nil, fmt.Errorf("GetRunSteps: %w", err)
		}
		steps = append(steps, &st)
	}
	return steps, rows.Err()
}

// GetRunDecisions returns every stored decision of a run, grouped by step
// ID, in sequence order. One query regardless of step count; used to inline
// decisions into a run detail.
func (s *Store) GetRunDecisions(ctx context.Context, runID string) (map[string][]*Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.step_id, d.candidate_id, d.decision_type, d.reason, d.score,
		       d.sequence_order, COALESCE(d.metadata, 'null'::jsonb), d.created_at
		FROM decisions d
		JOIN steps st ON st.id = d.step_id
		WHERE st.run_id = $1
		ORDER BY st.sequence_order ASC, d.sequence_order ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("GetRunDecisions: %w", err)
	}
	defer rows.Close()

	decisions, err := scanDecisions(rows, "GetRunDecisions")
	if err != nil {
		return nil, err
	}
	byStep := make(map[string][]*Decision, len(decisions))
	for _, d := range decisions {
		byStep[d.StepID] = append(byStep[d.StepID], d)
	}
	return byStep, nil
}

// ListStepDecisions returns paginated decisions of a step in sequence order,
// optionally filtered by decision type, plus the total count.
func (s *Store) ListStepDecisions(ctx context.Context, stepID string, decisionType *string, page, pageSize int) ([]*Decision, int, error) {
	where := "step_id = $1"
	args := []any{stepID}
	if decisionType != nil {
		args = append(args, *decisionType)
		where += fmt.Sprintf(" AND decision_type = $%d", len(args))
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM decisions WHERE `+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListStepDecisions: %w", err)
	}

	args = append(args, pageSize, (page-1)*pageSize)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, step_id, candidate_id, decision_type, reason, score,
		       sequence_order, COALESCE(metadata, 'null'::jsonb), created_at
		FROM decisions WHERE %s
		ORDER BY sequence_order ASC
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListStepDecisions: %w", err)
	}
	defer rows.Close()

	decisions, err := scanDecisions(rows, "ListStepDecisions")
	if err != nil {
		return nil, 0, err
	}
	return decisions, total, nil
}

// StepQueryParams filters steps by name, stat thresholds and date range.
// Date bounds apply to started_at.
type StepQueryParams struct {
	StepName         *string
	PipelineType     *string
	MinRejectionRate *float64
	MaxRejectionRate *float64
	MinInputCount    *int
	DateFrom         *time.Time
	DateTo           *time.Time
	Limit            int
	Offset           int
}

// StepQueryRow is a step joined with its run for cross-run step queries.
type StepQueryRow struct {
	Step
	RunPipelineType string
}

// QuerySteps returns steps matching name and stat-threshold filters across
// runs, newest first. Stat filters read the persisted stats document, which
// always reflects the full unsampled input.
func (s *Store) QuerySteps(ctx context.Context, params StepQueryParams) ([]*StepQueryRow, error) {
	where := "TRUE"
	args := []any{}
	if params.StepName != nil {
		args = append(args, *params.StepName)
		where += fmt.Sprintf(" AND st.step_name = $%d", len(args))
	}
	if params.PipelineType != nil {
		args = append(args, *params.PipelineType)
		where += fmt.Sprintf(" AND r.pipeline_type = $%d", len(args))
	}
	if params.MinRejectionRate != nil {
		args = append(args, *params.MinRejectionRate)
		where += fmt.Sprintf(" AND (st.stats->>'rejection_rate')::float >= $%d", len(args))
	}
	if params.MaxRejectionRate != nil {
		args = append(args, *params.MaxRejectionRate)
		where += fmt.Sprintf(" AND (st.stats->>'rejection_rate')::float <= $%d", len(args))
	}
	if params.MinInputCount != nil {
		args = append(args, *params.MinInputCount)
		where += fmt.Sprintf(" AND (st.stats->>'input_count')::int >= $%d", len(args))
	}
	if params.DateFrom != nil {
		args = append(args, *params.DateFrom)
		where += fmt.Sprintf(" AND st.started_at >= $%d", len(args))
	}
	if params.DateTo != nil {
		args = append(args, *params.DateTo)
		where += fmt.Sprintf(" AND st.started_at <= $%d", len(args))
	}

	limit := params.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := params.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT st.id, st.run_id, st.step_name, st.sequence_order,
		       COALESCE(st.input_data, 'null'::jsonb), COALESCE(st.output_data, 'null'::jsonb),
		       COALESCE(st.config, 'null'::jsonb), st.reasoning, COALESCE(st.stats, 'null'::jsonb),
		       st.sampled_total, st.sampled_kept, st.sampled, st.started_at, st.completed_at,
		       r.pipeline_type
		FROM steps st
		JOIN runs r ON r.id = st.run_id
		WHERE %s
		ORDER BY st.started_at DESC
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("QuerySteps: %w", err)
	}
	defer rows.Close()

	var out []*StepQueryRow
	for rows.Next() {
		var row StepQueryRow
		if err := rows.Scan(&row.ID, &row.RunID, &row.StepName, &row.SequenceOrder,
			&row.InputData, &row.OutputData, &row.Config, &row.Reasoning, &row.Stats,
			&row.SampledTotal, &row.SampledKept, &row.Sampled,
			&row.StartedAt, &row.CompletedAt, &row.RunPipelineType); err != nil {
			return nil, fmt.Errorf("QuerySteps: %w", err)
		}
		out = append(out, &row)
	}
	return out, rows.Err()
}

// DecisionQueryParams filters decisions across steps and runs.
type DecisionQueryParams struct {
	CandidateID  *string
	DecisionType *string
	Reason       *string
	StepName     *string
	Limit        int
}

// DecisionQueryRow is a decision joined with its step and run, used to trace
// a candidate across an entire pipeline.
type DecisionQueryRow struct {
	Decision
	StepName string
	RunID    string
}

// QueryDecisions traces decisions across steps, primarily by candidate ID.
func (s *Store) QueryDecisions(ctx context.Context, params DecisionQueryParams) ([]*DecisionQueryRow, error) {
	where := "TRUE"
	args := []any{}
	if params.CandidateID != nil {
		args = append(args, *params.CandidateID)
		where += fmt.Sprintf(" AND d.candidate_id = $%d", len(args))
	}
	if params.DecisionType != nil {
		args = append(args, *params.DecisionType)
		where += fmt.Sprintf(" AND d.decision_type = $%d", len(args))
	}
	if params.Reason != nil {
		args = append(args, *params.Reason)
		where += fmt.Sprintf(" AND d.reason = $%d", len(args))
	}
	if params.StepName != nil {
		args = append(args, *params.StepName)
		where += fmt.Sprintf(" AND st.step_name = $%d", len(args))
	}

	limit := params.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT d.id, d.step_id, d.candidate_id, d.decision_type, d.reason, d.score,
		       d.sequence_order, COALESCE(d.metadata, 'null'::jsonb), d.created_at,
		       st.step_name, st.run_id
		FROM decisions d
		JOIN steps st ON st.id = d.step_id
		WHERE %s
		ORDER BY d.created_at DESC, d.sequence_order ASC
		LIMIT $%d`, where, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("QueryDecisions: %w", err)
	}
	defer rows.Close()

	var out []*DecisionQueryRow
	for rows.Next() {
		var row DecisionQueryRow
		if err := rows.Scan(&row.ID, &row.StepID, &row.CandidateID, &row.DecisionType,
			&row.Reason, &row.Score, &row.SequenceOrder, &row.Metadata, &row.CreatedAt,
			&row.StepName, &row.RunID); err != nil {
			return nil, fmt.Errorf("QueryDecisions: %w", err)
		}
		out = append(out, &row)
	}
	return out, rows.Err()
}

func scanDecisions(rows *sql.Rows, op string) ([]*Decision, error) {
	var decisions []*Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.ID, &d.StepID, &d.CandidateID, &d.DecisionType,
			&d.Reason, &d.Score, &d.SequenceOrder, &d.Metadata, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		decisions = append(decisions, &d)
	}
	return decisions, rows.Err()
}
