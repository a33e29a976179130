// Package chread provides read access to the ClickHouse decision_events
// mirror for the analytics endpoints. The mirror holds only sampled-in
// decisions; exact per-step stats live in Postgres.
package chread

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Reader provides read access to the decision_events table.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}

	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// SummaryStats holds aggregate decision counts over the mirror.
type SummaryStats struct {
	TotalDecisions int `json:"total_decisions"`
	Accepted       int `json:"accepted"`
	Rejected       int `json:"rejected"`
	Other          int `json:"other"`
}

// ReasonCount holds a rejection reason and its count.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// TimeSeriesBucket holds an hourly count.
type TimeSeriesBucket struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

// StepVolume holds a step name and its mirrored decision count.
type StepVolume struct {
	StepName string `json:"step_name"`
	Count    int    `json:"count"`
}

// AnalyticsResult holds all analytics aggregations.
type AnalyticsResult struct {
	Summary             SummaryStats       `json:"summary"`
	TopRejectionReasons []ReasonCount      `json:"top_rejection_reasons"`
	RejectionsOverTime  []TimeSeriesBucket `json:"rejections_over_time"`
	BusiestSteps        []StepVolume       `json:"busiest_steps"`
}

// GetAnalytics returns aggregated decision analytics over the given number of
// days. An empty pipelineType aggregates across all pipelines.
func (r *Reader) GetAnalytics(ctx context.Context, pipelineType string, days int) (*AnalyticsResult, error) {
	rangeStart := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	baseArgs := []any{
		clickhouse.Named("pipeline_type", pipelineType),
		clickhouse.Named("range_start", rangeStart),
	}

	result := &AnalyticsResult{}

	var total, accepted, rejected, other uint64
	err := r.conn.QueryRow(ctx,
		"SELECT count() as total, "+
			"countIf(decision_type = 'accepted') as accepted, "+
			"countIf(decision_type = 'rejected') as rejected, "+
			"countIf(decision_type = 'other') as other "+
			"FROM decision_events "+
			"WHERE (@pipeline_type = '' OR pipeline_type = @pipeline_type) AND created_at >= @range_start",
		baseArgs...,
	).Scan(&total, &accepted, &rejected, &other)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics summary: %w", err)
	}
	result.Summary = SummaryStats{
		TotalDecisions: int(total),
		Accepted:       int(accepted),
		Rejected:       int(rejected),
		Other:          int(other),
	}

	reasonRows, err := r.conn.Query(ctx,
		"SELECT reason, count() as count "+
			"FROM decision_events "+
			"WHERE (@pipeline_type = '' OR pipeline_type = @pipeline_type) AND decision_type = 'rejected' "+
			"AND created_at >= @range_start "+
			"GROUP BY reason ORDER BY count DESC LIMIT 10",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics top_rejection_reasons: %w", err)
	}
	defer func() { _ = reasonRows.Close() }()
	for reasonRows.Next() {
		var reason string
		var count uint64
		if err := reasonRows.Scan(&reason, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics top_rejection_reasons scan: %w", err)
		}
		result.TopRejectionReasons = append(result.TopRejectionReasons, ReasonCount{
			Reason: reason, Count: int(count),
		})
	}

	rotRows, err := r.conn.Query(ctx,
		"SELECT toStartOfHour(created_at) as hour, count() as count "+
			"FROM decision_events "+
			"WHERE (@pipeline_type = '' OR pipeline_type = @pipeline_type) AND decision_type = 'rejected' "+
			"AND created_at >= @range_start "+
			"GROUP BY hour ORDER BY hour",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics rejections_over_time: %w", err)
	}
	defer func() { _ = rotRows.Close() }()
	for rotRows.Next() {
		var hour time.Time
		var count uint64
		if err := rotRows.Scan(&hour, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics rejections_over_time scan: %w", err)
		}
		result.RejectionsOverTime = append(result.RejectionsOverTime, TimeSeriesBucket{
			Hour:  hour.Format(time.RFC3339),
			Count: int(count),
		})
	}

	stepRows, err := r.conn.Query(ctx,
		"SELECT step_name, count() as count "+
			"FROM decision_events "+
			"WHERE (@pipeline_type = '' OR pipeline_type = @pipeline_type) AND created_at >= @range_start "+
			"GROUP BY step_name ORDER BY count DESC LIMIT 10",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics busiest_steps: %w", err)
	}
	defer func() { _ = stepRows.Close() }()
	for stepRows.Next() {
		var name string
		var count uint64
		if err := stepRows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics busiest_steps scan: %w", err)
		}
		result.BusiestSteps = append(result.BusiestSteps, StepVolume{
			StepName: name, Count: int(count),
		})
	}

	return result, nil
}

// CandidateEvent is one mirrored decision for a candidate, across steps.
type CandidateEvent struct {
	RunID         string    `json:"run_id"`
	StepID        string    `json:"step_id"`
	StepName      string    `json:"step_name"`
	DecisionType  string    `json:"decision_type"`
	Reason        string    `json:"reason,omitempty"`
	SequenceOrder int32     `json:"sequence_order"`
	CreatedAt     time.Time `json:"created_at"`
}

// TraceCandidate returns the mirrored decision history of a candidate across
// all steps, newest first.
func (r *Reader) TraceCandidate(ctx context.Context, candidateID string, limit int) ([]CandidateEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := r.conn.Query(ctx,
		"SELECT run_id, step_id, step_name, decision_type, reason, sequence_order, created_at "+
			"FROM decision_events "+
			"WHERE candidate_id = @candidate_id "+
			"ORDER BY created_at DESC LIMIT @limit",
		clickhouse.Named("candidate_id", candidateID),
		clickhouse.Named("limit", limit),
	)
	if err != nil {
		return nil, fmt.Errorf("TraceCandidate: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []CandidateEvent
	for rows.Next() {
		var e CandidateEvent
		if err := rows.Scan(&e.RunID, &e.StepID, &e.StepName, &e.DecisionType,
			&e.Reason, &e.SequenceOrder, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("TraceCandidate scan: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}
