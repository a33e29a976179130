package xray

import (
	"encoding/json"
	"time"
)

// Decision is one per-candidate decision made inside a step. SequenceOrder
// may be left nil; the server assigns the position in the list.
type Decision struct {
	CandidateID   string         `json:"candidate_id"`
	DecisionType  string         `json:"decision_type"` // accepted | rejected | other
	Reason        string         `json:"reason,omitempty"`
	Score         *float64       `json:"score,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	SequenceOrder *int           `json:"sequence_order,omitempty"`
}

// Evidence is a heavyweight payload attached to a decision in the same step,
// addressed by the candidate ID of that decision.
type Evidence struct {
	DecisionRef  string          `json:"decision_ref"`
	EvidenceType string          `json:"evidence_type"`
	Data         json.RawMessage `json:"data"`
}

// StepPayload is one complete recorded step: the full decision list plus
// evidence and step context. One payload is one indivisible envelope in the
// ingest buffer.
type StepPayload struct {
	Name           string          `json:"name"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	Config         json.RawMessage `json:"config,omitempty"`
	Reasoning      *string         `json:"reasoning,omitempty"`
	Decisions      []Decision      `json:"decisions,omitempty"`
	Evidence       []Evidence      `json:"evidence,omitempty"`
	TotalDecisions *int            `json:"total_decisions,omitempty"`
}

// Stats are the exact aggregates the server computed over the full decision
// set, before any sampling.
type Stats struct {
	InputCount       int            `json:"input_count"`
	OutputCount      int            `json:"output_count"`
	RejectionRate    float64        `json:"rejection_rate"`
	RejectionReasons map[string]int `json:"rejection_reasons"`
}

// SamplingSummary reports what the server's sampling kept.
type SamplingSummary struct {
	Total   int  `json:"total"`
	Kept    int  `json:"kept"`
	Sampled bool `json:"sampled"`
}

// StepResult is the server's response to a step submission.
type StepResult struct {
	StepID          string          `json:"step_id"`
	Stats           Stats           `json:"stats"`
	SamplingSummary SamplingSummary `json:"sampling_summary"`
}

// Run is a pipeline run as returned by the server.
type Run struct {
	ID           string          `json:"id"`
	PipelineType string          `json:"pipeline_type"`
	Name         *string         `json:"name"`
	InputContext json.RawMessage `json:"input_context"`
	OutputResult json.RawMessage `json:"output_result"`
	Status       string          `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at"`
	Metadata     json.RawMessage `json:"metadata"`
}

// RunDetail is a run with its stored steps.
type RunDetail struct {
	Run
	Steps []Step `json:"steps"`
}

// Step is a stored step as returned by the server.
type Step struct {
	ID              string          `json:"id"`
	RunID           string          `json:"run_id"`
	StepName        string          `json:"step_name"`
	SequenceOrder   int             `json:"sequence_order"`
	InputData       json.RawMessage `json:"input_data"`
	OutputData      json.RawMessage `json:"output_data"`
	Config          json.RawMessage `json:"config"`
	Reasoning       *string         `json:"reasoning"`
	Stats           json.RawMessage `json:"stats"`
	SamplingSummary SamplingSummary `json:"sampling_summary"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at"`

	// Decisions is populated only when the run detail was fetched with
	// include_decisions.
	Decisions []DecisionRecord `json:"decisions,omitempty"`
}

// DecisionRecord is a stored decision as returned within a run detail.
type DecisionRecord struct {
	ID            string          `json:"id"`
	StepID        string          `json:"step_id"`
	CandidateID   string          `json:"candidate_id"`
	DecisionType  string          `json:"decision_type"`
	Reason        *string         `json:"reason"`
	Score         *float64        `json:"score"`
	SequenceOrder int             `json:"sequence_order"`
	Metadata      json.RawMessage `json:"metadata"`
	CreatedAt     time.Time       `json:"created_at"`
}

// RunList is a paginated run listing.
type RunList struct {
	Runs     []Run `json:"runs"`
	Total    int   `json:"total"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
}

// DecisionQuery filters decisions across steps and runs.
type DecisionQuery struct {
	CandidateID  *string `json:"candidate_id,omitempty"`
	DecisionType *string `json:"decision_type,omitempty"`
	Reason       *string `json:"reason,omitempty"`
	StepName     *string `json:"step_name,omitempty"`
	Limit        int     `json:"limit,omitempty"`
}

// DecisionMatch is one decision query result with its step and run context.
type DecisionMatch struct {
	ID            string          `json:"id"`
	StepID        string          `json:"step_id"`
	CandidateID   string          `json:"candidate_id"`
	DecisionType  string          `json:"decision_type"`
	Reason        *string         `json:"reason"`
	Score         *float64        `json:"score"`
	SequenceOrder int             `json:"sequence_order"`
	Metadata      json.RawMessage `json:"metadata"`
	CreatedAt     time.Time       `json:"created_at"`
	StepName      string          `json:"step_name"`
	RunID         string          `json:"run_id"`
}
