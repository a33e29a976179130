package api

import (
	"encoding/json"
	"time"

	"github.com/hp-8/xray-sdk/internal/sampling"
)

// --- Run lifecycle ---

// CreateRunReq is the JSON body for POST /v1/runs.
type CreateRunReq struct {
	PipelineType string          `json:"pipeline_type"`
	Name         *string         `json:"name,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// CreateRunResp returns the new run ID.
type CreateRunResp struct {
	RunID string `json:"run_id"`
}

// CompleteRunReq is the JSON body for PATCH /v1/runs/{run_id}.
type CompleteRunReq struct {
	Result json.RawMessage `json:"result,omitempty"`
	Status string          `json:"status,omitempty"` // completed | failed | cancelled
}

// CompleteRunResp confirms run completion.
type CompleteRunResp struct {
	RunID       string    `json:"run_id"`
	Status      string    `json:"status"`
	CompletedAt time.Time `json:"completed_at"`
}

// --- Step submission ---

// DecisionReq is one decision event in a step submission.
type DecisionReq struct {
	CandidateID   string         `json:"candidate_id"`
	DecisionType  string         `json:"decision_type"`
	Reason        string         `json:"reason,omitempty"`
	Score         *float64       `json:"score,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	SequenceOrder *int           `json:"sequence_order,omitempty"` // defaults to position in the list
}

// EvidenceReq attaches a payload to a decision in the same submission,
// addressed by candidate_id.
type EvidenceReq struct {
	DecisionRef  string          `json:"decision_ref"`
	EvidenceType string          `json:"evidence_type"`
	Data         json.RawMessage `json:"data"`
}

// RecordStepReq is the JSON body for POST /v1/runs/{run_id}/steps.
type RecordStepReq struct {
	Name           string          `json:"name"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	Config         json.RawMessage `json:"config,omitempty"`
	Reasoning      *string         `json:"reasoning,omitempty"`
	Decisions      []DecisionReq   `json:"decisions,omitempty"`
	Evidence       []EvidenceReq   `json:"evidence,omitempty"`
	TotalDecisions *int            `json:"total_decisions,omitempty"`
}

// RecordStepResp returns the stored step ID, the exact stats over the full
// decision set, and what sampling kept.
type RecordStepResp struct {
	StepID          string                   `json:"step_id"`
	Stats           sampling.Stats           `json:"stats"`
	SamplingSummary sampling.SamplingSummary `json:"sampling_summary"`
}

// --- Run queries ---

// RunResp mirrors a runs table row.
type RunResp struct {
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

// RunListResp is a paginated run listing.
type RunListResp struct {
	Runs     []RunResp `json:"runs"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
}

// StepResp mirrors a steps table row.
type StepResp struct {
	ID              string                   `json:"id"`
	RunID           string                   `json:"run_id"`
	StepName        string                   `json:"step_name"`
	SequenceOrder   int                      `json:"sequence_order"`
	InputData       json.RawMessage          `json:"input_data"`
	OutputData      json.RawMessage          `json:"output_data"`
	Config          json.RawMessage          `json:"config"`
	Reasoning       *string                  `json:"reasoning"`
	Stats           json.RawMessage          `json:"stats"`
	SamplingSummary sampling.SamplingSummary `json:"sampling_summary"`
	StartedAt       time.Time                `json:"started_at"`
	CompletedAt     *time.Time               `json:"completed_at"`

	// Decisions is populated only when a run detail is requested with
	// include_decisions=true.
	Decisions []DecisionResp `json:"decisions,omitempty"`
}

// RunDetailResp is a run with its steps.
type RunDetailResp struct {
	RunResp
	Steps []StepResp `json:"steps"`
}

// DecisionResp mirrors a decisions table row.
type DecisionResp struct {
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

// DecisionListResp is a paginated decision listing for a step.
type DecisionListResp struct {
	Decisions []DecisionResp `json:"decisions"`
	Total     int            `json:"total"`
	Page      int            `json:"page"`
	PageSize  int            `json:"page_size"`
}

// --- Cross-run queries ---

// StepQueryReq is the JSON body for POST /v1/query/steps. Date bounds apply
// to the step start time.
type StepQueryReq struct {
	StepName         *string    `json:"step_name,omitempty"`
	PipelineType     *string    `json:"pipeline_type,omitempty"`
	MinRejectionRate *float64   `json:"min_rejection_rate,omitempty"`
	MaxRejectionRate *float64   `json:"max_rejection_rate,omitempty"`
	MinInputCount    *int       `json:"min_input_count,omitempty"`
	DateFrom         *time.Time `json:"date_from,omitempty"`
	DateTo           *time.Time `json:"date_to,omitempty"`
	Limit            int        `json:"limit,omitempty"`
	Offset           int        `json:"offset,omitempty"`
}

// StepQueryRowResp is one step query match, with its run context.
type StepQueryRowResp struct {
	StepResp
	PipelineType string `json:"pipeline_type"`
}

// StepQueryResp is the body returned by POST /v1/query/steps.
type StepQueryResp struct {
	Steps []StepQueryRowResp `json:"steps"`
	Count int                `json:"count"`
}

// DecisionQueryReq is the JSON body for POST /v1/query/decisions.
type DecisionQueryReq struct {
	CandidateID  *string `json:"candidate_id,omitempty"`
	DecisionType *string `json:"decision_type,omitempty"`
	Reason       *string `json:"reason,omitempty"`
	StepName     *string `json:"step_name,omitempty"`
	Limit        int     `json:"limit,omitempty"`
}

// DecisionQueryRowResp is one decision query match, with step context.
type DecisionQueryRowResp struct {
	DecisionResp
	StepName string `json:"step_name"`
	RunID    string `json:"run_id"`
}

// DecisionQueryResp is the body returned by POST /v1/query/decisions.
type DecisionQueryResp struct {
	Decisions []DecisionQueryRowResp `json:"decisions"`
	Count     int                    `json:"count"`
}

// --- Pipeline CRUD ---

// CreatePipelineReq is the JSON body for POST /api/xray/pipelines.
type CreatePipelineReq struct {
	Name string `json:"name"`
}

// CreatePipelineResp includes the plaintext API key (shown once).
type CreatePipelineResp struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	APIKey       string    `json:"api_key"`
	APIKeyPrefix string    `json:"api_key_prefix"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
}

// PipelineResp mirrors a pipelines table row (no plaintext key).
type PipelineResp struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	APIKeyPrefix string    `json:"api_key_prefix"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RotateKeyResp includes the new plaintext API key (shown once).
type RotateKeyResp struct {
	APIKey       string `json:"api_key"`
	APIKeyPrefix string `json:"api_key_prefix"`
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
}
