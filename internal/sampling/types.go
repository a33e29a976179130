package sampling

// DecisionType classifies the outcome recorded for a candidate at a step.
type DecisionType string

const (
	DecisionAccepted DecisionType = "accepted"
	DecisionRejected DecisionType = "rejected"
	DecisionOther    DecisionType = "other"
)

// ReasonUnspecified buckets rejected decisions that carry no reason.
const ReasonUnspecified = "unspecified"

// DecisionEvent is one judgement of a candidate at a pipeline step.
// Immutable once created; SequenceOrder is assigned by the producer and is
// unique within a step.
type DecisionEvent struct {
	CandidateID   string         `json:"candidate_id"`
	Type          DecisionType   `json:"decision_type"`
	Reason        string         `json:"reason,omitempty"`
	Score         *float64       `json:"score,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	SequenceOrder int            `json:"sequence_order"`
}

// Stats holds exact aggregate statistics over the full decision set of a
// step. Always computed before sampling, so the numbers are independent of
// what is later persisted.
type Stats struct {
	InputCount       int            `json:"input_count"`
	OutputCount      int            `json:"output_count"`
	RejectionRate    float64        `json:"rejection_rate"`
	RejectionReasons map[string]int `json:"rejection_reasons"`
}

// SamplingSummary reports what sampling did to a decision batch.
type SamplingSummary struct {
	Total   int  `json:"total"`
	Kept    int  `json:"kept"`
	Sampled bool `json:"sampled"`
}
