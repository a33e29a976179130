package storage

import "time"

// DecisionWriter is the interface for mirroring retained decision events to
// the analytics store. Write() must NEVER block the caller — the ingest path
// does not wait on analytics.
type DecisionWriter interface {
	Write(event *DecisionRow)
	Close()
}

// DecisionRow is one retained decision flattened for the analytics table.
// Only sampled-in decisions are mirrored; exact stats live with the step
// record in Postgres.
type DecisionRow struct {
	RunID         string
	StepID        string
	StepName      string
	PipelineType  string
	CandidateID   string
	DecisionType  string
	Reason        string
	Score         float64
	HasScore      bool
	SequenceOrder int32
	Metadata      map[string]string
	CreatedAt     time.Time
}
