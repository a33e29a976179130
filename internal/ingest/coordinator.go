// Package ingest implements the server-side step submission path: validation,
// exact stats over the full decision set, sampling, evidence re-association,
// and the atomic storage write.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hp-8/xray-sdk/internal/metrics"
	"github.com/hp-8/xray-sdk/internal/sampling"
	"github.com/hp-8/xray-sdk/internal/storage"
	"github.com/hp-8/xray-sdk/internal/store"
	"go.uber.org/zap"
)

// ValidationError reports a caller contract violation: evidence referencing a
// missing decision, oversized payloads, malformed decisions. Surfaced
// synchronously; nothing is persisted when one occurs.
type ValidationError struct {
	Field    string
	Message  string
	TooLarge bool // true when a size guardrail was exceeded
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// AsValidationError unwraps err into a *ValidationError if it is one.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// Limits holds the ingestion guardrails. Exceeding any of them rejects the
// submission rather than silently truncating it, except evidence payloads
// when TruncateEvidence is opted into.
type Limits struct {
	MaxDecisionsPerStep int
	MaxEvidencePerStep  int
	MaxEvidenceSize     int  // bytes per evidence payload
	TruncateEvidence    bool // opt-in: replace oversize evidence with a stub instead of rejecting
}

// DefaultLimits returns the stock guardrails.
func DefaultLimits() Limits {
	return Limits{
		MaxDecisionsPerStep: 100_000,
		MaxEvidencePerStep:  1000,
		MaxEvidenceSize:     10 * 1024 * 1024,
	}
}

// EvidenceItem is a heavyweight payload attached to a decision in the batch,
// addressed by the candidate ID of that decision.
type EvidenceItem struct {
	DecisionRef  string          `json:"decision_ref"`
	EvidenceType string          `json:"evidence_type"`
	Data         json.RawMessage `json:"data"`
}

// StepSubmission is one complete step recorded by the client: the full
// ordered decision list plus evidence and step context.
type StepSubmission struct {
	RunID          string
	PipelineType   string
	Name           string
	Input          json.RawMessage
	Output         json.RawMessage
	Config         json.RawMessage
	Reasoning      *string
	Decisions      []sampling.DecisionEvent
	Evidence       []EvidenceItem
	TotalDecisions *int // optional client-declared count for cross-check
}

// Result is what a successful submission returns to the caller. Stats always
// reflect the full input set; the summary says what was actually stored.
type Result struct {
	StepID  string
	Stats   sampling.Stats
	Summary sampling.SamplingSummary
}

// StepInserter is the storage gateway contract the coordinator needs: one
// atomic insert per step record.
type StepInserter interface {
	InsertStepRecord(ctx context.Context, rec *store.StepRecord) (string, error)
}

// Coordinator validates step submissions, computes stats before sampling,
// samples, and hands the assembled record to storage. Stateless and safe to
// invoke concurrently for independent steps.
type Coordinator struct {
	sampler *sampling.Sampler
	limits  Limits
	store   StepInserter
	mirror  storage.DecisionWriter
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewCoordinator wires a Coordinator. mirror may be a LogWriter in
// deployments without ClickHouse.
func NewCoordinator(
	sampler *sampling.Sampler,
	limits Limits,
	inserter StepInserter,
	mirror storage.DecisionWriter,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		sampler: sampler,
		limits:  limits,
		store:   inserter,
		mirror:  mirror,
		metrics: m,
		logger:  logger,
	}
}

// SubmitStep processes one step submission end to end. On a validation error
// nothing is persisted; on a storage error the write was rolled back — no
// partial step state is ever visible to readers.
func (c *Coordinator) SubmitStep(ctx context.Context, sub *StepSubmission) (*Result, error) {
	evidence, err := c.validate(sub)
	if err != nil {
		c.metrics.ValidationErrors.Inc()
		return nil, err
	}

	// Stats come from the full batch, before any sampling.
	stats := sampling.ComputeStats(sub.Decisions)
	retained, summary := c.sampler.Sample(sub.Decisions)

	// Re-associate evidence with retained decisions; evidence for
	// sampled-out decisions is dropped. Candidate IDs are unique within a
	// batch (validated above), so the index is unambiguous.
	retainedIndex := make(map[string]int, len(retained))
	for i, d := range retained {
		retainedIndex[d.CandidateID] = i
	}

	var surviving []store.EvidenceRecord
	evidenceDropped := 0
	for _, ev := range evidence {
		idx, ok := retainedIndex[ev.DecisionRef]
		if !ok {
			evidenceDropped++
			continue
		}
		surviving = append(surviving, store.EvidenceRecord{
			DecisionIndex: idx,
			EvidenceType:  ev.EvidenceType,
			Data:          ev.Data,
		})
	}

	rec := &store.StepRecord{
		RunID:     sub.RunID,
		Name:      sub.Name,
		Input:     sub.Input,
		Output:    sub.Output,
		Config:    sub.Config,
		Reasoning: sub.Reasoning,
		Stats:     stats,
		Summary:   summary,
		Decisions: retained,
		Evidence:  surviving,
	}

	stepID, err := c.store.InsertStepRecord(ctx, rec)
	if err != nil {
		c.metrics.StorageFailures.Inc()
		return nil, fmt.Errorf("SubmitStep: %w", err)
	}

	c.metrics.StepsIngested.Inc()
	if summary.Sampled {
		c.metrics.StepsSampled.Inc()
	}
	c.metrics.DecisionsOffered.Add(float64(summary.Total))
	c.metrics.DecisionsKept.Add(float64(summary.Kept))
	c.metrics.EvidenceDropped.Add(float64(evidenceDropped))

	c.mirrorDecisions(sub, stepID, retained)

	c.logger.Debug("step recorded",
		zap.String("run_id", sub.RunID),
		zap.String("step_id", stepID),
		zap.String("step_name", sub.Name),
		zap.Int("total", summary.Total),
		zap.Int("kept", summary.Kept),
		zap.Bool("sampled", summary.Sampled),
		zap.Int("evidence_dropped", evidenceDropped),
	)

	return &Result{StepID: stepID, Stats: stats, Summary: summary}, nil
}

// validate enforces the caller contract. Returns the evidence list to store,
// with oversize payloads stubbed out when truncation is opted into.
func (c *Coordinator) validate(sub *StepSubmission) ([]EvidenceItem, error) {
	if sub.Name == "" {
		return nil, &ValidationError{Field: "name", Message: "step name is required"}
	}
	if len(sub.Decisions) > c.limits.MaxDecisionsPerStep {
		return nil, &ValidationError{
			Field:    "decisions",
			Message:  fmt.Sprintf("%d decisions exceeds maximum of %d", len(sub.Decisions), c.limits.MaxDecisionsPerStep),
			TooLarge: true,
		}
	}
	if sub.TotalDecisions != nil && *sub.TotalDecisions != len(sub.Decisions) {
		return nil, &ValidationError{
			Field:   "total_decisions",
			Message: fmt.Sprintf("declared %d decisions but batch has %d", *sub.TotalDecisions, len(sub.Decisions)),
		}
	}
	if len(sub.Evidence) > c.limits.MaxEvidencePerStep {
		return nil, &ValidationError{
			Field:    "evidence",
			Message:  fmt.Sprintf("%d evidence items exceeds maximum of %d", len(sub.Evidence), c.limits.MaxEvidencePerStep),
			TooLarge: true,
		}
	}

	candidates := make(map[string]struct{}, len(sub.Decisions))
	lastSeq := -1
	for i, d := range sub.Decisions {
		if d.CandidateID == "" {
			return nil, &ValidationError{
				Field:   "decisions",
				Message: fmt.Sprintf("decision %d has no candidate_id", i),
			}
		}
		if _, dup := candidates[d.CandidateID]; dup {
			return nil, &ValidationError{
				Field:   "decisions",
				Message: fmt.Sprintf("decision %d repeats candidate_id %q", i, d.CandidateID),
			}
		}
		switch d.Type {
		case sampling.DecisionAccepted, sampling.DecisionRejected, sampling.DecisionOther:
		default:
			return nil, &ValidationError{
				Field:   "decisions",
				Message: fmt.Sprintf("decision %d has unknown decision_type %q", i, d.Type),
			}
		}
		if i > 0 && d.SequenceOrder <= lastSeq {
			return nil, &ValidationError{
				Field:   "decisions",
				Message: fmt.Sprintf("decision %d breaks sequence_order monotonicity (%d after %d)", i, d.SequenceOrder, lastSeq),
			}
		}
		lastSeq = d.SequenceOrder
		candidates[d.CandidateID] = struct{}{}
	}

	evidence := make([]EvidenceItem, 0, len(sub.Evidence))
	for i, ev := range sub.Evidence {
		if ev.DecisionRef == "" {
			return nil, &ValidationError{
				Field:   "evidence",
				Message: fmt.Sprintf("evidence %d has no decision_ref", i),
			}
		}
		if _, ok := candidates[ev.DecisionRef]; !ok {
			return nil, &ValidationError{
				Field:   "evidence",
				Message: fmt.Sprintf("evidence %d references candidate %q absent from the batch", i, ev.DecisionRef),
			}
		}
		if len(ev.Data) > c.limits.MaxEvidenceSize {
			if !c.limits.TruncateEvidence {
				return nil, &ValidationError{
					Field:    "evidence",
					Message:  fmt.Sprintf("evidence %d payload is %d bytes, maximum is %d", i, len(ev.Data), c.limits.MaxEvidenceSize),
					TooLarge: true,
				}
			}
			ev.Data = truncationStub(len(ev.Data))
		}
		evidence = append(evidence, ev)
	}
	return evidence, nil
}

// truncationStub replaces an oversize evidence payload. Truncating JSON
// byte-wise would corrupt it, so the stored payload records the loss instead.
func truncationStub(originalSize int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"truncated":true,"original_size_bytes":%d}`, originalSize))
}

func (c *Coordinator) mirrorDecisions(sub *StepSubmission, stepID string, retained []sampling.DecisionEvent) {
	now := time.Now().UTC()
	for _, d := range retained {
		row := &storage.DecisionRow{
			RunID:         sub.RunID,
			StepID:        stepID,
			StepName:      sub.Name,
			PipelineType:  sub.PipelineType,
			CandidateID:   d.CandidateID,
			DecisionType:  string(d.Type),
			Reason:        d.Reason,
			SequenceOrder: int32(d.SequenceOrder),
			Metadata:      flattenMetadata(d.Metadata),
			CreatedAt:     now,
		}
		if d.Score != nil {
			row.Score = *d.Score
			row.HasScore = true
		}
		c.mirror.Write(row)
	}
}

// flattenMetadata renders scalar metadata values as strings for the analytics
// map column. Nested values are serialized; the canonical document stays in
// Postgres.
func flattenMetadata(md map[string]any) map[string]string {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		switch val := v.(type) {
		case string:
			out[k] = val
		default:
			b, err := json.Marshal(v)
			if err != nil {
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}
