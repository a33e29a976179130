package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/hp-8/xray-sdk/internal/metrics"
	"github.com/hp-8/xray-sdk/internal/sampling"
	"github.com/hp-8/xray-sdk/internal/storage"
	"github.com/hp-8/xray-sdk/internal/store"
	"go.uber.org/zap"
)

// fakeInserter records the step record it was handed, or fails on demand.
type fakeInserter struct {
	rec     *store.StepRecord
	inserts int
	fail    error
}

func (f *fakeInserter) InsertStepRecord(_ context.Context, rec *store.StepRecord) (string, error) {
	if f.fail != nil {
		return "", f.fail
	}
	f.rec = rec
	f.inserts++
	return "step-1", nil
}

type fakeMirror struct {
	rows []*storage.DecisionRow
}

func (f *fakeMirror) Write(row *storage.DecisionRow) { f.rows = append(f.rows, row) }
func (f *fakeMirror) Close()                         {}

func newTestCoordinator(t *testing.T, cfg sampling.Config, limits Limits, ins StepInserter) (*Coordinator, *fakeMirror) {
	t.Helper()
	mirror := &fakeMirror{}
	c := NewCoordinator(
		sampling.NewSeededSampler(cfg, 1),
		limits,
		ins,
		mirror,
		metrics.New(),
		zap.NewNop(),
	)
	return c, mirror
}

func decisionBatch(acceptedN, rejectedN int, reason string) []sampling.DecisionEvent {
	out := make([]sampling.DecisionEvent, 0, acceptedN+rejectedN)
	for i := 0; i < acceptedN; i++ {
		out = append(out, sampling.DecisionEvent{
			CandidateID: fmt.Sprintf("acc-%d", i), Type: sampling.DecisionAccepted, SequenceOrder: len(out),
		})
	}
	for i := 0; i < rejectedN; i++ {
		out = append(out, sampling.DecisionEvent{
			CandidateID: fmt.Sprintf("rej-%d", i), Type: sampling.DecisionRejected, Reason: reason, SequenceOrder: len(out),
		})
	}
	return out
}

func TestSubmitStep_SmallBatchUnsampled(t *testing.T) {
	ins := &fakeInserter{}
	c, mirror := newTestCoordinator(t, sampling.DefaultConfig(), DefaultLimits(), ins)

	sub := &StepSubmission{
		RunID:     "run-1",
		Name:      "filtering",
		Decisions: decisionBatch(3, 7, "too_expensive"),
	}
	res, err := c.SubmitStep(context.Background(), sub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Summary.Sampled {
		t.Error("10 decisions should not be sampled with threshold 500")
	}
	if res.Summary.Kept != 10 || res.Summary.Total != 10 {
		t.Errorf("summary = %+v", res.Summary)
	}
	if res.Stats.OutputCount != 3 || res.Stats.InputCount != 10 {
		t.Errorf("stats = %+v", res.Stats)
	}
	if len(ins.rec.Decisions) != 10 {
		t.Errorf("stored %d decisions, want 10", len(ins.rec.Decisions))
	}
	if len(mirror.rows) != 10 {
		t.Errorf("mirrored %d rows, want 10", len(mirror.rows))
	}
}

func TestSubmitStep_SamplesLargeBatch(t *testing.T) {
	ins := &fakeInserter{}
	c, _ := newTestCoordinator(t, sampling.Config{Threshold: 50, PerReason: 10}, DefaultLimits(), ins)

	res, err := c.SubmitStep(context.Background(), &StepSubmission{
		RunID:     "run-1",
		Name:      "filtering",
		Decisions: decisionBatch(5, 200, "bad_rating"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Summary.Sampled {
		t.Error("expected sampled=true")
	}
	if res.Summary.Kept != 15 { // 5 accepted + 10 per-reason cap
		t.Errorf("kept = %d, want 15", res.Summary.Kept)
	}
	// Stats still reflect the full input.
	if res.Stats.InputCount != 205 || res.Stats.RejectionReasons["bad_rating"] != 200 {
		t.Errorf("stats = %+v", res.Stats)
	}
}

func TestSubmitStep_EvidenceReferencingMissingDecision(t *testing.T) {
	ins := &fakeInserter{}
	c, mirror := newTestCoordinator(t, sampling.DefaultConfig(), DefaultLimits(), ins)

	_, err := c.SubmitStep(context.Background(), &StepSubmission{
		RunID:     "run-1",
		Name:      "filtering",
		Decisions: decisionBatch(1, 1, "r"),
		Evidence: []EvidenceItem{
			{DecisionRef: "ghost", EvidenceType: "llm_response", Data: json.RawMessage(`{}`)},
		},
	})
	ve, ok := AsValidationError(err)
	if !ok {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Field != "evidence" {
		t.Errorf("field = %s, want evidence", ve.Field)
	}
	if ins.inserts != 0 {
		t.Error("nothing must be persisted on validation failure")
	}
	if len(mirror.rows) != 0 {
		t.Error("nothing must be mirrored on validation failure")
	}
}

func TestSubmitStep_EvidenceForSampledOutDecisionDropped(t *testing.T) {
	ins := &fakeInserter{}
	c, _ := newTestCoordinator(t, sampling.Config{Threshold: 10, PerReason: 1}, DefaultLimits(), ins)

	decisions := decisionBatch(1, 50, "r")
	evidence := make([]EvidenceItem, 0, 50)
	for i := 0; i < 50; i++ {
		evidence = append(evidence, EvidenceItem{
			DecisionRef:  fmt.Sprintf("rej-%d", i),
			EvidenceType: "llm_response",
			Data:         json.RawMessage(`{"why":"x"}`),
		})
	}

	_, err := c.SubmitStep(context.Background(), &StepSubmission{
		RunID: "run-1", Name: "filtering", Decisions: decisions, Evidence: evidence,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Only one rejected decision survives (per_reason=1), so at most one
	// evidence item may survive with it.
	if len(ins.rec.Evidence) > 1 {
		t.Errorf("stored %d evidence items, want at most 1", len(ins.rec.Evidence))
	}
	for _, ev := range ins.rec.Evidence {
		if ev.DecisionIndex < 0 || ev.DecisionIndex >= len(ins.rec.Decisions) {
			t.Errorf("evidence index %d out of range", ev.DecisionIndex)
		}
	}
}

func TestSubmitStep_OversizeEvidenceRejected(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxEvidenceSize = 16
	ins := &fakeInserter{}
	c, _ := newTestCoordinator(t, sampling.DefaultConfig(), limits, ins)

	_, err := c.SubmitStep(context.Background(), &StepSubmission{
		RunID:     "run-1",
		Name:      "filtering",
		Decisions: decisionBatch(1, 0, ""),
		Evidence: []EvidenceItem{
			{DecisionRef: "acc-0", EvidenceType: "blob", Data: json.RawMessage(`{"big":"aaaaaaaaaaaaaaaaaaaaaaaa"}`)},
		},
	})
	if _, ok := AsValidationError(err); !ok {
		t.Fatalf("expected ValidationError for oversize evidence, got %v", err)
	}
	if ins.inserts != 0 {
		t.Error("oversize evidence must not be persisted")
	}
}

func TestSubmitStep_OversizeEvidenceTruncatedWhenOptedIn(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxEvidenceSize = 16
	limits.TruncateEvidence = true
	ins := &fakeInserter{}
	c, _ := newTestCoordinator(t, sampling.DefaultConfig(), limits, ins)

	_, err := c.SubmitStep(context.Background(), &StepSubmission{
		RunID:     "run-1",
		Name:      "filtering",
		Decisions: decisionBatch(1, 0, ""),
		Evidence: []EvidenceItem{
			{DecisionRef: "acc-0", EvidenceType: "blob", Data: json.RawMessage(`{"big":"aaaaaaaaaaaaaaaaaaaaaaaa"}`)},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error with truncate policy: %v", err)
	}
	if len(ins.rec.Evidence) != 1 {
		t.Fatalf("stored %d evidence items, want 1", len(ins.rec.Evidence))
	}
	var stub struct {
		Truncated bool `json:"truncated"`
		Size      int  `json:"original_size_bytes"`
	}
	if err := json.Unmarshal(ins.rec.Evidence[0].Data, &stub); err != nil {
		t.Fatalf("stub is not valid JSON: %v", err)
	}
	if !stub.Truncated || stub.Size == 0 {
		t.Errorf("stub = %+v", stub)
	}
}

func TestSubmitStep_TooManyDecisions(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxDecisionsPerStep = 10
	c, _ := newTestCoordinator(t, sampling.DefaultConfig(), limits, &fakeInserter{})

	_, err := c.SubmitStep(context.Background(), &StepSubmission{
		RunID: "run-1", Name: "filtering", Decisions: decisionBatch(0, 11, "r"),
	})
	if _, ok := AsValidationError(err); !ok {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestSubmitStep_DeclaredCountMismatch(t *testing.T) {
	c, _ := newTestCoordinator(t, sampling.DefaultConfig(), DefaultLimits(), &fakeInserter{})

	declared := 3
	_, err := c.SubmitStep(context.Background(), &StepSubmission{
		RunID: "run-1", Name: "filtering",
		Decisions:      decisionBatch(2, 0, ""),
		TotalDecisions: &declared,
	})
	if _, ok := AsValidationError(err); !ok {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestSubmitStep_NonMonotonicSequenceOrder(t *testing.T) {
	c, _ := newTestCoordinator(t, sampling.DefaultConfig(), DefaultLimits(), &fakeInserter{})

	_, err := c.SubmitStep(context.Background(), &StepSubmission{
		RunID: "run-1", Name: "filtering",
		Decisions: []sampling.DecisionEvent{
			{CandidateID: "a", Type: sampling.DecisionAccepted, SequenceOrder: 5},
			{CandidateID: "b", Type: sampling.DecisionRejected, Reason: "r", SequenceOrder: 5},
		},
	})
	if _, ok := AsValidationError(err); !ok {
		t.Fatalf("expected ValidationError for duplicate sequence_order, got %v", err)
	}
}

func TestSubmitStep_DuplicateCandidateIDRejected(t *testing.T) {
	ins := &fakeInserter{}
	c, _ := newTestCoordinator(t, sampling.DefaultConfig(), DefaultLimits(), ins)

	// Evidence is addressed by candidate_id, so a repeated ID would make
	// the reference ambiguous.
	_, err := c.SubmitStep(context.Background(), &StepSubmission{
		RunID: "run-1", Name: "filtering",
		Decisions: []sampling.DecisionEvent{
			{CandidateID: "dup", Type: sampling.DecisionRejected, Reason: "r", SequenceOrder: 0},
			{CandidateID: "other", Type: sampling.DecisionAccepted, SequenceOrder: 1},
			{CandidateID: "dup", Type: sampling.DecisionAccepted, SequenceOrder: 2},
		},
		Evidence: []EvidenceItem{
			{DecisionRef: "dup", EvidenceType: "scores", Data: json.RawMessage(`{"s":1}`)},
		},
	})
	ve, ok := AsValidationError(err)
	if !ok {
		t.Fatalf("expected ValidationError for duplicate candidate_id, got %v", err)
	}
	if ve.Field != "decisions" {
		t.Errorf("field = %q, want decisions", ve.Field)
	}
	if ins.inserts != 0 {
		t.Error("nothing should be persisted on a validation error")
	}
}

func TestSubmitStep_StorageFailureSurfaced(t *testing.T) {
	boom := errors.New("connection reset")
	ins := &fakeInserter{fail: boom}
	c, mirror := newTestCoordinator(t, sampling.DefaultConfig(), DefaultLimits(), ins)

	_, err := c.SubmitStep(context.Background(), &StepSubmission{
		RunID: "run-1", Name: "filtering", Decisions: decisionBatch(1, 1, "r"),
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped storage error, got %v", err)
	}
	if len(mirror.rows) != 0 {
		t.Error("failed writes must not reach the analytics mirror")
	}
}

func TestSubmitStep_EmptyDecisionList(t *testing.T) {
	ins := &fakeInserter{}
	c, _ := newTestCoordinator(t, sampling.DefaultConfig(), DefaultLimits(), ins)

	res, err := c.SubmitStep(context.Background(), &StepSubmission{
		RunID: "run-1", Name: "summarize",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Summary.Total != 0 || res.Summary.Sampled {
		t.Errorf("summary = %+v", res.Summary)
	}
	if res.Stats.InputCount != 0 || res.Stats.RejectionRate != 0 {
		t.Errorf("stats = %+v", res.Stats)
	}
}
