package sampling

import (
	"math"
	"testing"
)

func rejected(candidate, reason string, seq int) DecisionEvent {
	return DecisionEvent{CandidateID: candidate, Type: DecisionRejected, Reason: reason, SequenceOrder: seq}
}

func accepted(candidate string, seq int) DecisionEvent {
	return DecisionEvent{CandidateID: candidate, Type: DecisionAccepted, SequenceOrder: seq}
}

func TestComputeStats_Empty(t *testing.T) {
	stats := ComputeStats(nil)
	if stats.InputCount != 0 || stats.OutputCount != 0 {
		t.Errorf("expected zero counts, got %+v", stats)
	}
	if stats.RejectionRate != 0 {
		t.Errorf("expected rejection rate 0 for empty input, got %f", stats.RejectionRate)
	}
	if len(stats.RejectionReasons) != 0 {
		t.Errorf("expected no reasons, got %v", stats.RejectionReasons)
	}
}

func TestComputeStats_Mixed(t *testing.T) {
	decisions := []DecisionEvent{
		accepted("a", 0),
		rejected("b", "price_exceeds_threshold", 1),
		rejected("c", "price_exceeds_threshold", 2),
		rejected("d", "rating_below_minimum", 3),
		{CandidateID: "e", Type: DecisionOther, SequenceOrder: 4},
	}

	stats := ComputeStats(decisions)
	if stats.InputCount != 5 {
		t.Errorf("input_count = %d, want 5", stats.InputCount)
	}
	if stats.OutputCount != 1 {
		t.Errorf("output_count = %d, want 1", stats.OutputCount)
	}
	if want := 1 - 1.0/5.0; math.Abs(stats.RejectionRate-want) > 1e-9 {
		t.Errorf("rejection_rate = %f, want %f", stats.RejectionRate, want)
	}
	if stats.RejectionReasons["price_exceeds_threshold"] != 2 {
		t.Errorf("unexpected reason counts: %v", stats.RejectionReasons)
	}
	if stats.RejectionReasons["rating_below_minimum"] != 1 {
		t.Errorf("unexpected reason counts: %v", stats.RejectionReasons)
	}
}

func TestComputeStats_MissingReasonBucketsUnspecified(t *testing.T) {
	decisions := []DecisionEvent{
		rejected("a", "", 0),
		rejected("b", "", 1),
		rejected("c", "too_slow", 2),
	}

	stats := ComputeStats(decisions)
	if stats.RejectionReasons[ReasonUnspecified] != 2 {
		t.Errorf("expected 2 unspecified rejections, got %v", stats.RejectionReasons)
	}
	if stats.RejectionRate != 1.0 {
		t.Errorf("rejection_rate = %f, want 1.0", stats.RejectionRate)
	}
}

func TestComputeStats_InvariantToSampling(t *testing.T) {
	decisions := make([]DecisionEvent, 0, 1000)
	for i := 0; i < 1000; i++ {
		if i%10 == 0 {
			decisions = append(decisions, accepted("c", i))
		} else {
			decisions = append(decisions, rejected("c", "reason", i))
		}
	}

	before := ComputeStats(decisions)
	sampler := NewSeededSampler(Config{Threshold: 100, PerReason: 10, HardCap: 500}, 1)
	sampler.Sample(decisions)
	after := ComputeStats(decisions)

	if before.InputCount != after.InputCount || before.OutputCount != after.OutputCount ||
		before.RejectionRate != after.RejectionRate {
		t.Errorf("stats changed across sampling: before=%+v after=%+v", before, after)
	}
}
