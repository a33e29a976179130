package sampling

import (
	"reflect"
	"testing"
)

func makeBatch(acceptedN int, rejectedByReason map[string]int) []DecisionEvent {
	var out []DecisionEvent
	seq := 0
	for i := 0; i < acceptedN; i++ {
		out = append(out, accepted("winner", seq))
		seq++
	}
	// Deterministic reason iteration keeps batches reproducible across runs.
	reasons := make([]string, 0, len(rejectedByReason))
	for r := range rejectedByReason {
		reasons = append(reasons, r)
	}
	for i := 0; i < len(reasons); i++ {
		for j := i + 1; j < len(reasons); j++ {
			if reasons[j] < reasons[i] {
				reasons[i], reasons[j] = reasons[j], reasons[i]
			}
		}
	}
	for _, r := range reasons {
		for i := 0; i < rejectedByReason[r]; i++ {
			out = append(out, rejected("loser", r, seq))
			seq++
		}
	}
	return out
}

func TestSample_BelowThresholdKeepsEverything(t *testing.T) {
	s := NewSeededSampler(Config{Threshold: 500, PerReason: 50}, 1)
	batch := makeBatch(5, map[string]int{"too_expensive": 5})

	kept, summary := s.Sample(batch)
	if summary.Sampled {
		t.Error("expected sampled=false below threshold")
	}
	if summary.Total != 10 || summary.Kept != 10 {
		t.Errorf("summary = %+v, want total=10 kept=10", summary)
	}
	if !reflect.DeepEqual(kept, batch) {
		t.Error("below-threshold sampling must return the input unchanged")
	}
}

func TestSample_Empty(t *testing.T) {
	s := NewSeededSampler(DefaultConfig(), 1)
	kept, summary := s.Sample(nil)
	if len(kept) != 0 || summary.Sampled || summary.Total != 0 {
		t.Errorf("expected empty result, got kept=%d summary=%+v", len(kept), summary)
	}
}

func TestSample_AcceptedAlwaysRetained(t *testing.T) {
	s := NewSeededSampler(Config{Threshold: 10, PerReason: 5}, 7)
	batch := makeBatch(40, map[string]int{"bad_rating": 100})

	kept, _ := s.Sample(batch)
	acceptedKept := 0
	for _, d := range kept {
		if d.Type == DecisionAccepted {
			acceptedKept++
		}
	}
	if acceptedKept != 40 {
		t.Errorf("accepted kept = %d, want all 40", acceptedKept)
	}
}

func TestSample_PerReasonCap(t *testing.T) {
	s := NewSeededSampler(Config{Threshold: 10, PerReason: 7}, 3)
	batch := makeBatch(0, map[string]int{
		"reason_a": 100, // above cap
		"reason_b": 7,   // exactly cap
		"reason_c": 3,   // below cap — whole partition kept
	})

	kept, summary := s.Sample(batch)
	counts := map[string]int{}
	for _, d := range kept {
		counts[d.Reason]++
	}
	if counts["reason_a"] != 7 {
		t.Errorf("reason_a kept = %d, want 7", counts["reason_a"])
	}
	if counts["reason_b"] != 7 {
		t.Errorf("reason_b kept = %d, want 7", counts["reason_b"])
	}
	if counts["reason_c"] != 3 {
		t.Errorf("reason_c kept = %d, want 3", counts["reason_c"])
	}
	if !summary.Sampled {
		t.Error("expected sampled=true")
	}
}

func TestSample_SingleReasonGovernedByCap(t *testing.T) {
	s := NewSeededSampler(Config{Threshold: 10, PerReason: 25}, 9)
	batch := makeBatch(0, map[string]int{"only_reason": 500})

	kept, summary := s.Sample(batch)
	if len(kept) != 25 {
		t.Errorf("kept = %d, want 25", len(kept))
	}
	if summary.Kept != 25 || summary.Total != 500 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestSample_OrderStrictlyIncreasing(t *testing.T) {
	s := NewSeededSampler(Config{Threshold: 10, PerReason: 5}, 11)
	batch := makeBatch(20, map[string]int{"x": 60, "y": 60, "z": 60})

	kept, _ := s.Sample(batch)
	for i := 1; i < len(kept); i++ {
		if kept[i].SequenceOrder <= kept[i-1].SequenceOrder {
			t.Fatalf("sequence_order not strictly increasing at %d: %d then %d",
				i, kept[i-1].SequenceOrder, kept[i].SequenceOrder)
		}
	}
}

func TestSample_IdempotentOnOwnOutput(t *testing.T) {
	cfg := Config{Threshold: 100, PerReason: 20}
	s := NewSeededSampler(cfg, 5)
	batch := makeBatch(10, map[string]int{"a": 200, "b": 200})

	first, _ := s.Sample(batch)
	if len(first) > cfg.Threshold {
		t.Fatalf("first pass kept %d, expected at or below threshold", len(first))
	}
	second, summary := s.Sample(first)
	if summary.Sampled {
		t.Error("second pass should not sample")
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("second pass changed the retained set")
	}
}

func TestSample_HardCapTrimsProportionally(t *testing.T) {
	s := NewSeededSampler(Config{Threshold: 10, PerReason: 100, HardCap: 60}, 13)
	batch := makeBatch(10, map[string]int{
		"big":   100, // reservoir 100
		"small": 50,  // reservoir 50
	})

	kept, _ := s.Sample(batch)
	if len(kept) > 60 {
		t.Fatalf("kept %d exceeds hard cap 60", len(kept))
	}
	counts := map[string]int{}
	acceptedKept := 0
	for _, d := range kept {
		if d.Type == DecisionAccepted {
			acceptedKept++
			continue
		}
		counts[d.Reason]++
	}
	if acceptedKept != 10 {
		t.Errorf("hard cap removed accepted decisions: kept %d of 10", acceptedKept)
	}
	// budget 50 split 100:50 → roughly 33:17
	if counts["big"] <= counts["small"] {
		t.Errorf("proportional trim lost reason ordering: big=%d small=%d", counts["big"], counts["small"])
	}
	if counts["big"]+counts["small"] != 50 {
		t.Errorf("rejected kept = %d, want exactly the 50-item budget", counts["big"]+counts["small"])
	}
}

func TestSample_HardCapNeverRemovesAccepted(t *testing.T) {
	// More accepted than the cap itself: rejected budget collapses to zero
	// but every accepted decision survives.
	s := NewSeededSampler(Config{Threshold: 10, PerReason: 10, HardCap: 30}, 17)
	batch := makeBatch(40, map[string]int{"r": 100})

	kept, _ := s.Sample(batch)
	acceptedKept, rejectedKept := 0, 0
	for _, d := range kept {
		if d.Type == DecisionAccepted {
			acceptedKept++
		} else {
			rejectedKept++
		}
	}
	if acceptedKept != 40 {
		t.Errorf("accepted kept = %d, want 40", acceptedKept)
	}
	if rejectedKept != 0 {
		t.Errorf("rejected kept = %d, want 0 when accepted exhaust the cap", rejectedKept)
	}
}

func TestSample_DeterministicForSeed(t *testing.T) {
	cfg := Config{Threshold: 10, PerReason: 5}
	batch := makeBatch(5, map[string]int{"a": 50, "b": 50})

	first, _ := NewSeededSampler(cfg, 42).Sample(batch)
	second, _ := NewSeededSampler(cfg, 42).Sample(batch)
	if !reflect.DeepEqual(first, second) {
		t.Error("same seed produced different samples")
	}
}

// Scenario: 5000 decisions, three rejection reasons, 30 accepted.
func TestSample_CompetitorSelectionScenario(t *testing.T) {
	s := NewSeededSampler(Config{Threshold: 500, PerReason: 50}, 21)
	batch := makeBatch(30, map[string]int{
		"price_exceeds_threshold": 2000,
		"rating_below_minimum":    1500,
		"category_mismatch":       1470,
	})

	stats := ComputeStats(batch)
	if stats.InputCount != 5000 || stats.OutputCount != 30 {
		t.Fatalf("stats = %+v", stats)
	}
	if want := 0.994; stats.RejectionRate != want {
		t.Errorf("rejection_rate = %f, want %f", stats.RejectionRate, want)
	}
	if stats.RejectionReasons["price_exceeds_threshold"] != 2000 ||
		stats.RejectionReasons["rating_below_minimum"] != 1500 ||
		stats.RejectionReasons["category_mismatch"] != 1470 {
		t.Errorf("reason counts = %v", stats.RejectionReasons)
	}

	kept, summary := s.Sample(batch)
	if len(kept) != 180 {
		t.Errorf("kept = %d, want 180 (30 accepted + 3x50 rejected)", len(kept))
	}
	want := SamplingSummary{Total: 5000, Kept: 180, Sampled: true}
	if summary != want {
		t.Errorf("summary = %+v, want %+v", summary, want)
	}
}

func BenchmarkSample(b *testing.B) {
	s := NewSeededSampler(DefaultConfig(), 1)
	batch := makeBatch(50, map[string]int{
		"price_exceeds_threshold": 2000,
		"rating_below_minimum":    1500,
		"category_mismatch":       1500,
	})

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		s.Sample(batch)
	}
}
