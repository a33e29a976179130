package sampling

import (
	"math/rand/v2"
	"sort"
)

// Config holds the sampling knobs.
type Config struct {
	Threshold int // decision count above which sampling activates
	PerReason int // max rejected decisions retained per reason
	HardCap   int // absolute ceiling on retained decisions; 0 disables
}

// DefaultConfig returns the stock sampling configuration.
func DefaultConfig() Config {
	return Config{
		Threshold: 500,
		PerReason: 50,
		HardCap:   2000,
	}
}

// Sampler derives a size-bounded, diversity-preserving subset of a decision
// batch. Accepted decisions are always retained in full; rejected decisions
// are reservoir-sampled per reason so metadata diversity within a reason
// survives. Stateless across calls and safe for concurrent use — each Sample
// call owns its working set and its own RNG stream.
type Sampler struct {
	cfg  Config
	seed func() uint64
}

// NewSampler creates a Sampler with a non-deterministic seed source.
func NewSampler(cfg Config) *Sampler {
	return &Sampler{cfg: cfg, seed: rand.Uint64}
}

// NewSeededSampler creates a Sampler whose selections are deterministic for a
// given seed. Used by tests.
func NewSeededSampler(cfg Config, seed uint64) *Sampler {
	return &Sampler{cfg: cfg, seed: func() uint64 { return seed }}
}

// reservoir is a single-pass uniform sample of fixed capacity.
type reservoir struct {
	items []DecisionEvent
	seen  int
}

func (r *reservoir) offer(d DecisionEvent, cap int, rng *rand.Rand) {
	r.seen++
	if len(r.items) < cap {
		r.items = append(r.items, d)
		return
	}
	if j := rng.IntN(r.seen); j < cap {
		r.items[j] = d
	}
}

// Sample returns the retained subset of decisions and a summary. The retained
// set is re-sorted by sequence order ascending, so sampling never visibly
// reorders events. Idempotent: applied to its own output (now at or below the
// threshold) it returns the same set unchanged.
func (s *Sampler) Sample(decisions []DecisionEvent) ([]DecisionEvent, SamplingSummary) {
	total := len(decisions)
	if total == 0 {
		return []DecisionEvent{}, SamplingSummary{Total: 0, Kept: 0, Sampled: false}
	}
	if total <= s.cfg.Threshold {
		return decisions, SamplingSummary{Total: total, Kept: total, Sampled: false}
	}

	rng := rand.New(rand.NewPCG(s.seed(), uint64(total)))

	var kept []DecisionEvent // accepted and other, retained unconditionally
	byReason := map[string]*reservoir{}
	var reasons []string // insertion order, for deterministic iteration

	for _, d := range decisions {
		if d.Type != DecisionRejected {
			kept = append(kept, d)
			continue
		}
		reason := d.Reason
		if reason == "" {
			reason = ReasonUnspecified
		}
		res, ok := byReason[reason]
		if !ok {
			res = &reservoir{}
			byReason[reason] = res
			reasons = append(reasons, reason)
		}
		res.offer(d, s.cfg.PerReason, rng)
	}

	rejectedKept := 0
	for _, res := range byReason {
		rejectedKept += len(res.items)
	}

	// Hard cap: trim rejected proportionally across reasons. Accepted
	// decisions are never removed — winners stay fully debuggable.
	if s.cfg.HardCap > 0 && len(kept)+rejectedKept > s.cfg.HardCap {
		budget := s.cfg.HardCap - len(kept)
		if budget < 0 {
			budget = 0
		}
		trimReservoirs(byReason, reasons, budget, rejectedKept, rng)
	}

	for _, reason := range reasons {
		kept = append(kept, byReason[reason].items...)
	}

	sort.Slice(kept, func(i, j int) bool {
		return kept[i].SequenceOrder < kept[j].SequenceOrder
	})

	return kept, SamplingSummary{
		Total:   total,
		Kept:    len(kept),
		Sampled: len(kept) < total,
	}
}

// trimReservoirs shrinks the per-reason reservoirs to a total of budget items,
// allocating quotas proportionally to reservoir size (largest-remainder
// rounding, ties broken by reason insertion order so the split is stable).
func trimReservoirs(byReason map[string]*reservoir, reasons []string, budget, current int, rng *rand.Rand) {
	if current == 0 || budget >= current {
		return
	}

	type alloc struct {
		reason    string
		quota     int
		remainder int // scaled fractional part, larger gets leftover first
	}
	allocs := make([]alloc, 0, len(reasons))
	assigned := 0
	for _, reason := range reasons {
		n := len(byReason[reason].items)
		share := n * budget
		allocs = append(allocs, alloc{
			reason:    reason,
			quota:     share / current,
			remainder: share % current,
		})
		assigned += share / current
	}

	sort.SliceStable(allocs, func(i, j int) bool {
		return allocs[i].remainder > allocs[j].remainder
	})
	for i := 0; assigned < budget && i < len(allocs); i++ {
		if len(byReason[allocs[i].reason].items) > allocs[i].quota {
			allocs[i].quota++
			assigned++
		}
	}

	for _, a := range allocs {
		res := byReason[a.reason]
		if len(res.items) <= a.quota {
			continue
		}
		// The reservoir is already a uniform sample; shuffle before
		// truncating so the trimmed subset stays uniform too.
		rng.Shuffle(len(res.items), func(i, j int) {
			res.items[i], res.items[j] = res.items[j], res.items[i]
		})
		res.items = res.items[:a.quota]
	}
}
