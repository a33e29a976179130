package sampling

// ComputeStats aggregates the full ordered decision list of a step.
// Pure and deterministic. Must be called on the unsampled set — rates
// reported to callers are exact regardless of what sampling later keeps.
func ComputeStats(decisions []DecisionEvent) Stats {
	stats := Stats{
		InputCount:       len(decisions),
		RejectionReasons: map[string]int{},
	}
	if len(decisions) == 0 {
		return stats
	}

	for _, d := range decisions {
		switch d.Type {
		case DecisionAccepted:
			stats.OutputCount++
		case DecisionRejected:
			reason := d.Reason
			if reason == "" {
				reason = ReasonUnspecified
			}
			stats.RejectionReasons[reason]++
		}
	}

	stats.RejectionRate = 1 - float64(stats.OutputCount)/float64(stats.InputCount)
	return stats
}
