package trust

import "time"

// ResponseEvent is one scored challenge-response observation.
type ResponseEvent struct {
	// Correct reports whether the answer hash matched.
	Correct bool

	// Weight is the challenge's configured weight.
	Weight float64

	// Latency is the time between challenge issuance and the answer.
	Latency time.Duration

	// Similarity is an optional behavioral-similarity value in [0,1].
	// Valid only when HasSimilarity is true.
	Similarity    float64
	HasSimilarity bool
}

// Score recomputes the trust score from the full ordered event history.
//
// Pure function of (events, cfg): replaying the same history with the
// same variant config always yields the identical score. The engine
// calls it incrementally after each event but never caches partial
// sums, so there is no hidden accumulator state to drift.
//
// Contributions:
//   - a correct answer adds weight scaled by a latency decay factor in
//     [1, 1+SpeedBonusCap]: full bonus at or under TargetLatency,
//     linear decay to no bonus at twice the target;
//   - behavioral similarity blends multiplicatively into correct
//     answers via SimilarityWeight;
//   - an incorrect answer subtracts weight*IncorrectPenalty.
//
// The sum is normalized by the maximum achievable sum and clamped to
// [0,1].
func Score(events []ResponseEvent, cfg VariantConfig) float64 {
	var sum, max float64
	for _, ev := range events {
		max += ev.Weight * (1 + cfg.SpeedBonusCap)
		if !ev.Correct {
			sum -= ev.Weight * cfg.IncorrectPenalty
			continue
		}
		contribution := ev.Weight * speedFactor(ev.Latency, cfg)
		if ev.HasSimilarity {
			contribution *= (1 - cfg.SimilarityWeight) + cfg.SimilarityWeight*clamp01(ev.Similarity)
		}
		sum += contribution
	}
	if max == 0 {
		return 0
	}
	return clamp01(sum / max)
}

// speedFactor maps response latency to a multiplier in
// [1, 1+SpeedBonusCap]. Latencies at or below the target earn the full
// capped bonus; the bonus decays linearly and is gone at 2x target.
func speedFactor(latency time.Duration, cfg VariantConfig) float64 {
	if cfg.SpeedBonusCap == 0 || cfg.TargetLatency <= 0 {
		return 1
	}
	target := cfg.TargetLatency
	if latency <= target {
		return 1 + cfg.SpeedBonusCap
	}
	if latency >= 2*target {
		return 1
	}
	frac := float64(2*target-latency) / float64(target)
	return 1 + cfg.SpeedBonusCap*frac
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
