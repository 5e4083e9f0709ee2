// Package trust converts a stream of challenge-response observations
// into a single confidence score per recovery attempt, parameterized
// by a variant configuration assigned deterministically per subject.
package trust

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// VariantConfig is the full set of tunables one experiment variant
// applies to a recovery attempt. Assignment is a pure function of
// (subjectID, experimentID), so concurrent experiments never share
// mutable state.
type VariantConfig struct {
	Name string

	// PassThreshold is the trust score, in [0,1], at which the
	// challenge phase may end.
	PassThreshold float64

	// ChallengeCount is the number of temporal challenges issued.
	ChallengeCount int

	// ChallengeWindow is how long each challenge stays answerable.
	ChallengeWindow time.Duration

	// MinChallengePhase is the elapsed-time floor before the attempt
	// may leave the challenge phase, regardless of score. Prevents
	// instant-pass attacks.
	MinChallengePhase time.Duration

	// AttemptTTL bounds the whole attempt's lifetime.
	AttemptTTL time.Duration

	GuardiansRequired int
	ShardsRequired    int

	// TargetLatency is the response latency at or below which a
	// correct answer earns the full speed bonus.
	TargetLatency time.Duration

	// SpeedBonusCap caps the multiplicative bonus for fast correct
	// answers. The cap keeps automation-grade speed from outscoring a
	// prompt human.
	SpeedBonusCap float64

	// IncorrectPenalty is the fraction of a challenge weight
	// subtracted for a wrong answer.
	IncorrectPenalty float64

	// SimilarityWeight blends the behavioral-similarity value into a
	// correct answer's contribution. Zero disables similarity.
	SimilarityWeight float64
}

// Validate checks range constraints that the CUE schema also enforces,
// for configs constructed directly in Go.
func (c VariantConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("variant: name is required")
	}
	if c.PassThreshold < 0 || c.PassThreshold > 1 {
		return fmt.Errorf("variant %s: pass threshold %v outside [0,1]", c.Name, c.PassThreshold)
	}
	if c.ChallengeCount <= 0 {
		return fmt.Errorf("variant %s: challenge count must be positive", c.Name)
	}
	if c.ChallengeWindow <= 0 || c.AttemptTTL <= 0 || c.TargetLatency <= 0 {
		return fmt.Errorf("variant %s: durations must be positive", c.Name)
	}
	if c.MinChallengePhase < 0 {
		return fmt.Errorf("variant %s: min challenge phase must not be negative", c.Name)
	}
	if c.GuardiansRequired <= 0 {
		return fmt.Errorf("variant %s: guardians required must be positive", c.Name)
	}
	if c.ShardsRequired < 2 {
		return fmt.Errorf("variant %s: shards required must be at least 2", c.Name)
	}
	if c.SpeedBonusCap < 0 || c.IncorrectPenalty < 0 {
		return fmt.Errorf("variant %s: bonus and penalty must not be negative", c.Name)
	}
	if c.SimilarityWeight < 0 || c.SimilarityWeight > 1 {
		return fmt.Errorf("variant %s: similarity weight %v outside [0,1]", c.Name, c.SimilarityWeight)
	}
	return nil
}

// WeightedVariant pairs a variant config with its assignment weight.
type WeightedVariant struct {
	Weight int
	Config VariantConfig
}

// Experiment is a set of weighted variants identified by ID.
type Experiment struct {
	ID       string
	Variants []WeightedVariant
}

// VariantFor deterministically assigns a variant to a subject.
//
// The assignment hashes (experimentID, subjectID) into the experiment's
// cumulative weight range. Pure and stateless: the same inputs always
// select the same variant, so no shared mutable experiment registry
// exists anywhere in the core.
func VariantFor(subjectID string, exp Experiment) (VariantConfig, error) {
	if len(exp.Variants) == 0 {
		return VariantConfig{}, fmt.Errorf("experiment %s has no variants", exp.ID)
	}
	total := 0
	for _, v := range exp.Variants {
		if v.Weight <= 0 {
			return VariantConfig{}, fmt.Errorf("experiment %s: variant %s has non-positive weight", exp.ID, v.Config.Name)
		}
		total += v.Weight
	}

	h := sha256.New()
	h.Write([]byte(exp.ID))
	h.Write([]byte{0x00})
	h.Write([]byte(subjectID))
	bucket := int(binary.BigEndian.Uint64(h.Sum(nil)[:8]) % uint64(total))

	for _, v := range exp.Variants {
		bucket -= v.Weight
		if bucket < 0 {
			return v.Config, nil
		}
	}
	// Unreachable: bucket < total by construction.
	return exp.Variants[len(exp.Variants)-1].Config, nil
}
