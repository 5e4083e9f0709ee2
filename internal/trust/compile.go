package trust

import (
	"fmt"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// experimentSchema constrains experiment definitions. Definitions are
// authored in CUE so threshold and duration bounds are enforced before
// any attempt runs under a variant.
const experimentSchema = `
#Variant: {
	name:   string & !=""
	weight: int & >0
	config: {
		pass_threshold:              number & >=0 & <=1
		challenge_count:             int & >0
		challenge_window_seconds:    int & >0
		min_challenge_phase_seconds: int & >=0
		attempt_ttl_seconds:         int & >0
		guardians_required:          int & >0
		shards_required:             int & >=2
		target_latency_seconds:      int & >0
		speed_bonus_cap:             number & >=0
		incorrect_penalty:           number & >=0
		similarity_weight:           number & >=0 & <=1
	}
}

experiment: {
	id:       string & !=""
	variants: [#Variant, ...#Variant]
}
`

// decoded mirrors the CUE shape; durations travel as integer seconds
// because CUE has no native duration type.
type decodedExperiment struct {
	ID       string `json:"id"`
	Variants []struct {
		Name   string `json:"name"`
		Weight int    `json:"weight"`
		Config struct {
			PassThreshold            float64 `json:"pass_threshold"`
			ChallengeCount           int     `json:"challenge_count"`
			ChallengeWindowSeconds   int     `json:"challenge_window_seconds"`
			MinChallengePhaseSeconds int     `json:"min_challenge_phase_seconds"`
			AttemptTTLSeconds        int     `json:"attempt_ttl_seconds"`
			GuardiansRequired        int     `json:"guardians_required"`
			ShardsRequired           int     `json:"shards_required"`
			TargetLatencySeconds     int     `json:"target_latency_seconds"`
			SpeedBonusCap            float64 `json:"speed_bonus_cap"`
			IncorrectPenalty         float64 `json:"incorrect_penalty"`
			SimilarityWeight         float64 `json:"similarity_weight"`
		} `json:"config"`
	} `json:"variants"`
}

// CompileExperiment parses CUE source into an Experiment.
//
// The source is unified with the embedded schema, so range violations
// (a pass threshold of 1.2, a zero TTL) surface as compile errors with
// positions rather than as misbehaving attempts later.
func CompileExperiment(source []byte) (Experiment, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(experimentSchema)
	if err := schema.Err(); err != nil {
		return Experiment{}, formatCUEError("schema", err)
	}

	input := ctx.CompileBytes(source)
	if err := input.Err(); err != nil {
		return Experiment{}, formatCUEError("experiment", err)
	}

	unified := schema.Unify(input)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return Experiment{}, formatCUEError("experiment", err)
	}

	var dec decodedExperiment
	expVal := unified.LookupPath(cue.ParsePath("experiment"))
	if !expVal.Exists() {
		return Experiment{}, fmt.Errorf("compile experiment: missing top-level experiment struct")
	}
	if err := expVal.Decode(&dec); err != nil {
		return Experiment{}, formatCUEError("experiment", err)
	}

	exp := Experiment{ID: dec.ID}
	for _, v := range dec.Variants {
		cfg := VariantConfig{
			Name:              v.Name,
			PassThreshold:     v.Config.PassThreshold,
			ChallengeCount:    v.Config.ChallengeCount,
			ChallengeWindow:   time.Duration(v.Config.ChallengeWindowSeconds) * time.Second,
			MinChallengePhase: time.Duration(v.Config.MinChallengePhaseSeconds) * time.Second,
			AttemptTTL:        time.Duration(v.Config.AttemptTTLSeconds) * time.Second,
			GuardiansRequired: v.Config.GuardiansRequired,
			ShardsRequired:    v.Config.ShardsRequired,
			TargetLatency:     time.Duration(v.Config.TargetLatencySeconds) * time.Second,
			SpeedBonusCap:     v.Config.SpeedBonusCap,
			IncorrectPenalty:  v.Config.IncorrectPenalty,
			SimilarityWeight:  v.Config.SimilarityWeight,
		}
		if err := cfg.Validate(); err != nil {
			return Experiment{}, fmt.Errorf("compile experiment %s: %w", dec.ID, err)
		}
		exp.Variants = append(exp.Variants, WeightedVariant{Weight: v.Weight, Config: cfg})
	}
	return exp, nil
}

// formatCUEError flattens a CUE error list into one error with
// positions, the way the CUE evaluator reports them.
func formatCUEError(what string, err error) error {
	list := cueerrors.Errors(err)
	if len(list) == 0 {
		return fmt.Errorf("compile %s: %v", what, err)
	}
	msg := cueerrors.Details(err, nil)
	return fmt.Errorf("compile %s: %s", what, msg)
}
