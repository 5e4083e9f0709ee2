package harness

import (
	"fmt"
	"strconv"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/keyhaven/reclaim/internal/audit"
	"github.com/keyhaven/reclaim/internal/record"
)

// TraceSnapshot captures the audit trace of a scenario execution.
// Serialized with canonical JSON so byte comparison is deterministic.
type TraceSnapshot struct {
	ScenarioName string
	Events       []audit.Event
}

// toCanonicalMap converts the snapshot to the value types canonical
// JSON accepts. Floats are rendered as fixed-precision strings since
// the canonical form has no float encoding.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	events := make([]any, len(s.Events))
	for i, ev := range s.Events {
		eventMap := map[string]any{
			"seq":  ev.Seq,
			"kind": string(ev.Kind),
		}
		if ev.AttemptID != "" {
			eventMap["attempt_id"] = ev.AttemptID
		}
		if ev.SubjectID != "" {
			eventMap["subject_id"] = ev.SubjectID
		}
		if len(ev.Fields) > 0 {
			fields := make(map[string]any, len(ev.Fields))
			for k, v := range ev.Fields {
				fields[k] = normalizeValue(v)
			}
			eventMap["fields"] = fields
		}
		events[i] = eventMap
	}
	return map[string]any{
		"scenario_name": s.ScenarioName,
		"events":        events,
	}
}

// normalizeValue maps trace field values onto canonical JSON types.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case float64:
		return strconv.FormatFloat(val, 'f', 4, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', 4, 64)
	default:
		return v
	}
}

// RunWithGolden executes a scenario and compares its audit trace
// against a golden file in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns an error if scenario execution fails; trace mismatches fail
// the test through goldie.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if !result.Pass {
		return result, fmt.Errorf("scenario failed: %v", result.Errors)
	}

	snapshot := TraceSnapshot{
		ScenarioName: scenario.Name,
		Events:       result.Events,
	}
	traceJSON, err := record.MarshalCanonical(snapshot.toCanonicalMap())
	if err != nil {
		return result, err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, traceJSON)
	return result, nil
}
