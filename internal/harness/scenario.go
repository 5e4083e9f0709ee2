package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario.
// A scenario drives a real recovery machine through a sequence of
// events under a deterministic clock and asserts on the resulting
// audit trace and final attempt state.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Experiment is the path to the CUE experiment file defining the
	// variant configurations. Relative paths are resolved against the
	// scenario file location.
	Experiment string `yaml:"experiment"`

	// Subject is the subject identity initiating recovery.
	Subject string `yaml:"subject"`

	// Secret is the plaintext split into shares for the shard phase.
	// Defaults to a fixed test secret when empty.
	Secret string `yaml:"secret,omitempty"`

	// Answers is the subject's registered challenge answer bank.
	Answers []AnswerEntry `yaml:"answers"`

	// Guardians lists guardian identities. Each gets a deterministic
	// keypair derived from its ID; approvals are signed with it.
	Guardians []string `yaml:"guardians,omitempty"`

	// Holders lists shard holder identities. The secret is split into
	// len(Holders) shares; holders[i] holds share i+1.
	Holders []string `yaml:"holders,omitempty"`

	// BatchSize overrides the commitment batch size. Defaults to 100
	// so batches only freeze when a scenario flushes explicitly.
	BatchSize int `yaml:"batch_size,omitempty"`

	// Steps is the event sequence applied to the machine.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	// Supported types: final_status, audit_count, audit_order, secret
	Assertions []Assertion `yaml:"assertions"`
}

// AnswerEntry is one registered challenge answer.
type AnswerEntry struct {
	// Answer is the plaintext answer; the harness registers its digest.
	Answer string `yaml:"answer"`

	// Weight is the challenge weight. Defaults to 1.
	Weight float64 `yaml:"weight,omitempty"`
}

// Step is one event applied to the machine.
// Op selects the event; the remaining fields parameterize it.
type Step struct {
	// Op is the event kind:
	// initiate, respond, approve, shard, ack_canary, cancel, expire, flush
	Op string `yaml:"op"`

	// Advance moves the deterministic clock forward before the event
	// (e.g. "10s", "2h"). Zero when empty.
	Advance string `yaml:"advance,omitempty"`

	// Answer is the response plaintext (respond).
	Answer string `yaml:"answer,omitempty"`

	// Similarity is an optional semantic similarity score in [0,1]
	// (respond). Absent means no similarity signal.
	Similarity *float64 `yaml:"similarity,omitempty"`

	// Guardian is the approving guardian ID (approve).
	Guardian string `yaml:"guardian,omitempty"`

	// BadSignature makes the approval carry garbage bytes (approve).
	BadSignature bool `yaml:"bad_signature,omitempty"`

	// Holder is the submitting shard holder ID (shard).
	Holder string `yaml:"holder,omitempty"`

	// UseShareOf submits another holder's share under Holder's name
	// (shard). Exercises duplicate-index handling.
	UseShareOf string `yaml:"use_share_of,omitempty"`

	// Corrupt flips a byte of the submitted share (shard).
	Corrupt bool `yaml:"corrupt,omitempty"`

	// ExpectError is the rejection code this step must fail with.
	// Empty means the step must succeed.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Assertion validates the trace or final state.
type Assertion struct {
	// Type selects the assertion:
	// - "final_status": the attempt ends in Status
	// - "audit_count": Kind appears exactly Count times in the trace
	// - "audit_order": Kinds appear in the trace in this relative order
	// - "secret": the reconstructed secret equals Value
	Type string `yaml:"type"`

	// Status is the expected final status (final_status).
	Status string `yaml:"status,omitempty"`

	// Kind is the audit event kind (audit_count).
	Kind string `yaml:"kind,omitempty"`

	// Count is the expected occurrence count (audit_count).
	Count int `yaml:"count,omitempty"`

	// Kinds is the expected relative order (audit_order).
	Kinds []string `yaml:"kinds,omitempty"`

	// Value is the expected reconstructed secret (secret).
	Value string `yaml:"value,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalStatus = "final_status"
	AssertAuditCount  = "audit_count"
	AssertAuditOrder  = "audit_order"
	AssertSecret      = "secret"
)

// Step op constants.
const (
	OpInitiate  = "initiate"
	OpRespond   = "respond"
	OpApprove   = "approve"
	OpShard     = "shard"
	OpAckCanary = "ack_canary"
	OpCancel    = "cancel"
	OpExpire    = "expire"
	OpFlush     = "flush"
)

// LoadScenario reads and parses a scenario YAML file. The experiment
// path is resolved relative to the scenario file. Returns an error if
// the file is malformed, contains unknown fields (typos), or is
// missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Experiment != "" && !filepath.IsAbs(scenario.Experiment) {
		scenario.Experiment = filepath.Join(filepath.Dir(path), scenario.Experiment)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Experiment == "" {
		return fmt.Errorf("experiment is required")
	}
	if _, err := os.Stat(s.Experiment); os.IsNotExist(err) {
		return fmt.Errorf("experiment file not found: %s", s.Experiment)
	}
	if s.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	if len(s.Answers) == 0 {
		return fmt.Errorf("answers list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateStep validates a single step based on its op.
func validateStep(index int, step *Step) error {
	if step.Advance != "" {
		if _, err := time.ParseDuration(step.Advance); err != nil {
			return fmt.Errorf("steps[%d]: invalid advance %q: %w", index, step.Advance, err)
		}
	}
	switch step.Op {
	case OpInitiate, OpAckCanary, OpCancel, OpExpire, OpFlush:
	case OpRespond:
		if step.Answer == "" {
			return fmt.Errorf("steps[%d]: answer is required for respond", index)
		}
	case OpApprove:
		if step.Guardian == "" {
			return fmt.Errorf("steps[%d]: guardian is required for approve", index)
		}
	case OpShard:
		if step.Holder == "" {
			return fmt.Errorf("steps[%d]: holder is required for shard", index)
		}
	case "":
		return fmt.Errorf("steps[%d]: op is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, step.Op)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertFinalStatus:
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for final_status", index)
		}
	case AssertAuditCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for audit_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for audit_count", index)
		}
	case AssertAuditOrder:
		if len(a.Kinds) == 0 {
			return fmt.Errorf("assertions[%d]: kinds list is required for audit_order", index)
		}
	case AssertSecret:
		if a.Value == "" {
			return fmt.Errorf("assertions[%d]: value is required for secret", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
