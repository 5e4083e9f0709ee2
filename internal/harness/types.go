package harness

import (
	"github.com/keyhaven/reclaim/internal/audit"
	"github.com/keyhaven/reclaim/internal/record"
)

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall scenario success: every step matched its
	// expected outcome and every assertion held.
	Pass bool

	// Errors contains validation error messages. Empty if Pass is true.
	Errors []string

	// Events is the full audit trace in emission order. Used for
	// assertions and golden comparison.
	Events []audit.Event

	// Final is the attempt's state after the last step.
	Final record.RecoveryAttempt
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{Pass: true}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
