package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyhaven/reclaim/internal/record"
	"github.com/keyhaven/reclaim/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Database string
}

// attemptView is the JSON shape of an attempt for CLI output.
type attemptView struct {
	ID                  string   `json:"id"`
	SubjectID           string   `json:"subject_id"`
	Status              string   `json:"status"`
	Variant             string   `json:"variant"`
	TrustScore          float64  `json:"trust_score"`
	ChallengesSent      int      `json:"challenges_sent"`
	ChallengesCompleted int      `json:"challenges_completed"`
	GuardiansApproved   []string `json:"guardians_approved,omitempty"`
	ShardHoldersSeen    []string `json:"shard_holders_seen,omitempty"`
	InitiatedAt         string   `json:"initiated_at"`
	ExpiresAt           string   `json:"expires_at"`
	CompletedAt         string   `json:"completed_at,omitempty"`
	CanaryAcknowledged  bool     `json:"canary_acknowledged"`
	FailureReason       string   `json:"failure_reason,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status <attempt-id>",
		Short: "Show a recovery attempt's state",
		Long: `Show the persisted state of a recovery attempt.

Example:
  reclaim status --db ./reclaim.db 0190b7f2-...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func showStatus(opts *StatusOptions, attemptID string, cmd *cobra.Command) error {
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := st.ReadAttempt(ctx, attemptID)
	if errors.Is(err, store.ErrNotFound) {
		return NewExitError(ExitFailure, fmt.Sprintf("no such attempt: %s", attemptID))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read attempt", err)
	}

	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if opts.Format == "json" {
		return f.Success(viewOf(a))
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Attempt:    %s\n", a.ID)
	fmt.Fprintf(out, "Subject:    %s\n", a.SubjectID)
	fmt.Fprintf(out, "Status:     %s\n", a.Status)
	fmt.Fprintf(out, "Variant:    %s\n", a.Variant)
	fmt.Fprintf(out, "Score:      %.4f\n", a.TrustScore)
	fmt.Fprintf(out, "Challenges: %d answered of %d sent\n", a.ChallengesCompleted, a.ChallengesSent)
	fmt.Fprintf(out, "Guardians:  %d approved of %d required\n", a.ApprovalCount(), a.GuardianApprovalsRequired)
	fmt.Fprintf(out, "Shards:     %d seen of %d required\n", len(a.ShardHoldersSeen), a.ShardsRequired)
	fmt.Fprintf(out, "Initiated:  %s\n", a.InitiatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Expires:    %s\n", a.ExpiresAt.Format(time.RFC3339))
	if !a.CompletedAt.IsZero() {
		fmt.Fprintf(out, "Ended:      %s\n", a.CompletedAt.Format(time.RFC3339))
	}
	if a.FailureReason != "" {
		fmt.Fprintf(out, "Failure:    %s\n", a.FailureReason)
	}
	if len(a.GuardiansApproved) > 0 {
		fmt.Fprintf(out, "Approved by: %s\n", strings.Join(a.GuardiansApproved, ", "))
	}
	return nil
}

func viewOf(a record.RecoveryAttempt) attemptView {
	v := attemptView{
		ID:                  a.ID,
		SubjectID:           a.SubjectID,
		Status:              string(a.Status),
		Variant:             a.Variant,
		TrustScore:          a.TrustScore,
		ChallengesSent:      a.ChallengesSent,
		ChallengesCompleted: a.ChallengesCompleted,
		GuardiansApproved:   a.GuardiansApproved,
		ShardHoldersSeen:    a.ShardHoldersSeen,
		InitiatedAt:         a.InitiatedAt.Format(time.RFC3339),
		ExpiresAt:           a.ExpiresAt.Format(time.RFC3339),
		CanaryAcknowledged:  a.CanaryAcknowledged,
		FailureReason:       a.FailureReason,
	}
	if !a.CompletedAt.IsZero() {
		v.CompletedAt = a.CompletedAt.Format(time.RFC3339)
	}
	return v
}
