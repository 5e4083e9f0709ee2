package cli

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/keyhaven/reclaim/internal/anchor"
	"github.com/keyhaven/reclaim/internal/merkle"
	"github.com/keyhaven/reclaim/internal/record"
	"github.com/keyhaven/reclaim/internal/store"
)

// AnchorOptions holds flags for the anchor command.
type AnchorOptions struct {
	*RootOptions
	Database string
	KeyFile  string
}

// NewAnchorCommand creates the anchor command.
func NewAnchorCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AnchorOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "anchor",
		Short: "Anchor pending evidence commitments",
		Long: `Freeze all unbatched evidence commitments into one Merkle batch,
anchor its root with the authority key, and record the anchoring.

Example:
  reclaim anchor --db ./reclaim.db --key ./authority.seed`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return anchorPending(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.KeyFile, "key", "", "path to hex-encoded ed25519 seed for the anchoring authority (ephemeral if omitted)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func anchorPending(opts *AnchorOptions, cmd *cobra.Command) error {
	key, err := loadOrGenerateKey(opts.KeyFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load authority key", err)
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	pending, err := st.UnbatchedCommitments(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read pending commitments", err)
	}
	if len(pending) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No pending commitments.")
		return nil
	}

	leaves := make([][32]byte, len(pending))
	ids := make([]string, len(pending))
	for i, c := range pending {
		leaves[i] = c.PayloadHash
		ids[i] = c.ID
	}
	root, err := merkle.Root(leaves)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to compute batch root", err)
	}

	frozen := &anchor.Frozen{
		Batch: record.MerkleBatch{
			ID:            uuid.Must(uuid.NewV7()).String(),
			OrderedLeaves: leaves,
			Root:          root,
		},
		Commitments: pending,
	}
	if err := st.SaveBatch(ctx, frozen.Batch, ids); err != nil {
		return WrapExitError(ExitCommandError, "failed to save batch", err)
	}

	registry := anchor.NewRegistry(key.Public().(ed25519.PublicKey))
	submitter := anchor.NewSubmitter(registry, key)
	if err := submitter.Submit(ctx, frozen); err != nil {
		return WrapExitError(ExitFailure, "failed to anchor batch", err)
	}
	if err := st.MarkBatchAnchored(ctx, frozen.Batch.ID, frozen.Batch.AnchoredAt, frozen.Batch.Submitter); err != nil {
		return WrapExitError(ExitCommandError, "failed to record anchoring", err)
	}

	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if opts.Format == "json" {
		return f.Success(map[string]any{
			"batch_id":   frozen.Batch.ID,
			"root":       hex.EncodeToString(root[:]),
			"batch_size": len(leaves),
			"submitter":  frozen.Batch.Submitter,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Anchored batch %s\n", frozen.Batch.ID)
	fmt.Fprintf(cmd.OutOrStdout(), "Root:      %s\n", hex.EncodeToString(root[:]))
	fmt.Fprintf(cmd.OutOrStdout(), "Size:      %d commitments\n", len(leaves))
	fmt.Fprintf(cmd.OutOrStdout(), "Submitter: %s\n", frozen.Batch.Submitter)
	return nil
}
