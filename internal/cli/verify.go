package cli

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keyhaven/reclaim/internal/anchor"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify <root> <leaf> [proof-element...]",
		Short: "Verify commitment inclusion in an anchored root",
		Long: `Verify that a commitment leaf is included under a Merkle root.

All arguments are hex-encoded 32-byte SHA-256 digests. The leaf is
folded through the proof elements in order; verification succeeds when
the folded digest equals the root. The check is offline: it reads no
ledger state.

Exit codes:
  0 - proof valid
  1 - proof invalid
  2 - malformed input

Example:
  reclaim verify 3a1f... 9c0d... 77e2... 04bb...`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return verifyInclusion(opts, args, cmd)
		},
	}

	return cmd
}

func verifyInclusion(opts *VerifyOptions, args []string, cmd *cobra.Command) error {
	root, err := parseDigest(args[0])
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid root", err)
	}
	leaf, err := parseDigest(args[1])
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid leaf", err)
	}
	proof := make([][32]byte, 0, len(args)-2)
	for i, arg := range args[2:] {
		elem, err := parseDigest(arg)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("invalid proof element %d", i), err)
		}
		proof = append(proof, elem)
	}

	valid := anchor.FoldProof(leaf, proof) == root

	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if opts.Format == "json" {
		if err := f.Success(map[string]any{"valid": valid}); err != nil {
			return err
		}
	} else if valid {
		fmt.Fprintln(cmd.OutOrStdout(), "Proof valid.")
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "Proof INVALID.")
	}

	if !valid {
		return NewExitError(ExitFailure, "inclusion proof did not verify")
	}
	return nil
}

// parseDigest decodes a hex-encoded 32-byte digest.
func parseDigest(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("digest must be 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
