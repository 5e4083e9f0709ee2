package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keyhaven/reclaim/internal/trust"
)

// VariantsOptions holds flags for the variants command.
type VariantsOptions struct {
	*RootOptions
	Subject string
}

// variantView is the JSON shape of a variant for CLI output.
type variantView struct {
	Name              string  `json:"name"`
	Weight            int     `json:"weight"`
	PassThreshold     float64 `json:"pass_threshold"`
	ChallengeCount    int     `json:"challenge_count"`
	GuardiansRequired int     `json:"guardians_required"`
	ShardsRequired    int     `json:"shards_required"`
	AttemptTTL        string  `json:"attempt_ttl"`
	Assigned          bool    `json:"assigned,omitempty"`
}

// NewVariantsCommand creates the variants command.
func NewVariantsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VariantsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "variants <experiment.cue>",
		Short: "Inspect experiment variants",
		Long: `Compile an experiment definition and list its variants.

With --subject, also shows which variant the subject is assigned to.
Assignment is deterministic: the same subject always lands on the same
variant for a given experiment.

Examples:
  reclaim variants ./experiment.cue
  reclaim variants ./experiment.cue --subject subj-1`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showVariants(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Subject, "subject", "", "show the variant assigned to this subject")

	return cmd
}

func showVariants(opts *VariantsOptions, path string, cmd *cobra.Command) error {
	source, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read experiment", err)
	}
	experiment, err := trust.CompileExperiment(source)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to compile experiment", err)
	}

	assigned := ""
	if opts.Subject != "" {
		cfg, err := trust.VariantFor(opts.Subject, experiment)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to assign variant", err)
		}
		assigned = cfg.Name
	}

	views := make([]variantView, len(experiment.Variants))
	for i, wv := range experiment.Variants {
		views[i] = variantView{
			Name:              wv.Config.Name,
			Weight:            wv.Weight,
			PassThreshold:     wv.Config.PassThreshold,
			ChallengeCount:    wv.Config.ChallengeCount,
			GuardiansRequired: wv.Config.GuardiansRequired,
			ShardsRequired:    wv.Config.ShardsRequired,
			AttemptTTL:        wv.Config.AttemptTTL.String(),
			Assigned:          wv.Config.Name == assigned && assigned != "",
		}
	}

	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if opts.Format == "json" {
		return f.Success(map[string]any{
			"experiment": experiment.ID,
			"variants":   views,
		})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Experiment: %s\n", experiment.ID)
	for _, v := range views {
		marker := " "
		if v.Assigned {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %-16s weight=%d threshold=%.2f challenges=%d guardians=%d shards=%d ttl=%s\n",
			marker, v.Name, v.Weight, v.PassThreshold, v.ChallengeCount,
			v.GuardiansRequired, v.ShardsRequired, v.AttemptTTL)
	}
	if assigned != "" {
		fmt.Fprintf(out, "\nSubject %s is assigned to %q.\n", opts.Subject, assigned)
	}
	return nil
}
