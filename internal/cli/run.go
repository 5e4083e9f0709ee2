package cli

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/keyhaven/reclaim/internal/anchor"
	"github.com/keyhaven/reclaim/internal/engine"
	"github.com/keyhaven/reclaim/internal/guardian"
	"github.com/keyhaven/reclaim/internal/shard"
	"github.com/keyhaven/reclaim/internal/store"
	"github.com/keyhaven/reclaim/internal/trust"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database      string
	KeyFile       string
	BatchSize     int
	SweepInterval time.Duration
	FlushInterval time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <experiment.cue>",
		Short: "Start the recovery service",
		Long: `Start the recovery service with a compiled experiment.

The service compiles the experiment variants, opens the SQLite database
(creating it if needed), and runs the recovery machine alongside two
timers: the TTL sweeper that fails expired attempts, and the flush
ticker that freezes pending evidence commitments into Merkle batches
and anchors them.

Example:
  reclaim run --db ./reclaim.db ./experiment.cue
  reclaim run --db /tmp/test.db ./experiment.cue --flush-interval 30s --verbose`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.KeyFile, "key", "", "path to hex-encoded ed25519 seed for the anchoring authority (ephemeral if omitted)")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 1000, "commitments per Merkle batch")
	cmd.Flags().DurationVar(&opts.SweepInterval, "sweep-interval", time.Minute, "TTL sweep interval")
	cmd.Flags().DurationVar(&opts.FlushInterval, "flush-interval", time.Hour, "commitment batch flush interval")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runService(opts *RunOptions, experimentPath string, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))

	source, err := os.ReadFile(experimentPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read experiment", err)
	}
	experiment, err := trust.CompileExperiment(source)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to compile experiment", err)
	}
	slog.Info("experiment compiled", "id", experiment.ID, "variants", len(experiment.Variants))

	key, err := loadOrGenerateKey(opts.KeyFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load authority key", err)
	}

	slog.Info("opening database", "path", opts.Database)
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	registry := anchor.NewRegistry(key.Public().(ed25519.PublicKey))
	submitter := anchor.NewSubmitter(registry, key)
	slog.Info("anchoring authority ready", "address", submitter.Caller())

	machine := engine.New(st, guardian.NewCoordinator(), shard.NewCollector(), experiment,
		engine.WithBatchConfig(opts.BatchSize, submitter.Caller()),
		engine.WithBatchSink(func(ctx context.Context, frozen *anchor.Frozen) {
			if err := submitter.Submit(ctx, frozen); err != nil {
				slog.Error("anchor submission failed", "batch_id", frozen.Batch.ID, "error", err)
				return
			}
			if err := st.MarkBatchAnchored(ctx, frozen.Batch.ID, frozen.Batch.AnchoredAt, frozen.Batch.Submitter); err != nil {
				slog.Error("failed to record anchoring", "batch_id", frozen.Batch.ID, "error", err)
			}
		}),
	)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.Info("service starting", "db", opts.Database, "experiment", experiment.ID)
	fmt.Fprintln(cmd.OutOrStdout(), "Recovery service started.")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sweepLoop(ctx, machine, opts.SweepInterval) })
	g.Go(func() error { return flushLoop(ctx, machine, opts.FlushInterval) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		return WrapExitError(ExitFailure, "service error", err)
	}
	slog.Info("service stopped gracefully")
	return nil
}

// sweepLoop fails TTL-expired attempts on a timer.
func sweepLoop(ctx context.Context, machine *engine.Machine, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := machine.ExpireDue(ctx)
			if err != nil {
				slog.Error("ttl sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("ttl sweep expired attempts", "count", n)
			}
		}
	}
}

// flushLoop freezes pending commitments on a timer so evidence is
// anchored even when traffic never fills a batch.
func flushLoop(ctx context.Context, machine *engine.Machine, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := machine.FlushBatch(ctx); err != nil {
				slog.Error("batch flush failed", "error", err)
			}
		}
	}
}

// loadOrGenerateKey reads a hex-encoded ed25519 seed from a file, or
// generates an ephemeral key when no file is named.
func loadOrGenerateKey(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		slog.Warn("no authority key file given, using ephemeral key")
		return key, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode seed hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
