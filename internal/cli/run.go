package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dunamismax/pixelstage/internal/batch"
	"github.com/dunamismax/pixelstage/internal/codec"
	"github.com/dunamismax/pixelstage/internal/logging"
	"github.com/dunamismax/pixelstage/internal/pipeline"
	"github.com/dunamismax/pixelstage/internal/plan"
)

func newRunCmd() *cobra.Command {
	var (
		tf      transformFlags
		baseDir string
	)

	cmd := &cobra.Command{
		Use:   "run [flags] PATTERN...",
		Short: "Transform every image matching the patterns",
		Long: `Transform every image matching the glob patterns and write the results
under --out. Directories are walked recursively. Outputs keep their path
relative to --base, which defaults to the fixed prefix of a single pattern.

Files that are not .jpg, .jpeg, .png, .gif or .bmp are skipped.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := loadPlan(cmd, &tf)
			if err != nil {
				return err
			}
			if baseDir == "" && len(args) == 1 {
				baseDir = batch.GlobBase(args[0])
			}
			return runBatch(cmd.Context(), raw, args, tf.outDir, baseDir)
		},
	}

	addTransformFlags(cmd, &tf)
	cmd.Flags().StringVar(&baseDir, "base", "", "directory output paths are relative to")
	return cmd
}

func runBatch(ctx context.Context, raw *plan.RawConfig, patterns []string, outDir, baseDir string) error {
	logger := logging.FromContext(ctx)

	keys, err := batch.Expand(patterns)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return errors.New("no files match the given patterns")
	}

	runner, err := newLocalRunner(ctx, raw, outDir, baseDir)
	if err != nil {
		return err
	}
	defer runner.close()

	progress := logging.NewProgress(logger)
	summary, err := runner.Run(ctx, keys)
	if err != nil {
		return err
	}
	progress.Done(fmt.Sprintf("processed %d/%d files, skipped %d, wrote %d outputs (%d bytes)",
		summary.Processed, summary.Files, summary.Skipped, summary.Outputs, summary.Bytes))
	return nil
}

// localRunner is a batch runner over a local stage plus the codec runtime it
// holds open.
type localRunner struct {
	*batch.Runner
}

func (r localRunner) close() {
	r.Close()
	codec.Shutdown()
}

func newLocalRunner(ctx context.Context, raw *plan.RawConfig, outDir, baseDir string) (localRunner, error) {
	logger := logging.FromContext(ctx)

	p, err := plan.Build(raw, plan.WithLogger(logger))
	if err != nil {
		return localRunner{}, err
	}
	if p.Output != codec.FormatNone && !codec.CanEncode(p.Output) {
		return localRunner{}, &plan.ConfigError{Field: "output", Reason: fmt.Sprintf("%s cannot be encoded by this build", p.Output)}
	}

	if err := codec.Startup(); err != nil {
		return localRunner{}, fmt.Errorf("start codec: %w", err)
	}
	c, err := codec.New()
	if err != nil {
		codec.Shutdown()
		return localRunner{}, fmt.Errorf("create codec: %w", err)
	}

	proc, err := pipeline.New(p, c)
	if err != nil {
		codec.Shutdown()
		return localRunner{}, err
	}
	stage, err := pipeline.NewLocalStage(proc, outDir, baseDir)
	if err != nil {
		codec.Shutdown()
		return localRunner{}, err
	}
	runner, err := batch.NewRunner(stage, p.MaxConcurrency, logger)
	if err != nil {
		codec.Shutdown()
		return localRunner{}, err
	}

	logger.Debugf("runner ready out=%s base=%s resize=%s", outDir, baseDir, p.ResizeMode())
	return localRunner{Runner: runner}, nil
}
