package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dunamismax/pixelstage/internal/batch"
	"github.com/dunamismax/pixelstage/internal/logging"
	"github.com/dunamismax/pixelstage/internal/plan"
	"github.com/dunamismax/pixelstage/internal/watch"
)

func newWatchCmd() *cobra.Command {
	var (
		tf       transformFlags
		existing bool
	)

	cmd := &cobra.Command{
		Use:   "watch [flags] DIR",
		Short: "Transform images as they appear in a directory",
		Long: `Watch DIR recursively and transform every image that is created or
modified, once it has been quiet for a short moment. Outputs keep their path
relative to DIR. Stop with Ctrl-C.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := loadPlan(cmd, &tf)
			if err != nil {
				return err
			}
			return runWatch(cmd.Context(), raw, args[0], tf.outDir, existing)
		},
	}

	addTransformFlags(cmd, &tf)
	cmd.Flags().BoolVar(&existing, "existing", false, "process files already in DIR before watching")
	return cmd
}

func runWatch(ctx context.Context, raw *plan.RawConfig, dir, outDir string, existing bool) error {
	logger := logging.FromContext(ctx)

	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("watch dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch dir %s is not a directory", dir)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	runner, err := newLocalRunner(ctx, raw, outDir, dir)
	if err != nil {
		return err
	}
	defer runner.close()

	if existing {
		keys, err := batch.Expand([]string{dir})
		if err != nil {
			return err
		}
		keys = excludeDir(keys, outDir)
		summary, err := runner.Run(ctx, keys)
		if err != nil {
			logger.Errorf("initial run: %v", err)
		} else {
			logger.Infof("initial run processed=%d skipped=%d outputs=%d", summary.Processed, summary.Skipped, summary.Outputs)
		}
	}

	w, err := watch.New(dir, func(ctx context.Context, path string) error {
		summary, err := runner.Run(ctx, []string{path})
		if err != nil {
			return err
		}
		if summary.Processed > 0 {
			logger.Infof("processed path=%s outputs=%d", path, summary.Outputs)
		}
		return nil
	}, watch.WithIgnore(outDir), watch.WithLogger(logger))
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// excludeDir drops paths under dir, so outputs written inside the watched
// tree are not fed back in.
func excludeDir(paths []string, dir string) []string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return paths
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if pa, err := filepath.Abs(p); err == nil {
			if rel, err := filepath.Rel(abs, pa); err == nil && !strings.HasPrefix(rel, "..") {
				continue
			}
		}
		out = append(out, p)
	}
	return out
}
