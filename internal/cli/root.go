// Package cli implements the pixelstage command line: one-shot batch runs
// over glob patterns and a watch mode for drop folders.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dunamismax/pixelstage/internal/logging"
)

var (
	version = "dev"
	commit  string
	date    string
)

// SetVersion sets the values printed by --version. main passes the ldflags
// values through here.
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
}

// Execute runs the pixelstage command tree with ctx.
func Execute(ctx context.Context) error {
	return NewRootCommand(os.Stderr).ExecuteContext(ctx)
}

// NewRootCommand builds the command tree. Logs are written to logOut.
func NewRootCommand(logOut io.Writer) *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:          "pixelstage",
		Short:        "Watermark, resize and re-encode images in bulk",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ctx := logging.WithLogger(cmd.Context(), logging.New(logOut, verbose))
			cmd.SetContext(ctx)
		},
	}

	root.SetVersionTemplate(fmt.Sprintf("pixelstage %s\ncommit: %s\nbuilt: %s\n", version, commit, date))
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	root.AddCommand(newRunCmd())
	root.AddCommand(newWatchCmd())
	return root
}
