package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dunamismax/pixelstage/internal/config"
	"github.com/dunamismax/pixelstage/internal/plan"
)

// planFlags maps transform flags to their configuration keys.
var planFlags = map[string]string{
	"quality":             "quality",
	"format":              "output",
	"progressive":         "progressive",
	"width":               "width",
	"height":              "height",
	"ignore-aspect-ratio": "ignoreAspectRatio",
	"keep-metadata":       "keepMetadata",
	"multi-resize":        "multiResize",
	"watermark":           "watermark.filePath",
	"watermark-anchor":    "watermark.anchor",
	"watermark-margin":    "watermark.margin",
	"watermark-max-size":  "watermark.maxSizePercent",
	"concurrency":         "maxConcurrency",
}

type transformFlags struct {
	configPath string
	outDir     string
}

func addTransformFlags(cmd *cobra.Command, tf *transformFlags) {
	f := cmd.Flags()
	f.StringVarP(&tf.configPath, "config", "c", "", "transform config file (yaml, json or toml)")
	f.StringVarP(&tf.outDir, "out", "o", "", "output directory")
	_ = cmd.MarkFlagRequired("out")

	f.Int("quality", 0, "output quality 1-100 (default 100)")
	f.StringP("format", "f", "", "output format: jpeg, png or webp (default keeps the input format)")
	f.Bool("progressive", false, "write progressive JPEGs")
	f.Int("width", 0, "resize to fit this width")
	f.Int("height", 0, "resize to fit this height")
	f.Bool("ignore-aspect-ratio", false, "resize to exactly width x height")
	f.Bool("keep-metadata", false, "carry image metadata over")
	f.IntSlice("multi-resize", nil, "also write a variant per edge length, e.g. 150,300")
	f.String("watermark", "", "watermark image file")
	f.String("watermark-anchor", "", "watermark position, e.g. southeast (default center)")
	f.Int("watermark-margin", 0, "watermark distance from the edges in pixels")
	f.Int("watermark-max-size", 0, "max watermark size as a percent of the image edge")
	f.Int("concurrency", 0, "files processed at once (default 8)")
}

// loadPlan reads the config file and environment, then applies the flags the
// user set on top.
func loadPlan(cmd *cobra.Command, tf *transformFlags) (*plan.RawConfig, error) {
	loader, err := config.NewPlanLoader()
	if err != nil {
		return nil, err
	}

	for name, key := range planFlags {
		flag := cmd.Flags().Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := loader.Viper().BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	return loader.Load(tf.configPath)
}
