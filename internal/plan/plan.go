// Package plan normalizes raw transform configuration into an immutable Plan
// shared by every file processed in a run.
package plan

import (
	"strings"

	"github.com/charmbracelet/log"

	"github.com/dunamismax/pixelstage/internal/codec"
	"github.com/dunamismax/pixelstage/internal/geometry"
	"github.com/dunamismax/pixelstage/internal/output"
	"github.com/dunamismax/pixelstage/internal/resize"
)

const DefaultMaxConcurrency = 8

// RawConfig is the user-facing configuration. Zero values mean the option
// was omitted.
type RawConfig struct {
	Quality           int           `json:"quality,omitempty" mapstructure:"quality"`
	Progressive       bool          `json:"progressive,omitempty" mapstructure:"progressive"`
	Output            string        `json:"output,omitempty" mapstructure:"output"`
	Width             int           `json:"width,omitempty" mapstructure:"width"`
	Height            int           `json:"height,omitempty" mapstructure:"height"`
	IgnoreAspectRatio bool          `json:"ignoreAspectRatio,omitempty" mapstructure:"ignoreAspectRatio"`
	KeepMetadata      bool          `json:"keepMetadata,omitempty" mapstructure:"keepMetadata"`
	MultiResize       []int         `json:"multiResize,omitempty" mapstructure:"multiResize"`
	Watermark         *RawWatermark `json:"watermark,omitempty" mapstructure:"watermark"`
	VerboseLogging    bool          `json:"verboseLogging,omitempty" mapstructure:"verboseLogging"`
	MaxConcurrency    int           `json:"maxConcurrency,omitempty" mapstructure:"maxConcurrency"`
}

type RawWatermark struct {
	FilePath       string `json:"filePath" mapstructure:"filePath"`
	Anchor         string `json:"anchor,omitempty" mapstructure:"anchor"`
	Margin         int    `json:"margin,omitempty" mapstructure:"margin"`
	MaxSizePercent int    `json:"maxSizePercent,omitempty" mapstructure:"maxSizePercent"`
}

// Plan is the normalized configuration. It must not be modified after Build.
type Plan struct {
	Quality           int
	Output            codec.Format
	Progressive       bool
	KeepMetadata      bool
	Resize            resize.Dimensions
	IgnoreAspectRatio bool
	MultiResize       []int
	Watermark         *Watermark
	Verbose           bool
	MaxConcurrency    int

	logger *log.Logger
}

// Watermark is the normalized watermark configuration. SourcePath is only
// checked when the first image is processed.
type Watermark struct {
	SourcePath     string
	Anchor         geometry.Anchor
	Margin         int
	MaxSizePercent int
}

type ResizeMode int

const (
	ResizeNone ResizeMode = iota
	ResizeSingle
	ResizeMulti
)

func (m ResizeMode) String() string {
	switch m {
	case ResizeSingle:
		return "single"
	case ResizeMulti:
		return "multi"
	default:
		return "none"
	}
}

// ResizeMode reports which resize policy is active. Build guarantees single
// and multi resize are never both set.
func (p *Plan) ResizeMode() ResizeMode {
	switch {
	case len(p.MultiResize) > 0:
		return ResizeMulti
	case !p.Resize.IsZero():
		return ResizeSingle
	default:
		return ResizeNone
	}
}

// Logger returns the logger injected at build time.
func (p *Plan) Logger() *log.Logger {
	return p.logger
}

type Option func(*buildOptions)

type buildOptions struct {
	logger *log.Logger
}

// WithLogger sets the logger used by the plan and the processors built from
// it. Without it log.Default() is used.
func WithLogger(l *log.Logger) Option {
	return func(o *buildOptions) {
		o.logger = l
	}
}

// Build validates raw and applies defaults for every omitted option.
func Build(raw *RawConfig, opts ...Option) (*Plan, error) {
	o := buildOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.Default()
	}

	if raw == nil {
		return nil, &ConfigError{Reason: "configuration is required"}
	}

	format, err := output.ParseFormat(raw.Output)
	if err != nil {
		return nil, &ConfigError{Field: "output", Reason: "must be one of jpeg, png, webp", Err: err}
	}

	logger := o.logger
	if raw.VerboseLogging {
		logger = logger.With()
		logger.SetLevel(log.DebugLevel)
	}

	p := &Plan{
		Quality:           output.DefaultQuality,
		Output:            format,
		Progressive:       raw.Progressive,
		KeepMetadata:      raw.KeepMetadata,
		Resize:            resize.Dimensions{Width: max(raw.Width, 0), Height: max(raw.Height, 0)},
		IgnoreAspectRatio: raw.IgnoreAspectRatio,
		Verbose:           raw.VerboseLogging,
		MaxConcurrency:    DefaultMaxConcurrency,
		logger:            logger,
	}
	if raw.Quality != 0 {
		p.Quality = output.ClampQuality(raw.Quality)
	}
	if raw.MaxConcurrency > 0 {
		p.MaxConcurrency = raw.MaxConcurrency
	}

	p.MultiResize, err = normalizeEdges(raw.MultiResize)
	if err != nil {
		return nil, err
	}
	if len(p.MultiResize) > 0 && !p.Resize.IsZero() {
		logger.Warnf("multiResize overrides width/height width=%d height=%d", p.Resize.Width, p.Resize.Height)
		p.Resize = resize.Dimensions{}
	}

	if raw.Watermark != nil {
		p.Watermark, err = buildWatermark(raw.Watermark)
		if err != nil {
			return nil, err
		}
	}

	logger.Debugf("plan built quality=%d output=%q resize=%s watermark=%t concurrency=%d",
		p.Quality, p.Output, p.ResizeMode(), p.Watermark != nil, p.MaxConcurrency)
	return p, nil
}

func normalizeEdges(edges []int) ([]int, error) {
	if len(edges) == 0 {
		return nil, nil
	}
	out := make([]int, 0, len(edges))
	for _, edge := range edges {
		if edge <= 0 {
			return nil, &ConfigError{Field: "multiResize", Reason: "edge lengths must be positive"}
		}
		out = append(out, edge)
	}
	return out, nil
}

func buildWatermark(raw *RawWatermark) (*Watermark, error) {
	path := strings.TrimSpace(raw.FilePath)
	if path == "" {
		return nil, &ConfigError{Field: "watermark.filePath", Reason: "is required"}
	}

	anchor := geometry.AnchorCenter
	if strings.TrimSpace(raw.Anchor) != "" {
		a, err := geometry.ParseAnchor(raw.Anchor)
		if err != nil {
			return nil, &ConfigError{Field: "watermark.anchor", Reason: "unknown anchor", Err: err}
		}
		anchor = a
	}

	percent := raw.MaxSizePercent
	switch {
	case percent == 0 || percent < geometry.NoMaxSize:
		percent = geometry.NoMaxSize
	case percent > 100:
		percent = 100
	}

	return &Watermark{
		SourcePath:     path,
		Anchor:         anchor,
		Margin:         max(raw.Margin, 0),
		MaxSizePercent: percent,
	}, nil
}
