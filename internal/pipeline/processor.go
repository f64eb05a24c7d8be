// Package pipeline runs the per-file transform: watermark, resize, encode and
// multi-resize fan-out, bounded by the plan's concurrency limit. It also
// provides the fetch and emit stages that move files in and out of it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/dunamismax/pixelstage/internal/codec"
	"github.com/dunamismax/pixelstage/internal/geometry"
	"github.com/dunamismax/pixelstage/internal/output"
	"github.com/dunamismax/pixelstage/internal/plan"
	"github.com/dunamismax/pixelstage/internal/resize"
)

// Processor applies a plan to input records. It is safe for concurrent use;
// at most plan.MaxConcurrency files are transformed at once and further
// callers wait for a slot.
type Processor struct {
	plan   *plan.Plan
	codec  codec.Codec
	logger *log.Logger
	sem    chan struct{}
}

func New(p *plan.Plan, c codec.Codec) (*Processor, error) {
	if p == nil {
		return nil, &plan.ConfigError{Reason: "plan is required"}
	}
	if c == nil {
		return nil, errors.New("codec is required")
	}

	slots := p.MaxConcurrency
	if slots <= 0 {
		slots = plan.DefaultMaxConcurrency
	}
	logger := p.Logger()
	if logger == nil {
		logger = log.Default()
	}
	return &Processor{
		plan:   p,
		codec:  c,
		logger: logger,
		sem:    make(chan struct{}, slots),
	}, nil
}

// Process transforms in. Null inputs and unsupported extensions are skipped
// without error. Waiting for a slot honours ctx, but once a file is admitted
// it runs to completion regardless of cancellation.
func (p *Processor) Process(ctx context.Context, in InputRecord) (Outcome, error) {
	if in.IsNull() {
		p.logger.Debugf("skipping null input path=%s", in.Path)
		return Outcome{State: StateSkipped}, nil
	}
	if in.IsStream() {
		return Outcome{}, &UnsupportedInputError{Path: in.Path}
	}
	if !SupportedExtension(in.Path) {
		p.logger.Debugf("skipping unsupported file type path=%s", in.Path)
		return Outcome{State: StateSkipped}, nil
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
	defer func() { <-p.sem }()

	records, err := p.transform(context.WithoutCancel(ctx), in)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{State: StateEmitted, Records: records}, nil
}

func (p *Processor) transform(ctx context.Context, in InputRecord) ([]OutputRecord, error) {
	meta, err := p.codec.LoadMetadata(ctx, in.Contents)
	if err != nil {
		return nil, fmt.Errorf("load metadata %s: %w", in.Path, err)
	}
	img, err := p.codec.Decode(ctx, in.Contents)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", in.Path, err)
	}
	p.logger.Debugf("processing path=%s size=%dx%d format=%s", in.Path, meta.Width, meta.Height, meta.Format)

	if wm := p.plan.Watermark; wm != nil {
		img, err = p.applyWatermark(ctx, img, geometry.Size{Width: meta.Width, Height: meta.Height}, wm)
		if err != nil {
			return nil, err
		}
	}
	source := img

	if opts, ok := resize.PlanSingle(p.plan.Resize, p.plan.IgnoreAspectRatio); ok {
		img, err = p.codec.Resize(ctx, img, opts)
		if err != nil {
			return nil, fmt.Errorf("resize %s: %w", in.Path, err)
		}
	}

	primaryPath := output.ResolveExtension(in.Path, p.plan.Output)
	primary, err := p.encode(ctx, img, primaryPath, 0)
	if err != nil {
		return nil, err
	}

	// Variants carry the output extension of the primary record.
	variants := resize.PlanMulti(p.plan.MultiResize, primaryPath)
	records := make([]OutputRecord, 1+len(variants))
	records[0] = primary
	if len(variants) == 0 {
		return records, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, v := range variants {
		g.Go(func() error {
			resized, err := p.codec.Resize(gctx, source, v.Options)
			if err != nil {
				return fmt.Errorf("resize %s to %d: %w", in.Path, v.Edge, err)
			}
			rec, err := p.encode(gctx, resized, v.Path, v.Edge)
			if err != nil {
				return err
			}
			records[i+1] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

func (p *Processor) applyWatermark(ctx context.Context, img codec.Image, size geometry.Size, wm *plan.Watermark) (codec.Image, error) {
	data, err := readWatermark(wm.SourcePath)
	if err != nil {
		return nil, err
	}
	mark, err := p.codec.Decode(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("decode watermark %s: %w", wm.SourcePath, err)
	}

	markSize := geometry.Size{Width: mark.Width(), Height: mark.Height()}
	if scale, ok := geometry.WatermarkScale(size, markSize, wm.MaxSizePercent); ok {
		p.logger.Debugf("watermark resize axis=%s target=%d ratio=%.2f", scale.Axis, scale.Target, scale.Ratio)
		mark, err = p.codec.Resize(ctx, mark, scaleOptions(scale))
		if err != nil {
			return nil, fmt.Errorf("resize watermark: %w", err)
		}
		markSize = geometry.Size{Width: mark.Width(), Height: mark.Height()}
	}

	at := geometry.WatermarkCoordinates(size, markSize, wm.Anchor, wm.Margin)
	p.logger.Debugf("watermark composite anchor=%s x=%d y=%d", wm.Anchor, at.X, at.Y)

	out, err := p.codec.Composite(ctx, img, mark, at.X, at.Y)
	if err != nil {
		return nil, fmt.Errorf("composite watermark: %w", err)
	}
	return out, nil
}

func (p *Processor) encode(ctx context.Context, img codec.Image, path string, size int) (OutputRecord, error) {
	opts := output.ResolveEncodeParams(p.plan.Quality, p.plan.Output, p.plan.Progressive)
	opts.Filename = path
	opts.KeepMetadata = p.plan.KeepMetadata

	data, err := p.codec.Encode(ctx, img, opts)
	if err != nil {
		return OutputRecord{}, fmt.Errorf("encode %s: %w", path, err)
	}
	return OutputRecord{
		Path:     path,
		Contents: data,
		Size:     size,
		Width:    img.Width(),
		Height:   img.Height(),
	}, nil
}

// scaleOptions resizes only the chosen axis and lets the codec infer the
// other from the watermark's aspect ratio.
func scaleOptions(s geometry.Scale) codec.ResizeOptions {
	opts := codec.ResizeOptions{Mode: codec.ModeExact}
	if s.Axis == geometry.AxisWidth {
		opts.Width = s.Length
	} else {
		opts.Height = s.Length
	}
	return opts
}

func readWatermark(path string) ([]byte, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &WatermarkNotFoundError{Path: path, Err: err}
		}
		return nil, fmt.Errorf("stat watermark %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read watermark %s: %w", path, err)
	}
	return data, nil
}
