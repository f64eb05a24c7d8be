package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Fetcher interface {
	Fetch(ctx context.Context, key string) (InputRecord, error)
}

type Emitter interface {
	Emit(ctx context.Context, rec OutputRecord) (Output, error)
}

// Output describes one written record.
type Output struct {
	Path   string `json:"path"`
	Size   int    `json:"size,omitempty"`
	Bytes  int    `json:"bytes"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type Result struct {
	Input       string
	State       State
	SourceBytes int
	Outputs     []Output
}

// Stage wires fetch, process and emit for a single input key.
type Stage struct {
	fetcher   Fetcher
	processor *Processor
	emitter   Emitter
}

func NewStage(fetcher Fetcher, processor *Processor, emitter Emitter) (*Stage, error) {
	if fetcher == nil || processor == nil || emitter == nil {
		return nil, errors.New("fetcher, processor and emitter are required")
	}
	return &Stage{fetcher: fetcher, processor: processor, emitter: emitter}, nil
}

// NewLocalStage reads files from disk and writes outputs under outputDir,
// keeping their path relative to baseDir.
func NewLocalStage(processor *Processor, outputDir, baseDir string) (*Stage, error) {
	return NewStage(LocalFileFetcher{}, processor, LocalFileEmitter{OutputDir: outputDir, BaseDir: baseDir})
}

func (s *Stage) Run(ctx context.Context, key string) (Result, error) {
	if strings.TrimSpace(key) == "" {
		return Result{}, errors.New("input key is required")
	}

	in, err := s.fetcher.Fetch(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stage: %w", err)
	}

	outcome, err := s.processor.Process(ctx, in)
	if err != nil {
		return Result{}, fmt.Errorf("transform stage: %w", err)
	}

	res := Result{Input: key, State: outcome.State, SourceBytes: len(in.Contents)}
	if outcome.State == StateSkipped {
		return res, nil
	}

	res.Outputs = make([]Output, 0, len(outcome.Records))
	for _, rec := range outcome.Records {
		written, err := s.emitter.Emit(ctx, rec)
		if err != nil {
			return Result{}, fmt.Errorf("emit stage path=%s: %w", rec.Path, err)
		}
		res.Outputs = append(res.Outputs, written)
	}
	return res, nil
}

// LocalFileFetcher reads key from disk. Directories come back as null
// records.
type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, key string) (InputRecord, error) {
	select {
	case <-ctx.Done():
		return InputRecord{}, ctx.Err()
	default:
	}

	info, err := os.Stat(key)
	if err != nil {
		return InputRecord{}, fmt.Errorf("stat input file %s: %w", key, err)
	}
	if info.IsDir() {
		return InputRecord{Path: key}, nil
	}

	data, err := os.ReadFile(key)
	if err != nil {
		return InputRecord{}, fmt.Errorf("read input file %s: %w", key, err)
	}
	return InputRecord{Path: key, Contents: data}, nil
}

// LocalFileEmitter writes records under OutputDir. Paths inside BaseDir keep
// their relative layout; anything else is written by base name.
type LocalFileEmitter struct {
	OutputDir string
	BaseDir   string
}

func (e LocalFileEmitter) Emit(_ context.Context, rec OutputRecord) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}

	fullPath := filepath.Join(e.OutputDir, e.relative(rec.Path))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(fullPath, rec.Contents, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}

	return Output{
		Path:   fullPath,
		Size:   rec.Size,
		Bytes:  len(rec.Contents),
		Width:  rec.Width,
		Height: rec.Height,
	}, nil
}

func (e LocalFileEmitter) relative(path string) string {
	if e.BaseDir != "" {
		rel, err := filepath.Rel(e.BaseDir, path)
		if err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	return filepath.Base(path)
}
