// Package batch drives a pipeline stage over many inputs on a bounded worker
// pool.
package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/alitto/pond/v2"
	"github.com/charmbracelet/log"

	"github.com/dunamismax/pixelstage/internal/pipeline"
)

var errNotStarted = errors.New("not started after earlier failure")

// Stage is the part of pipeline.Stage the runner needs.
type Stage interface {
	Run(ctx context.Context, key string) (pipeline.Result, error)
}

// Summary aggregates the results of one Run. Results are in input order and
// only cover files that ran.
type Summary struct {
	Files     int
	Processed int
	Skipped   int
	Outputs   int
	Bytes     int64
	Results   []pipeline.Result
}

func (s *Summary) add(res pipeline.Result) {
	s.Results = append(s.Results, res)
	if res.State == pipeline.StateSkipped {
		s.Skipped++
		return
	}
	s.Processed++
	s.Outputs += len(res.Outputs)
	for _, out := range res.Outputs {
		s.Bytes += int64(out.Bytes)
	}
}

type Runner struct {
	stage  Stage
	pool   pond.ResultPool[pipeline.Result]
	logger *log.Logger
}

// NewRunner returns a runner with concurrency workers. Close releases them.
func NewRunner(stage Stage, concurrency int, logger *log.Logger) (*Runner, error) {
	if stage == nil {
		return nil, errors.New("stage is required")
	}
	if concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be positive, got %d", concurrency)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{
		stage:  stage,
		pool:   pond.NewResultPool[pipeline.Result](concurrency),
		logger: logger,
	}, nil
}

// Run processes keys and returns once every started file has finished. After
// the first failure no further files are started and that failure is
// returned together with the summary of what completed.
func (r *Runner) Run(ctx context.Context, keys []string) (Summary, error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	tasks := make([]pond.Result[pipeline.Result], 0, len(keys))
	for _, key := range keys {
		tasks = append(tasks, r.pool.SubmitErr(func() (pipeline.Result, error) {
			if runCtx.Err() != nil {
				return pipeline.Result{}, errNotStarted
			}
			res, err := r.stage.Run(runCtx, key)
			if err != nil {
				err = fmt.Errorf("%s: %w", key, err)
				cancel(err)
				return pipeline.Result{}, err
			}
			r.logger.Debugf("done path=%s state=%s outputs=%d", key, res.State, len(res.Outputs))
			return res, nil
		}))
	}

	summary := Summary{Files: len(keys)}
	for _, task := range tasks {
		res, err := task.Wait()
		if err != nil {
			continue
		}
		summary.add(res)
	}

	if runCtx.Err() != nil {
		return summary, context.Cause(runCtx)
	}
	return summary, nil
}

func (r *Runner) Close() {
	r.pool.StopAndWait()
}
