package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/pixelstage/internal/codec"
	"github.com/dunamismax/pixelstage/internal/config"
	"github.com/dunamismax/pixelstage/internal/domain"
	"github.com/dunamismax/pixelstage/internal/pipeline"
	"github.com/dunamismax/pixelstage/internal/plan"
	"github.com/dunamismax/pixelstage/internal/queue"
	"github.com/dunamismax/pixelstage/internal/storage"
	"github.com/dunamismax/pixelstage/internal/store"
	"github.com/dunamismax/pixelstage/internal/webhook"
)

// ObjectStore is the bucket the worker reads sources and watermarks from and
// writes outputs to.
type ObjectStore interface {
	pipeline.ObjectReader
	pipeline.ObjectWriter
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type Server struct {
	logger        *log.Logger
	server        *asynq.Server
	sem           chan struct{}
	objects       ObjectStore
	codec         codec.Codec
	outputPrefix  string
	verbose       bool
	webhookClient webhookSender
	jobStore      store.JobStore
	usageStore    store.UsageStore
	metrics       *metrics
	tracer        trace.Tracer
}

func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	objects ObjectStore,
	imageCodec codec.Codec,
	webhookClient *webhook.Client,
	jobStore store.JobStore,
	usageStore store.UsageStore,
) (*Server, error) {
	if objects == nil {
		return nil, errors.New("object store is required")
	}
	if imageCodec == nil {
		return nil, errors.New("codec is required")
	}
	if logger == nil {
		logger = log.Default()
	}

	if usageStore == nil {
		if jobAndUsageStore, ok := jobStore.(store.UsageStore); ok {
			usageStore = jobAndUsageStore
		}
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Errorf("task failed type=%s retry=%d/%d: %v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:          make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		objects:      objects,
		codec:        imageCodec,
		outputPrefix: workerCfg.OutputPrefix,
		verbose:      workerCfg.Verbose,
		jobStore:     jobStore,
		usageStore:   usageStore,
		metrics:      newMetrics(),
		tracer:       otel.Tracer("pixelstage/worker"),
	}
	if webhookClient != nil {
		s.webhookClient = webhookClient
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeTransformImage, s.handleTransformImage)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleTransformImage(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	status := domain.JobStatusFailed

	payload, err := queue.ParseTransformImagePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	mode := resizeModeLabel(payload.Config)
	ctx, span := s.tracer.Start(ctx, "worker.transform_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.object_key", payload.ObjectKey),
		attribute.String("job.resize_mode", mode),
		attribute.Int("job.expected_outputs", 1+len(payload.Config.MultiResize)),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(mode, status).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(mode, status).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	s.logger.Infof("Working... job_id=%s object_key=%s resize=%s", payload.JobID, payload.ObjectKey, mode)
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	result, err := s.transform(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transform failed")

		permanent := isPermanent(err)
		if permanent || finalAttempt(ctx) {
			s.finishJob(ctx, payload.JobID, domain.JobStatusFailed, nil, err.Error())
			_ = s.dispatchWebhook(ctx, payload, webhook.EventJobFailed, webhook.JobEvent{
				JobID:       payload.JobID,
				Status:      domain.JobStatusFailed,
				ObjectKey:   payload.ObjectKey,
				RequestedAt: payload.RequestedAt,
				FinishedAt:  time.Now().UTC(),
				Error:       err.Error(),
			})
		}
		if permanent {
			return fmt.Errorf("transform job_id=%s: %w: %w", payload.JobID, err, asynq.SkipRetry)
		}
		return fmt.Errorf("transform job_id=%s: %w", payload.JobID, err)
	}

	status = domain.JobStatusSucceeded
	event := webhook.EventJobCompleted
	if result.State == pipeline.StateSkipped {
		status = domain.JobStatusSkipped
		event = webhook.EventJobSkipped
	}

	s.logger.Infof("Processed job_id=%s status=%s outputs=%d", payload.JobID, status, len(result.Outputs))
	s.finishJob(ctx, payload.JobID, status, result.Outputs, "")
	s.metrics.outputsTotal.Add(float64(len(result.Outputs)))
	if status == domain.JobStatusSucceeded {
		s.recordUsage(ctx, payload.JobID, result, time.Since(startedAt))
	}

	if err := s.dispatchWebhook(ctx, payload, event, webhook.JobEvent{
		JobID:       payload.JobID,
		Status:      status,
		ObjectKey:   payload.ObjectKey,
		RequestedAt: payload.RequestedAt,
		FinishedAt:  time.Now().UTC(),
		Outputs:     result.Outputs,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		// The outputs are already stored; retrying would only repeat the
		// transform.
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	span.SetStatus(codes.Ok, status)
	return nil
}

// transform builds a plan for the job and runs one fetch, process, emit
// pass over its source object. The watermark object is only staged once the
// source is known to be an image the processor will transform.
func (s *Server) transform(ctx context.Context, payload queue.TransformImagePayload) (pipeline.Result, error) {
	raw := payload.Config
	raw.VerboseLogging = raw.VerboseLogging || s.verbose

	in, err := pipeline.ObjectStoreFetcher{Storage: s.objects}.Fetch(ctx, payload.ObjectKey)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("fetch stage: %w", err)
	}

	if raw.Watermark != nil && !in.IsNull() && pipeline.SupportedExtension(in.Path) {
		localPath, cleanup, err := s.stageWatermark(ctx, raw.Watermark.FilePath)
		if err != nil {
			return pipeline.Result{}, err
		}
		defer cleanup()

		wm := *raw.Watermark
		wm.FilePath = localPath
		raw.Watermark = &wm
	}

	p, err := plan.Build(&raw, plan.WithLogger(s.logger.With("job_id", payload.JobID)))
	if err != nil {
		return pipeline.Result{}, err
	}
	proc, err := pipeline.New(p, s.codec)
	if err != nil {
		return pipeline.Result{}, err
	}
	stage, err := pipeline.NewStage(
		fetchedInput(in),
		proc,
		pipeline.ObjectStoreEmitter{Storage: s.objects, OutputPrefix: s.outputPrefix, JobID: payload.JobID},
	)
	if err != nil {
		return pipeline.Result{}, err
	}
	return stage.Run(ctx, payload.ObjectKey)
}

// fetchedInput hands a record that was already read to the stage.
type fetchedInput pipeline.InputRecord

func (f fetchedInput) Fetch(context.Context, string) (pipeline.InputRecord, error) {
	return pipeline.InputRecord(f), nil
}

// stageWatermark copies the watermark object to a temporary file so the
// processor can read it like a local watermark.
func (s *Server) stageWatermark(ctx context.Context, objectKey string) (string, func(), error) {
	data, err := s.objects.ReadObject(ctx, objectKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return "", nil, &pipeline.WatermarkNotFoundError{Path: objectKey, Err: err}
	}
	if err != nil {
		return "", nil, fmt.Errorf("fetch watermark: %w", err)
	}

	f, err := os.CreateTemp("", "pixelstage-wm-*"+path.Ext(objectKey))
	if err != nil {
		return "", nil, fmt.Errorf("create watermark file: %w", err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }

	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write watermark file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close watermark file: %w", err)
	}
	return f.Name(), cleanup, nil
}

// isPermanent reports errors that will fail again on retry.
func isPermanent(err error) bool {
	var (
		cfgErr         *plan.ConfigError
		unsupportedErr *pipeline.UnsupportedInputError
		watermarkErr   *pipeline.WatermarkNotFoundError
	)
	switch {
	case errors.As(err, &cfgErr), errors.As(err, &unsupportedErr), errors.As(err, &watermarkErr):
		return true
	case errors.Is(err, storage.ErrObjectNotFound):
		return true
	case errors.Is(err, image.ErrFormat), errors.Is(err, codec.ErrUnsupportedFormat), errors.Is(err, codec.ErrWebPExportUnavailable):
		return true
	default:
		return false
	}
}

// finalAttempt is true on the last asynq retry, and outside asynq.
func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	return !ok || retried >= maxRetry
}

func resizeModeLabel(raw plan.RawConfig) string {
	switch {
	case len(raw.MultiResize) > 0:
		return plan.ResizeMulti.String()
	case raw.Width > 0 || raw.Height > 0:
		return plan.ResizeSingle.String()
	default:
		return plan.ResizeNone.String()
	}
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Warnf("job status update failed job_id=%s status=%s: %v", jobID, status, err)
	}
}

func (s *Server) finishJob(ctx context.Context, jobID, status string, outputs []pipeline.Output, errMsg string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.Finish(ctx, jobID, status, outputs, errMsg); err != nil {
		s.logger.Warnf("job finish failed job_id=%s status=%s: %v", jobID, status, err)
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.TransformImagePayload, event string, body webhook.JobEvent) error {
	if strings.TrimSpace(payload.WebhookURL) == "" || s.webhookClient == nil {
		return nil
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.metrics.webhookFailures.WithLabelValues(event).Inc()
		s.logger.Errorf("webhook delivery failed job_id=%s event=%s: %v", payload.JobID, event, err)
		return fmt.Errorf("dispatch webhook: %w", err)
	}
	return nil
}

func (s *Server) recordUsage(ctx context.Context, jobID string, result pipeline.Result, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	userID := "anonymous"
	if s.jobStore != nil {
		job, ok, err := s.jobStore.Get(ctx, jobID)
		if err != nil {
			s.logger.Warnf("usage lookup failed job_id=%s: %v", jobID, err)
		} else if ok && strings.TrimSpace(job.UserID) != "" {
			userID = job.UserID
		}
	}

	var (
		pixelsProcessed  int64
		totalOutputBytes int
	)
	for _, output := range result.Outputs {
		pixelsProcessed += int64(output.Width * output.Height)
		totalOutputBytes += output.Bytes
	}

	usage := domain.UsageLog{
		UserID:          userID,
		JobID:           jobID,
		Inputs:          1,
		Outputs:         len(result.Outputs),
		PixelsProcessed: pixelsProcessed,
		BytesSaved:      max(int64(result.SourceBytes-totalOutputBytes), 0),
		ComputeTimeMS:   max(computeDuration.Milliseconds(), 1),
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.usageStore.CreateUsageLog(ctx, usage); err != nil {
		s.logger.Warnf("usage log write failed job_id=%s: %v", jobID, err)
		return
	}

	s.metrics.pixelsProcessedTotal.Add(float64(usage.PixelsProcessed))
	s.metrics.bytesSavedTotal.Add(float64(usage.BytesSaved))
	s.metrics.computeTimeMSTotal.Add(float64(usage.ComputeTimeMS))
}
