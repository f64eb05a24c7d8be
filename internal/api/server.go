package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/pixelstage/internal/domain"
	"github.com/dunamismax/pixelstage/internal/id"
	"github.com/dunamismax/pixelstage/internal/plan"
	"github.com/dunamismax/pixelstage/internal/queue"
	"github.com/dunamismax/pixelstage/internal/store"
)

const (
	defaultPresignTTL   = 15 * time.Minute
	defaultUserIDHeader = "X-User-ID"
	uploadPrefix        = "uploads"
)

type Server struct {
	logger       *log.Logger
	queueClient  queueEnqueuer
	jobStore     store.JobStore
	storage      objectStorage
	presignTTL   time.Duration
	rateLimiter  RateLimiter
	userIDHeader string
	metrics      *metrics
	tracer       trace.Tracer
	mux          *http.ServeMux
}

type queueEnqueuer interface {
	EnqueueTransformImage(ctx context.Context, payload queue.TransformImagePayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

type Option func(*Server)

func WithPresignTTL(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.presignTTL = d
		}
	}
}

// WithRateLimiter meters job creation and start per caller. Callers are
// identified by userIDHeader.
func WithRateLimiter(l RateLimiter, userIDHeader string) Option {
	return func(s *Server) {
		s.rateLimiter = l
		if strings.TrimSpace(userIDHeader) != "" {
			s.userIDHeader = userIDHeader
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Server) {
		s.tracer = t
	}
}

func NewServer(logger *log.Logger, queueClient queueEnqueuer, jobStore store.JobStore, storage objectStorage, opts ...Option) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if storage == nil {
		storage = unavailableObjectStorage{}
	}

	s := &Server{
		logger:       logger,
		queueClient:  queueClient,
		jobStore:     jobStore,
		storage:      storage,
		presignTTL:   defaultPresignTTL,
		userIDHeader: defaultUserIDHeader,
		metrics:      newMetrics(),
		tracer:       otel.Tracer("pixelstage/api"),
		mux:          http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) PresignedPutURL(context.Context, string, time.Duration) (string, error) {
	return "", errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) ObjectExists(context.Context, string) (bool, error) {
	return false, errors.New("object storage is unavailable")
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /v1/jobs/{id}/start", s.handleStartJob)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r, 1) {
		return
	}

	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		var cfgErr *plan.ConfigError
		if errors.As(err, &cfgErr) {
			s.metrics.configRejected.WithLabelValues(cfgErr.Field).Inc()
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	jobID := id.New()
	filename := strings.TrimSpace(req.Filename)
	objectKey := path.Join(uploadPrefix, jobID, filename)

	uploadURL, err := s.storage.PresignedPutURL(r.Context(), objectKey, s.presignTTL)
	if err != nil {
		s.logger.Errorf("presign upload failed job_id=%s: %v", jobID, err)
		writeError(w, http.StatusInternalServerError, "failed to generate upload URL")
		return
	}

	job := domain.Job{
		ID:         jobID,
		UserID:     s.subject(r),
		Status:     domain.JobStatusCreated,
		Filename:   filename,
		ObjectKey:  objectKey,
		WebhookURL: strings.TrimSpace(req.WebhookURL),
		Config:     req.Config,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Errorf("create job failed job_id=%s: %v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	s.logger.Infof("job created job_id=%s filename=%s outputs=%d", job.ID, job.Filename, expectedOutputs(job))

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
		"upload": map[string]any{
			"object_key":        job.ObjectKey,
			"presigned_put_url": uploadURL,
			"expires_at":        now.Add(s.presignTTL),
		},
		"start_url":  fmt.Sprintf("/v1/jobs/%s/start", job.ID),
		"status_url": fmt.Sprintf("/v1/jobs/%s", job.ID),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != domain.JobStatusCreated {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is already %s", job.Status))
		return
	}
	if err := s.verifySourceExists(r.Context(), job); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if !s.admit(w, r, expectedOutputs(job)) {
		return
	}

	payload := queue.TransformImagePayload{
		JobID:       job.ID,
		ObjectKey:   job.ObjectKey,
		Config:      job.Config,
		WebhookURL:  job.WebhookURL,
		RequestedAt: time.Now().UTC(),
	}

	taskInfo, err := s.queueClient.EnqueueTransformImage(r.Context(), payload)
	if errors.Is(err, queue.ErrAlreadyEnqueued) {
		writeError(w, http.StatusConflict, "job is already queued")
		return
	}
	if err != nil {
		s.logger.Errorf("enqueue failed job_id=%s: %v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Warnf("update status failed job_id=%s: %v", job.ID, err)
	}
	s.logger.Infof("job queued job_id=%s task_id=%s queue=%s", job.ID, taskInfo.ID, taskInfo.Queue)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return domain.Job{}, false
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Errorf("fetch job failed job_id=%s: %v", jobID, err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return domain.Job{}, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return domain.Job{}, false
	}
	return job, true
}

func (s *Server) verifySourceExists(ctx context.Context, job domain.Job) error {
	exists, err := s.storage.ObjectExists(ctx, job.ObjectKey)
	if err != nil {
		return fmt.Errorf("source object check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("source object is missing: %s", job.ObjectKey)
	}
	return nil
}

// expectedOutputs is the number of records the job emits on success.
func expectedOutputs(job domain.Job) int {
	return 1 + len(job.Config.MultiResize)
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
