package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"

	"github.com/dunamismax/pixelstage/internal/codec"
	"github.com/dunamismax/pixelstage/internal/domain"
	"github.com/dunamismax/pixelstage/internal/logging"
	"github.com/dunamismax/pixelstage/internal/pipeline"
	"github.com/dunamismax/pixelstage/internal/plan"
	"github.com/dunamismax/pixelstage/internal/queue"
	"github.com/dunamismax/pixelstage/internal/storage"
	"github.com/dunamismax/pixelstage/internal/store"
	"github.com/dunamismax/pixelstage/internal/webhook"
)

func TestHandleTransformImageMultiResize(t *testing.T) {
	objects := newMemObjects()
	objects.put("uploads/job-1/1.jpg", buildJPEG(t, 400, 200))

	s, jobs, hooks := newTestServer(t, objects)
	seedJob(t, jobs, "job-1", "user-1")

	task := newTask(t, queue.TransformImagePayload{
		JobID:      "job-1",
		ObjectKey:  "uploads/job-1/1.jpg",
		Config:     plan.RawConfig{MultiResize: []int{150, 300}},
		WebhookURL: "https://example.com/hook",
	})
	if err := s.handleTransformImage(context.Background(), task); err != nil {
		t.Fatalf("handle task: %v", err)
	}

	want := []string{"outputs/job-1/1.jpg", "outputs/job-1/1-150.jpg", "outputs/job-1/1-300.jpg"}
	job, _, _ := jobs.Get(context.Background(), "job-1")
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", job.Status, job.Error)
	}
	var got []string
	for _, out := range job.Outputs {
		got = append(got, out.Path)
		if !objects.has(out.Path) {
			t.Fatalf("expected object %s to be written", out.Path)
		}
	}
	if !slices.Equal(got, want) {
		t.Fatalf("expected outputs %v, got %v", want, got)
	}
	if job.Outputs[1].Width != 150 || job.Outputs[1].Height != 75 {
		t.Fatalf("expected 150x75 variant, got %dx%d", job.Outputs[1].Width, job.Outputs[1].Height)
	}

	if len(hooks.events) != 1 || hooks.events[0] != webhook.EventJobCompleted {
		t.Fatalf("expected one completed event, got %v", hooks.events)
	}
	if usage, ok := s.usageStore.(*store.MemoryJobStore); ok {
		logs := usage.UsageLogs()
		if len(logs) != 1 || logs[0].UserID != "user-1" || logs[0].Outputs != 3 {
			t.Fatalf("unexpected usage logs %+v", logs)
		}
	}
}

func TestHandleTransformImageWatermarkFromBucket(t *testing.T) {
	objects := newMemObjects()
	objects.put("uploads/job-2/photo.png", buildPNG(t, 200, 100, color.RGBA{0, 0, 255, 255}))
	objects.put("brand/wm.png", buildPNG(t, 40, 20, color.RGBA{255, 0, 0, 255}))

	s, jobs, _ := newTestServer(t, objects)
	seedJob(t, jobs, "job-2", "")

	task := newTask(t, queue.TransformImagePayload{
		JobID:     "job-2",
		ObjectKey: "uploads/job-2/photo.png",
		Config: plan.RawConfig{
			Watermark: &plan.RawWatermark{FilePath: "brand/wm.png", Anchor: "northwest"},
		},
	})
	if err := s.handleTransformImage(context.Background(), task); err != nil {
		t.Fatalf("handle task: %v", err)
	}

	out, err := objects.ReadObject(context.Background(), "outputs/job-2/photo.png")
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if r, g, b, _ := img.At(5, 5).RGBA(); r>>8 != 255 || g>>8 != 0 || b>>8 != 0 {
		t.Fatalf("expected watermark pixel at top-left, got %d,%d,%d", r>>8, g>>8, b>>8)
	}
	if r, _, b, _ := img.At(150, 80).RGBA(); r>>8 != 0 || b>>8 != 255 {
		t.Fatalf("expected source pixel away from watermark, got r=%d b=%d", r>>8, b>>8)
	}
}

func TestHandleTransformImagePermanentFailures(t *testing.T) {
	tests := []struct {
		name    string
		payload queue.TransformImagePayload
		check   func(t *testing.T, err error)
	}{
		{
			name:    "missing source",
			payload: queue.TransformImagePayload{JobID: "job-3", ObjectKey: "uploads/job-3/missing.png"},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, storage.ErrObjectNotFound) {
					t.Fatalf("expected ErrObjectNotFound, got %v", err)
				}
			},
		},
		{
			name: "missing watermark",
			payload: queue.TransformImagePayload{
				JobID:     "job-3",
				ObjectKey: "uploads/job-3/photo.png",
				Config:    plan.RawConfig{Watermark: &plan.RawWatermark{FilePath: "brand/missing.png"}},
			},
			check: func(t *testing.T, err error) {
				var wmErr *pipeline.WatermarkNotFoundError
				if !errors.As(err, &wmErr) {
					t.Fatalf("expected WatermarkNotFoundError, got %v", err)
				}
			},
		},
		{
			name: "invalid config",
			payload: queue.TransformImagePayload{
				JobID:     "job-3",
				ObjectKey: "uploads/job-3/photo.png",
				Config:    plan.RawConfig{Output: "tiff"},
			},
			check: func(t *testing.T, err error) {
				var cfgErr *plan.ConfigError
				if !errors.As(err, &cfgErr) {
					t.Fatalf("expected ConfigError, got %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			objects := newMemObjects()
			objects.put("uploads/job-3/photo.png", buildPNG(t, 20, 20, color.RGBA{0, 255, 0, 255}))
			s, jobs, hooks := newTestServer(t, objects)
			seedJob(t, jobs, "job-3", "")

			tt.payload.WebhookURL = "https://example.com/hook"
			err := s.handleTransformImage(context.Background(), newTask(t, tt.payload))
			if !errors.Is(err, asynq.SkipRetry) {
				t.Fatalf("expected SkipRetry, got %v", err)
			}
			tt.check(t, err)

			job, _, _ := jobs.Get(context.Background(), "job-3")
			if job.Status != domain.JobStatusFailed || job.Error == "" {
				t.Fatalf("expected failed job with error, got %s %q", job.Status, job.Error)
			}
			if len(hooks.events) != 1 || hooks.events[0] != webhook.EventJobFailed {
				t.Fatalf("expected one failed event, got %v", hooks.events)
			}
		})
	}
}

func TestHandleTransformImageSkipsUnsupportedInput(t *testing.T) {
	tests := []struct {
		name      string
		watermark *plan.RawWatermark
	}{
		{name: "no watermark"},
		{name: "missing watermark is not fetched", watermark: &plan.RawWatermark{FilePath: "watermarks/missing.png"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			objects := newMemObjects()
			objects.put("uploads/job-4/notes.txt", []byte("not an image"))
			s, jobs, hooks := newTestServer(t, objects)
			seedJob(t, jobs, "job-4", "")

			task := newTask(t, queue.TransformImagePayload{
				JobID:      "job-4",
				ObjectKey:  "uploads/job-4/notes.txt",
				Config:     plan.RawConfig{Watermark: tt.watermark},
				WebhookURL: "https://example.com/hook",
			})
			if err := s.handleTransformImage(context.Background(), task); err != nil {
				t.Fatalf("handle task: %v", err)
			}

			job, _, _ := jobs.Get(context.Background(), "job-4")
			if job.Status != domain.JobStatusSkipped || len(job.Outputs) != 0 || job.Error != "" {
				t.Fatalf("expected skipped job without outputs, got %s %v %q", job.Status, job.Outputs, job.Error)
			}
			if len(hooks.events) != 1 || hooks.events[0] != webhook.EventJobSkipped {
				t.Fatalf("expected one skipped event, got %v", hooks.events)
			}
		})
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{err: fmt.Errorf("wrap: %w", &plan.ConfigError{Field: "output"}), want: true},
		{err: fmt.Errorf("wrap: %w", &pipeline.UnsupportedInputError{Path: "a"}), want: true},
		{err: fmt.Errorf("decode: %w", image.ErrFormat), want: true},
		{err: fmt.Errorf("read: %w", storage.ErrObjectNotFound), want: true},
		{err: errors.New("connection reset"), want: false},
		{err: context.DeadlineExceeded, want: false},
	}
	for _, tt := range tests {
		if got := isPermanent(tt.err); got != tt.want {
			t.Fatalf("isPermanent(%v): expected %v, got %v", tt.err, tt.want, got)
		}
	}
}

func TestRecordUsageWritesUsageLog(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	seedJob(t, jobStore, "job-1", "user-1")

	usageStore := &captureUsageStore{}
	s := &Server{
		logger:     logging.Discard(),
		jobStore:   jobStore,
		usageStore: usageStore,
		metrics:    newMetrics(),
	}

	s.recordUsage(context.Background(), "job-1", pipeline.Result{
		SourceBytes: 1_000,
		Outputs: []pipeline.Output{
			{Width: 10, Height: 10, Bytes: 300},
			{Width: 20, Height: 20, Bytes: 400},
		},
	}, 250*time.Millisecond)

	if !usageStore.called {
		t.Fatal("expected usage log to be written")
	}
	if usageStore.log.UserID != "user-1" {
		t.Fatalf("expected user_id=user-1, got %s", usageStore.log.UserID)
	}
	if usageStore.log.PixelsProcessed != 500 {
		t.Fatalf("expected pixels_processed=500, got %d", usageStore.log.PixelsProcessed)
	}
	if usageStore.log.BytesSaved != 300 {
		t.Fatalf("expected bytes_saved=300, got %d", usageStore.log.BytesSaved)
	}
	if usageStore.log.ComputeTimeMS != 250 {
		t.Fatalf("expected compute_time_ms=250, got %d", usageStore.log.ComputeTimeMS)
	}
	if usageStore.log.Outputs != 2 {
		t.Fatalf("expected outputs=2, got %d", usageStore.log.Outputs)
	}
}

func TestRecordUsageClampsNegativeBytesSaved(t *testing.T) {
	usageStore := &captureUsageStore{}
	s := &Server{
		logger:     logging.Discard(),
		usageStore: usageStore,
		metrics:    newMetrics(),
	}

	s.recordUsage(context.Background(), "job-2", pipeline.Result{
		SourceBytes: 100,
		Outputs: []pipeline.Output{
			{Width: 5, Height: 5, Bytes: 200},
		},
	}, 0)

	if usageStore.log.UserID != "anonymous" {
		t.Fatalf("expected anonymous user, got %s", usageStore.log.UserID)
	}
	if usageStore.log.BytesSaved != 0 {
		t.Fatalf("expected bytes_saved=0, got %d", usageStore.log.BytesSaved)
	}
	if usageStore.log.ComputeTimeMS < 1 {
		t.Fatalf("expected compute_time_ms to be at least 1, got %d", usageStore.log.ComputeTimeMS)
	}
}

func newTestServer(t *testing.T, objects *memObjects) (*Server, *store.MemoryJobStore, *captureWebhook) {
	t.Helper()

	jobs := store.NewMemoryJobStore()
	hooks := &captureWebhook{}
	return &Server{
		logger:        logging.Discard(),
		sem:           make(chan struct{}, 1),
		objects:       objects,
		codec:         codec.Imaging{},
		outputPrefix:  "outputs",
		webhookClient: hooks,
		jobStore:      jobs,
		usageStore:    jobs,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("test"),
	}, jobs, hooks
}

func seedJob(t *testing.T, jobs *store.MemoryJobStore, id, userID string) {
	t.Helper()

	now := time.Now().UTC()
	if err := jobs.Create(context.Background(), domain.Job{
		ID:        id,
		UserID:    userID,
		Status:    domain.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func newTask(t *testing.T, payload queue.TransformImagePayload) *asynq.Task {
	t.Helper()

	payload.RequestedAt = time.Now().UTC()
	task, err := queue.NewTransformImageTask(payload)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	return task
}

func buildPNG(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func buildJPEG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte)}
}

func (m *memObjects) put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
}

func (m *memObjects) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

func (m *memObjects) ReadObject(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("read object %s: %w", key, storage.ErrObjectNotFound)
	}
	return slices.Clone(data), nil
}

func (m *memObjects) WriteObject(_ context.Context, key string, data []byte, _ string) error {
	m.put(key, slices.Clone(data))
	return nil
}

type captureWebhook struct {
	mu     sync.Mutex
	events []string
}

func (c *captureWebhook) Send(_ context.Context, _, event string, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

type captureUsageStore struct {
	called bool
	log    domain.UsageLog
}

func (s *captureUsageStore) CreateUsageLog(_ context.Context, usage domain.UsageLog) error {
	s.called = true
	s.log = usage
	return nil
}
