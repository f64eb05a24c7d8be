package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/pixelstage/internal/codec"
	"github.com/dunamismax/pixelstage/internal/domain"
	"github.com/dunamismax/pixelstage/internal/logging"
	"github.com/dunamismax/pixelstage/internal/queue"
	"github.com/dunamismax/pixelstage/internal/ratelimit"
	"github.com/dunamismax/pixelstage/internal/store"
)

type createResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Upload struct {
		ObjectKey       string `json:"object_key"`
		PresignedPutURL string `json:"presigned_put_url"`
	} `json:"upload"`
	StartURL string `json:"start_url"`
}

func TestCreateStartAndGetJob(t *testing.T) {
	q := &fakeQueue{}
	storage := &fakeStorage{existing: map[string]bool{}}
	jobs := store.NewMemoryJobStore()
	srv := httptest.NewServer(NewServer(logging.Discard(), q, jobs, storage).Handler())
	defer srv.Close()

	resp := post(t, srv.URL+"/v1/jobs", `{"filename":"1.jpg","config":{"quality":80,"multiResize":[150,300]},"webhook_url":"https://example.com/hook"}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var created createResponse
	decodeBody(t, resp, &created)

	wantKey := "uploads/" + created.JobID + "/1.jpg"
	if created.Upload.ObjectKey != wantKey {
		t.Fatalf("expected object key %s, got %s", wantKey, created.Upload.ObjectKey)
	}
	if !strings.Contains(created.Upload.PresignedPutURL, wantKey) {
		t.Fatalf("expected presigned URL for %s, got %s", wantKey, created.Upload.PresignedPutURL)
	}

	resp = post(t, srv.URL+created.StartURL, "", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 before upload, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	storage.put(wantKey)
	resp = post(t, srv.URL+created.StartURL, "", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 after upload, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	if len(q.payloads) != 1 {
		t.Fatalf("expected one enqueued task, got %d", len(q.payloads))
	}
	payload := q.payloads[0]
	if payload.ObjectKey != wantKey || payload.Config.Quality != 80 || len(payload.Config.MultiResize) != 2 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if payload.WebhookURL != "https://example.com/hook" {
		t.Fatalf("expected webhook url in payload, got %q", payload.WebhookURL)
	}

	getResp, err := http.Get(srv.URL + "/v1/jobs/" + created.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	var job domain.Job
	decodeBody(t, getResp, &job)
	if job.Status != domain.JobStatusQueued {
		t.Fatalf("expected queued job, got %s", job.Status)
	}

	resp = post(t, srv.URL+created.StartURL, "", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for second start, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreateJobRejectsInvalidConfig(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	srv := httptest.NewServer(NewServer(logging.Discard(), &fakeQueue{}, jobs, &fakeStorage{}).Handler())
	defer srv.Close()

	tests := []struct {
		name string
		body string
	}{
		{name: "bad output", body: `{"filename":"a.png","config":{"output":"tiff"}}`},
		{name: "bad anchor", body: `{"filename":"a.png","config":{"watermark":{"filePath":"wm.png","anchor":"upside"}}}`},
		{name: "bad edge", body: `{"filename":"a.png","config":{"multiResize":[0]}}`},
		{name: "unknown field", body: `{"filename":"a.png","pipeline":[]}`},
		{name: "unsupported file", body: `{"filename":"a.txt","config":{}}`},
	}
	if !codec.CanEncode(codec.FormatWebP) {
		tests = append(tests, struct {
			name string
			body string
		}{name: "no webp encoder", body: `{"filename":"a.png","config":{"output":"webp"}}`})
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, srv.URL+"/v1/jobs", tt.body, nil)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv := httptest.NewServer(NewServer(logging.Discard(), &fakeQueue{}, store.NewMemoryJobStore(), &fakeStorage{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/jobs/missing")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestRateLimitChargesPerOutput(t *testing.T) {
	limiter := &fakeLimiter{budget: 3}
	jobs := store.NewMemoryJobStore()
	storage := &fakeStorage{existing: map[string]bool{}}
	srv := httptest.NewServer(NewServer(
		logging.Discard(), &fakeQueue{}, jobs, storage,
		WithRateLimiter(limiter, "X-Tenant"),
	).Handler())
	defer srv.Close()

	headers := map[string]string{"X-Tenant": "acme"}
	resp := post(t, srv.URL+"/v1/jobs", `{"filename":"1.jpg","config":{"multiResize":[150,300]}}`, headers)
	var created createResponse
	decodeBody(t, resp, &created)
	storage.put(created.Upload.ObjectKey)

	job, _, _ := jobs.Get(context.Background(), created.JobID)
	if job.UserID != "acme" {
		t.Fatalf("expected user acme, got %q", job.UserID)
	}

	resp = post(t, srv.URL+created.StartURL, "", headers)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if got := limiter.costs; len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("expected costs [1 3], got %v", got)
	}
	if !strings.HasPrefix(limiter.subjects[1], "acme:") {
		t.Fatalf("expected subject for acme, got %s", limiter.subjects[1])
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	srv := httptest.NewServer(NewServer(logging.Discard(), &fakeQueue{}, store.NewMemoryJobStore(), nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	resp.Body.Close()
	if !strings.Contains(buf.String(), "pixelstage_api_requests_total") {
		t.Fatal("expected api request counter in metrics output")
	}
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/v1/jobs":           "/v1/jobs",
		"/v1/jobs/abc":       "/v1/jobs/{id}",
		"/v1/jobs/abc/start": "/v1/jobs/{id}/start",
		"/healthz":           "/healthz",
		"/favicon.ico":       "other",
	}
	for path, want := range tests {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%s): expected %s, got %s", path, want, got)
		}
	}
}

func post(t *testing.T, url, body string, headers map[string]string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

type fakeQueue struct {
	mu       sync.Mutex
	payloads []queue.TransformImagePayload
}

func (q *fakeQueue) EnqueueTransformImage(_ context.Context, payload queue.TransformImagePayload) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.payloads {
		if p.JobID == payload.JobID {
			return nil, queue.ErrAlreadyEnqueued
		}
	}
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: payload.JobID, Queue: "default", State: asynq.TaskStatePending, NextProcessAt: time.Now()}, nil
}

type fakeStorage struct {
	mu       sync.Mutex
	existing map[string]bool
}

func (s *fakeStorage) PresignedPutURL(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	return "http://minio.test/bucket/" + objectKey + "?sig=x", nil
}

func (s *fakeStorage) ObjectExists(_ context.Context, objectKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existing == nil {
		return false, errors.New("storage offline")
	}
	return s.existing[objectKey], nil
}

func (s *fakeStorage) put(objectKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.existing[objectKey] = true
}

type fakeLimiter struct {
	mu       sync.Mutex
	budget   int
	costs    []int
	subjects []string
}

func (l *fakeLimiter) AllowN(_ context.Context, subject string, cost int) (ratelimit.Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.costs = append(l.costs, cost)
	l.subjects = append(l.subjects, subject)
	if cost > l.budget {
		return ratelimit.Decision{Remaining: int64(l.budget), RetryAfter: 2 * time.Second}, nil
	}
	l.budget -= cost
	return ratelimit.Decision{Allowed: true, Remaining: int64(l.budget)}, nil
}
