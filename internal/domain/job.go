package domain

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/dunamismax/pixelstage/internal/codec"
	"github.com/dunamismax/pixelstage/internal/logging"
	"github.com/dunamismax/pixelstage/internal/pipeline"
	"github.com/dunamismax/pixelstage/internal/plan"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusSkipped    = "skipped"
	JobStatusFailed     = "failed"
)

type CreateJobRequest struct {
	Filename   string         `json:"filename"`
	WebhookURL string         `json:"webhook_url,omitempty"`
	Config     plan.RawConfig `json:"config"`
}

type Job struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id,omitempty"`
	Status     string            `json:"status"`
	Filename   string            `json:"filename"`
	ObjectKey  string            `json:"object_key"`
	WebhookURL string            `json:"webhook_url,omitempty"`
	Config     plan.RawConfig    `json:"config"`
	Outputs    []pipeline.Output `json:"outputs,omitempty"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Terminal reports whether the job will not change status again.
func (j Job) Terminal() bool {
	switch j.Status {
	case JobStatusSucceeded, JobStatusSkipped, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Validate checks the request shape and that the transform config builds.
// Config problems come back as *plan.ConfigError. For queued jobs a
// watermark filePath names an object in the job bucket.
func (r CreateJobRequest) Validate() error {
	filename := strings.TrimSpace(r.Filename)
	if filename == "" {
		return errors.New("filename is required")
	}
	if path.Base(filename) != filename || filename == "." || filename == ".." {
		return fmt.Errorf("filename must not contain a path: %s", r.Filename)
	}
	if !pipeline.SupportedExtension(filename) {
		return fmt.Errorf("unsupported file extension: %s", path.Ext(filename))
	}
	p, err := plan.Build(&r.Config, plan.WithLogger(logging.Discard()))
	if err != nil {
		return err
	}
	if p.Output != codec.FormatNone && !codec.CanEncode(p.Output) {
		return &plan.ConfigError{Field: "output", Reason: fmt.Sprintf("%s cannot be encoded by this build", p.Output)}
	}
	return nil
}
