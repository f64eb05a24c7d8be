package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/pixelstage/internal/plan"
)

const TypeTransformImage = "image:transform"

type TransformImagePayload struct {
	JobID       string         `json:"job_id"`
	ObjectKey   string         `json:"object_key"`
	Config      plan.RawConfig `json:"config"`
	WebhookURL  string         `json:"webhook_url,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
}

func NewTransformImageTask(payload TransformImagePayload) (*asynq.Task, error) {
	if strings.TrimSpace(payload.JobID) == "" || strings.TrimSpace(payload.ObjectKey) == "" {
		return nil, errors.New("job_id and object_key are required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal transform payload: %w", err)
	}
	return asynq.NewTask(TypeTransformImage, body), nil
}

func ParseTransformImagePayload(task *asynq.Task) (TransformImagePayload, error) {
	var payload TransformImagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return TransformImagePayload{}, fmt.Errorf("unmarshal transform payload: %w", err)
	}
	if payload.JobID == "" {
		return TransformImagePayload{}, errors.New("transform payload has no job_id")
	}
	return payload, nil
}
