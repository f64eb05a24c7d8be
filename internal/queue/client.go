package queue

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
)

// ErrAlreadyEnqueued is returned when a job has already been handed to the
// queue.
var ErrAlreadyEnqueued = errors.New("job already enqueued")

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

// EnqueueTransformImage enqueues one transform task per job. The job ID is
// used as the task ID so a second start is rejected.
func (c *Client) EnqueueTransformImage(ctx context.Context, payload TransformImagePayload) (*asynq.TaskInfo, error) {
	task, err := NewTransformImageTask(payload)
	if err != nil {
		return nil, err
	}
	info, err := c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(5),
		asynq.Timeout(3*time.Minute),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil, ErrAlreadyEnqueued
	}
	return info, err
}

func (c *Client) Close() error {
	return c.client.Close()
}
