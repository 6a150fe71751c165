// Package asynqadp implements domain.Queue against asynq: admission
// enqueues a wake-up task carrying only the job id, and a worker
// process's handler claims the next pending job from the Job Store.
package asynqadp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/reclip/recap-engine/internal/domain"
)

// TaskProcessJob is the asynq task type dispatched from admission.
const TaskProcessJob = "process_job"

// Queue implements domain.Queue against an asynq client.
type Queue struct{ client *asynq.Client }

// New constructs a Queue against the given Redis connection string.
func New(redisURL string) (*Queue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=queue.new: %w", err)
	}
	return &Queue{client: asynq.NewClient(opt)}, nil
}

// EnqueueProcessJob dispatches a wake-up task for a newly admitted job.
func (q *Queue) EnqueueProcessJob(ctx domain.Context, payload domain.ProcessJobPayload) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue_process_job: %w", err)
	}
	t := asynq.NewTask(TaskProcessJob, b)
	info, err := q.client.EnqueueContext(ctx, t, asynq.MaxRetry(3), asynq.Retention(24*time.Hour))
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue_process_job: %w", err)
	}
	return info.ID, nil
}

// Close releases the underlying asynq client.
func (q *Queue) Close() error { return q.client.Close() }
