package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"voxshift/internal/tasks"
)

// AsynqJobClient enqueues preparation tasks on Redis through asynq.
var _ JobClient = (*AsynqJobClient)(nil)

type AsynqJobClient struct {
	client *asynq.Client
	queue  string
}

// NewAsynqJobClient builds the client on top of an existing Redis connection
// so the app can share and health-check a single pool.
func NewAsynqJobClient(rdb redis.UniversalClient, queue string) (*AsynqJobClient, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client cannot be nil for AsynqJobClient")
	}
	if queue == "" {
		queue = tasks.QueueConversions
	}
	return &AsynqJobClient{client: asynq.NewClientFromRedisClient(rdb), queue: queue}, nil
}

func (jc *AsynqJobClient) Close() error {
	return jc.client.Close()
}

// Enqueue enqueues a task on the configured queue unless opts override it.
func (jc *AsynqJobClient) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if jc.client == nil {
		return nil, fmt.Errorf("AsynqJobClient internal client is not initialized")
	}
	opts = append([]asynq.Option{asynq.Queue(jc.queue)}, opts...)
	info, err := jc.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"task_id": info.ID, "type": task.Type(), "queue": info.Queue}).Debug("Enqueued task")
	return info, nil
}

// EnqueuePrepareJob schedules acquisition, upload and submission for a job.
// The task id is the job id so a job is never prepared twice, and retries
// are disabled: a failed preparation marks the job Failed instead.
func (jc *AsynqJobClient) EnqueuePrepareJob(ctx context.Context, jobID uuid.UUID) error {
	payload, err := json.Marshal(tasks.PreparePayload{JobID: jobID.String()})
	if err != nil {
		return fmt.Errorf("encode prepare payload for job %s: %w", jobID, err)
	}
	task := asynq.NewTask(tasks.TypePrepareJob, payload)
	if _, err := jc.Enqueue(ctx, task, asynq.TaskID(jobID.String()), asynq.MaxRetry(0)); err != nil {
		return fmt.Errorf("enqueue prepare job %s: %w", jobID, err)
	}
	return nil
}
