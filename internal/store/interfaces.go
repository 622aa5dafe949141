package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"voxshift/internal/models"
)

// --- Job Client ---

// JobClient hands long-running job preparation to the background worker.
type JobClient interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	EnqueuePrepareJob(ctx context.Context, jobID uuid.UUID) error
	Close() error
}

// --- Job Store ---

// JobStore is the job repository. Implementations must be safe for
// concurrent use by several processes sharing the same database; the only
// concurrency guard the services rely on is UpdateJobIf.
type JobStore interface {
	// CreateJob inserts a new job. ID must already be assigned.
	CreateJob(ctx context.Context, job *models.Job) error

	// GetJob returns ErrNotFound for unknown ids.
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)

	// ListJobsByRequester returns the requester's jobs in insertion order.
	ListJobsByRequester(ctx context.Context, requesterID string) ([]*models.Job, error)

	// UpdateJobIf applies the mutation only while the stored status equals
	// expected. It returns ErrStatusMismatch when the job exists in another
	// status and ErrNotFound when it does not exist.
	UpdateJobIf(ctx context.Context, id uuid.UUID, expected models.JobStatus, m models.JobMutation) (*models.Job, error)

	// SetCancelHandle records the inference cancel handle. It never touches
	// the status and succeeds whether or not the job is already terminal.
	SetCancelHandle(ctx context.Context, id uuid.UUID, handle string) error

	// DeleteJob removes the job and returns the deleted record.
	DeleteJob(ctx context.Context, id uuid.UUID) (*models.Job, error)

	Ping(ctx context.Context) error
	Close()
}
