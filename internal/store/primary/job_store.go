package primary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	log "github.com/sirupsen/logrus"

	"voxshift/internal/models"
	"voxshift/internal/store"
)

// --- Job Store Implementation ---

// CreateJob inserts a job record. The caller assigns the id.
func (s *StoreImpl) CreateJob(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO conversion_jobs (id, status, source_url, source_id, source_title, source_duration,
			requester_id, device_token, model_name, params, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING seq`

	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	err := s.db.QueryRow(ctx, query,
		job.ID,
		job.Status,
		job.SourceURL,
		job.SourceID,
		job.SourceTitle,
		job.SourceDuration,
		job.RequesterID,
		job.DeviceToken,
		job.ModelName,
		job.Params,
		job.CreatedAt,
		job.UpdatedAt,
	).Scan(&job.Seq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("job %s: %w", job.ID, store.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob retrieves a job by id.
func (s *StoreImpl) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM conversion_jobs WHERE id = $1`
	job := &models.Job{}
	if err := scanJob(s.db.QueryRow(ctx, query, id), job); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// ListJobsByRequester returns the requester's jobs oldest first.
func (s *StoreImpl) ListJobsByRequester(ctx context.Context, requesterID string) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM conversion_jobs WHERE requester_id = $1 ORDER BY seq ASC`

	rows, err := s.db.Query(ctx, query, requesterID)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs for requester %q: %w", requesterID, err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job := &models.Job{}
		if err := scanJob(rows, job); err != nil {
			return jobs, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return jobs, fmt.Errorf("error iterating job rows: %w", err)
	}
	return jobs, nil
}

// UpdateJobIf applies m only while the stored status equals expected. The
// WHERE clause is the concurrency guard, so two processes racing on the same
// job see exactly one RETURNING row between them.
func (s *StoreImpl) UpdateJobIf(ctx context.Context, id uuid.UUID, expected models.JobStatus, m models.JobMutation) (*models.Job, error) {
	query := `
		UPDATE conversion_jobs
		SET status = COALESCE($3, status),
			result_ref = COALESCE($4, result_ref),
			error_info = COALESCE($5, error_info),
			updated_at = $6
		WHERE id = $1 AND status = $2
		RETURNING ` + jobColumns

	var status *string
	if m.Status != nil {
		v := string(*m.Status)
		status = &v
	}

	job := &models.Job{}
	err := scanJob(s.db.QueryRow(ctx, query, id, expected, status, m.ResultRef, m.ErrorInfo, time.Now().UTC()), job)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to update job %s: %w", id, err)
	}

	// No row matched: tell a missing job apart from one in another status.
	var current models.JobStatus
	err = s.db.QueryRow(ctx, `SELECT status FROM conversion_jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read status of job %s: %w", id, err)
	}
	log.WithFields(log.Fields{"job_id": id, "expected": expected, "current": current}).Debug("Conditional update skipped")
	return nil, fmt.Errorf("job %s is %s, expected %s: %w", id, current, expected, store.ErrStatusMismatch)
}

// SetCancelHandle records the inference cancel handle.
func (s *StoreImpl) SetCancelHandle(ctx context.Context, id uuid.UUID, handle string) error {
	query := `UPDATE conversion_jobs SET cancel_handle = $1, updated_at = $2 WHERE id = $3`
	cmdTag, err := s.db.Exec(ctx, query, handle, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set cancel handle for job %s: %w", id, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not found to set cancel handle: %w", id, store.ErrNotFound)
	}
	return nil
}

// DeleteJob removes a job and returns the deleted row.
func (s *StoreImpl) DeleteJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	query := `DELETE FROM conversion_jobs WHERE id = $1 RETURNING ` + jobColumns
	job := &models.Job{}
	if err := scanJob(s.db.QueryRow(ctx, query, id), job); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return job, nil
}

// Ensure StoreImpl satisfies the JobStore interface
var _ store.JobStore = (*StoreImpl)(nil)
