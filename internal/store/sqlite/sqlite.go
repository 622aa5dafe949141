package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"voxshift/internal/models"
	"voxshift/internal/store"
)

// Store implements store.JobStore on SQLite. It suits single-node
// deployments and tests; several processes may share the file because every
// terminal transition is a single conditional UPDATE.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dsn, e.g. "file:jobs.db" or ":memory:".
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("sqlite DSN cannot be empty")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS conversion_jobs (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			status          TEXT NOT NULL,
			source_url      TEXT NOT NULL,
			source_id       TEXT NOT NULL DEFAULT '',
			source_title    TEXT NOT NULL DEFAULT '',
			source_duration REAL NOT NULL DEFAULT 0,
			requester_id    TEXT NOT NULL DEFAULT '',
			device_token    TEXT NOT NULL DEFAULT '',
			model_name      TEXT NOT NULL,
			params          TEXT NOT NULL DEFAULT '{}',
			cancel_handle   TEXT,
			result_ref      TEXT,
			error_info      TEXT,
			created_at      DATETIME NOT NULL,
			updated_at      DATETIME NOT NULL,
			CHECK ((status = 'succeeded') = (result_ref IS NOT NULL))
		);`,
		`CREATE INDEX IF NOT EXISTS conversion_jobs_requester_idx ON conversion_jobs (requester_id, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() {
	s.db.Close()
}

const jobColumns = `seq, id, status, source_url, source_id, source_title, source_duration,
	requester_id, device_token, model_name, params, cancel_handle, result_ref, error_info,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job models.Job
		id  string
	)
	err := row.Scan(
		&job.Seq, &id, &job.Status, &job.SourceURL, &job.SourceID, &job.SourceTitle, &job.SourceDuration,
		&job.RequesterID, &job.DeviceToken, &job.ModelName, &job.Params,
		&job.CancelHandle, &job.ResultRef, &job.ErrorInfo,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("stored job id %q is not a uuid: %w", id, err)
	}
	job.ID = parsed
	return &job, nil
}

func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversion_jobs (id, status, source_url, source_id, source_title, source_duration,
			requester_id, device_token, model_name, params, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID.String(), string(job.Status), job.SourceURL, job.SourceID, job.SourceTitle, job.SourceDuration,
		job.RequesterID, job.DeviceToken, job.ModelName, job.Params, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("job %s: %w", job.ID, store.ErrDuplicate)
		}
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read seq for job %s: %w", job.ID, err)
	}
	job.Seq = seq
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM conversion_jobs WHERE id = ?`, id.String())
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

func (s *Store) ListJobsByRequester(ctx context.Context, requesterID string) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM conversion_jobs WHERE requester_id = ? ORDER BY seq ASC`, requesterID)
	if err != nil {
		return nil, fmt.Errorf("list jobs for requester %q: %w", requesterID, err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return jobs, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJobIf runs the mutation as one UPDATE guarded by the expected status.
func (s *Store) UpdateJobIf(ctx context.Context, id uuid.UUID, expected models.JobStatus, m models.JobMutation) (*models.Job, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	if m.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*m.Status))
	}
	if m.ResultRef != nil {
		sets = append(sets, "result_ref = ?")
		args = append(args, *m.ResultRef)
	}
	if m.ErrorInfo != nil {
		sets = append(sets, "error_info = ?")
		args = append(args, *m.ErrorInfo)
	}
	args = append(args, id.String(), string(expected))

	query := `UPDATE conversion_jobs SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		log.WithFields(log.Fields{"job_id": id, "expected": expected, "current": job.Status}).Debug("Conditional update skipped")
		return nil, fmt.Errorf("job %s is %s, expected %s: %w", id, job.Status, expected, store.ErrStatusMismatch)
	}
	return job, nil
}

func (s *Store) SetCancelHandle(ctx context.Context, id uuid.UUID, handle string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversion_jobs SET cancel_handle = ?, updated_at = ? WHERE id = ?`,
		handle, time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("set cancel handle for job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set cancel handle for job %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("job %s not found to set cancel handle: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("delete job %s: %w", id, err)
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM conversion_jobs WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("delete job %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversion_jobs WHERE id = ?`, id.String()); err != nil {
		return nil, fmt.Errorf("delete job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("delete job %s: %w", id, err)
	}
	return job, nil
}

var _ store.JobStore = (*Store)(nil)
