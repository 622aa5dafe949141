package primary

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"voxshift/internal/models"
)

// StoreImpl implements store.JobStore using PostgreSQL.
type StoreImpl struct {
	db *pgxpool.Pool
}

// NewPrimaryStore creates a new PostgreSQL store and ensures the schema exists.
func NewPrimaryStore(ctx context.Context, dsn string) (*StoreImpl, error) {
	if dsn == "" {
		return nil, errors.New("database DSN cannot be empty")
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database DSN: %w", err)
	}

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := dbpool.Ping(ctx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &StoreImpl{db: dbpool}
	if err := s.ensureSchema(ctx); err != nil {
		dbpool.Close()
		return nil, err
	}
	return s, nil
}

// Ping checks the database connection.
func (s *StoreImpl) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection pool.
func (s *StoreImpl) Close() {
	s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS conversion_jobs (
	seq             BIGSERIAL PRIMARY KEY,
	id              UUID NOT NULL UNIQUE,
	status          TEXT NOT NULL,
	source_url      TEXT NOT NULL,
	source_id       TEXT NOT NULL DEFAULT '',
	source_title    TEXT NOT NULL DEFAULT '',
	source_duration DOUBLE PRECISION NOT NULL DEFAULT 0,
	requester_id    TEXT NOT NULL DEFAULT '',
	device_token    TEXT NOT NULL DEFAULT '',
	model_name      TEXT NOT NULL,
	params          JSONB NOT NULL DEFAULT '{}'::jsonb,
	cancel_handle   TEXT,
	result_ref      TEXT,
	error_info      TEXT,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	CONSTRAINT conversion_jobs_result_ref_iff_succeeded
		CHECK ((status = 'succeeded') = (result_ref IS NOT NULL))
);
CREATE INDEX IF NOT EXISTS conversion_jobs_requester_idx ON conversion_jobs (requester_id, seq);`

func (s *StoreImpl) ensureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("unable to create conversion_jobs schema: %w", err)
	}
	return nil
}

// --- Helper Functions ---

const jobColumns = `seq, id, status, source_url, source_id, source_title, source_duration,
	requester_id, device_token, model_name, params, cancel_handle, result_ref, error_info,
	created_at, updated_at`

// scanJob scans a single row into a models.Job. The column order must match jobColumns.
func scanJob(row pgx.Row, dest *models.Job) error {
	return row.Scan(
		&dest.Seq,
		&dest.ID,
		&dest.Status,
		&dest.SourceURL,
		&dest.SourceID,
		&dest.SourceTitle,
		&dest.SourceDuration,
		&dest.RequesterID,
		&dest.DeviceToken,
		&dest.ModelName,
		&dest.Params,
		&dest.CancelHandle,
		&dest.ResultRef,
		&dest.ErrorInfo,
		&dest.CreatedAt,
		&dest.UpdatedAt,
	)
}
