package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"

	"voxshift/internal/store"
	"voxshift/internal/tasks"
)

// JobPreparer runs the preparation pipeline for one persisted job.
type JobPreparer interface {
	PrepareJob(ctx context.Context, id uuid.UUID) error
}

type PrepareDeps struct {
	Preparer JobPreparer
}

// HandlePrepareJob returns the asynq handler for tasks.TypePrepareJob.
// Pipeline failures are already recorded on the job, so no error from here
// is retried.
func HandlePrepareJob(deps PrepareDeps) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload tasks.PreparePayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("decode %s payload: %v: %w", tasks.TypePrepareJob, err, asynq.SkipRetry)
		}
		id, err := uuid.Parse(payload.JobID)
		if err != nil {
			return fmt.Errorf("invalid job id %q: %v: %w", payload.JobID, err, asynq.SkipRetry)
		}

		logger := log.WithField("job_id", id)
		logger.Info("Preparing job")
		err = deps.Preparer.PrepareJob(ctx, id)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrNotFound):
			logger.Warn("Job deleted before preparation, dropping task")
			return nil
		default:
			return fmt.Errorf("prepare job %s: %v: %w", id, err, asynq.SkipRetry)
		}
	}
}

// RegisterHandlers wires every task type this service runs.
func RegisterHandlers(mux *asynq.ServeMux, deps PrepareDeps) {
	log.Infof("Registering handler for %s", tasks.TypePrepareJob)
	mux.HandleFunc(tasks.TypePrepareJob, HandlePrepareJob(deps))
}
