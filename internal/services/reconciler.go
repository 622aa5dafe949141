package services

import (
	"context"
	"errors"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"voxshift/internal/artifacts"
	"voxshift/internal/models"
	"voxshift/internal/notify"
	"voxshift/internal/store"
)

// CallbackResult says what a webhook delivery did to the job.
type CallbackResult string

const (
	CallbackApplied   CallbackResult = "applied"
	CallbackDuplicate CallbackResult = "duplicate"
	CallbackIgnored   CallbackResult = "ignored"
)

// ResultCopier materializes a remote result file in the artifact store.
type ResultCopier interface {
	CopyFromURL(ctx context.Context, dst artifacts.Store, src, key string) error
}

type ReconcilerDeps struct {
	Store       store.JobStore
	Artifacts   artifacts.Store
	Copier      ResultCopier
	Notifier    notify.Notifier
	AudioFormat string
}

// Reconciler applies inference outcomes delivered by webhook. Deliveries may
// be duplicated, reordered or concurrent; the conditional update on the
// Processing status is the only guard, so exactly one delivery per job
// applies a terminal transition and sends a notification.
type Reconciler struct {
	jobs        store.JobStore
	artifacts   artifacts.Store
	copier      ResultCopier
	notifier    notify.Notifier
	audioFormat string
}

func NewReconciler(deps ReconcilerDeps) *Reconciler {
	r := &Reconciler{
		jobs:        deps.Store,
		artifacts:   deps.Artifacts,
		copier:      deps.Copier,
		notifier:    deps.Notifier,
		audioFormat: deps.AudioFormat,
	}
	if r.audioFormat == "" {
		r.audioFormat = "mp3"
	}
	if r.notifier == nil {
		r.notifier = notify.LogNotifier{}
	}
	return r
}

// HandleCallback applies one delivery for jobID. Unknown ids return
// ErrNotFound. A non-nil error other than ErrNotFound means the delivery
// should be retried by the sender.
func (r *Reconciler) HandleCallback(ctx context.Context, jobID uuid.UUID, cb models.Callback) (CallbackResult, error) {
	job, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	logger := log.WithFields(log.Fields{"job_id": jobID, "outcome": cb.Status, "prediction_id": cb.PredictionID})

	var result CallbackResult
	switch cb.Status {
	case models.OutcomeSucceeded:
		result, err = r.succeed(ctx, job, cb)
	case models.OutcomeFailed:
		reason := cb.ErrorDetail()
		if reason == "" {
			reason = "conversion failed"
		}
		result, err = r.failJob(ctx, job, reason)
	case models.OutcomeCanceled:
		result, err = r.failJob(ctx, job, "prediction canceled")
	default:
		logger.Debug("Ignoring non-terminal callback")
		return CallbackIgnored, nil
	}
	if err != nil {
		return "", err
	}
	logger.WithField("result", result).Info("Callback handled")
	return result, nil
}

func (r *Reconciler) succeed(ctx context.Context, job *models.Job, cb models.Callback) (CallbackResult, error) {
	if job.Status.IsTerminal() {
		return CallbackDuplicate, nil
	}
	location := cb.OutputLocation()
	if location == "" {
		return r.failJob(ctx, job, "prediction succeeded without output")
	}

	key := artifacts.ResultKey(job.ID.String(), outputExt(location, r.audioFormat))
	if err := r.copier.CopyFromURL(ctx, r.artifacts, location, key); err != nil {
		log.WithError(err).WithFields(log.Fields{"job_id": job.ID, "stage": StageCopy}).Error("Failed to copy result")
		return "", &StageError{JobID: job.ID, Stage: StageCopy, Kind: ErrStorage, Err: err}
	}

	updated, err := r.transition(ctx, job.ID, models.SucceedWith(key))
	if errors.Is(err, ErrDuplicateCallback) || errors.Is(err, store.ErrNotFound) {
		r.dropOrphan(ctx, job.ID, key)
		if errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		return CallbackDuplicate, nil
	}
	if err != nil {
		return "", err
	}
	notifyTerminal(ctx, r.notifier, updated)
	return CallbackApplied, nil
}

func (r *Reconciler) failJob(ctx context.Context, job *models.Job, reason string) (CallbackResult, error) {
	if job.Status.IsTerminal() {
		return CallbackDuplicate, nil
	}
	updated, err := r.transition(ctx, job.ID, models.FailWith(reason))
	if errors.Is(err, ErrDuplicateCallback) {
		return CallbackDuplicate, nil
	}
	if err != nil {
		return "", err
	}
	notifyTerminal(ctx, r.notifier, updated)
	return CallbackApplied, nil
}

// transition applies m only if the job is still Processing.
func (r *Reconciler) transition(ctx context.Context, id uuid.UUID, m models.JobMutation) (*models.Job, error) {
	updated, err := r.jobs.UpdateJobIf(ctx, id, models.JobStatusProcessing, m)
	if errors.Is(err, store.ErrStatusMismatch) {
		return nil, ErrDuplicateCallback
	}
	return updated, err
}

// dropOrphan deletes a copied result that lost the race to a failure or a
// delete. A result written by a competing successful delivery shares the
// same key and is kept.
func (r *Reconciler) dropOrphan(ctx context.Context, id uuid.UUID, key string) {
	current, err := r.jobs.GetJob(ctx, id)
	if err == nil && current.ResultRef != nil && *current.ResultRef == key {
		return
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return
	}
	if err := r.artifacts.Delete(ctx, key); err != nil && !errors.Is(err, artifacts.ErrNotFound) {
		log.WithError(err).WithFields(log.Fields{"job_id": id, "key": key}).Warn("Failed to delete orphaned result")
	}
}

// outputExt picks the result file extension from the output URL.
func outputExt(location, fallback string) string {
	u, err := url.Parse(location)
	if err != nil {
		return fallback
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
	if ext == "" || len(ext) > 5 {
		return fallback
	}
	for _, c := range ext {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return fallback
		}
	}
	return ext
}
