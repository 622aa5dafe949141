package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"voxshift/internal/acquire"
	"voxshift/internal/artifacts"
	"voxshift/internal/config"
	"voxshift/internal/inference"
	"voxshift/internal/models"
	"voxshift/internal/notify"
	"voxshift/internal/store"
)

// failureWriteTimeout bounds the write that marks a job Failed after its
// request context is gone.
const failureWriteTimeout = 10 * time.Second

// CreateJobParams is a validated-on-entry creation request.
type CreateJobParams struct {
	SourceURL   string
	RequesterID string
	DeviceToken string
	ModelName   string
	Params      models.ConversionParams
}

// CreateJobResult is returned to the caller of CreateJob.
type CreateJobResult struct {
	OK           bool      `json:"ok"`
	JobID        uuid.UUID `json:"job_id"`
	CancelHandle string    `json:"cancel_handle,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// JobView is a job as returned to readers, with a freshly derived
// retrieval link when it succeeded.
type JobView struct {
	*models.Job
	ResultURL string `json:"result_url,omitempty"`
}

type JobServiceDeps struct {
	Store     store.JobStore
	JobClient store.JobClient // only used in async pipeline mode
	Acquirer  acquire.Acquirer
	Artifacts artifacts.Store
	Inference inference.Client
	Notifier  notify.Notifier
	Config    *config.Config
}

// JobService creates jobs, drives them through extraction, upload and
// submission, and serves reads and deletes.
type JobService struct {
	jobs      store.JobStore
	queue     store.JobClient
	acquirer  acquire.Acquirer
	artifacts artifacts.Store
	inference inference.Client
	notifier  notify.Notifier

	mode         string
	workDir      string
	audioFormat  string
	defaultModel string
	inputTTL     time.Duration
	linkTTL      time.Duration
}

func NewJobService(deps JobServiceDeps) *JobService {
	cfg := deps.Config
	s := &JobService{
		jobs:         deps.Store,
		queue:        deps.JobClient,
		acquirer:     deps.Acquirer,
		artifacts:    deps.Artifacts,
		inference:    deps.Inference,
		notifier:     deps.Notifier,
		mode:         cfg.Pipeline.Mode,
		workDir:      cfg.Pipeline.WorkDir,
		audioFormat:  cfg.Acquisition.AudioFormat,
		defaultModel: cfg.Inference.DefaultModel,
		inputTTL:     cfg.Pipeline.InputLinkTTL,
		linkTTL:      cfg.Links.TTL,
	}
	if s.audioFormat == "" {
		s.audioFormat = "mp3"
	}
	if s.workDir == "" {
		s.workDir = os.TempDir()
	}
	if s.notifier == nil {
		s.notifier = notify.LogNotifier{}
	}
	return s
}

func (s *JobService) validate(p *CreateJobParams) error {
	if p.SourceURL == "" {
		return validationError("url is required")
	}
	u, err := url.Parse(p.SourceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return validationError("url %q is not an http(s) URL", p.SourceURL)
	}
	if p.ModelName == "" {
		p.ModelName = s.defaultModel
	}
	if p.ModelName == "" {
		return validationError("model is required")
	}
	if err := p.Params.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// CreateJob resolves the source, persists a Processing record, and then
// either runs the preparation pipeline in place or hands it to the worker.
// A resolve failure returns before anything is persisted; any later
// failure leaves the record Failed.
func (s *JobService) CreateJob(ctx context.Context, p CreateJobParams) (*CreateJobResult, error) {
	if err := s.validate(&p); err != nil {
		return nil, err
	}

	info, err := s.acquirer.Resolve(ctx, p.SourceURL)
	if err != nil {
		return nil, &StageError{Stage: StageResolve, Kind: ErrAcquisition, Err: err}
	}

	job := &models.Job{
		ID:             uuid.New(),
		Status:         models.JobStatusProcessing,
		SourceURL:      p.SourceURL,
		SourceID:       info.ID,
		SourceTitle:    info.Title,
		SourceDuration: info.Duration,
		RequesterID:    p.RequesterID,
		DeviceToken:    p.DeviceToken,
		ModelName:      p.ModelName,
		Params:         p.Params,
	}
	if job.Params == nil {
		job.Params = models.ConversionParams{}
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}
	logger := log.WithFields(log.Fields{"job_id": job.ID, "source_id": job.SourceID, "mode": s.mode})
	logger.Info("Job created")

	if s.mode == config.PipelineAsync && s.queue != nil {
		if err := s.queue.EnqueuePrepareJob(ctx, job.ID); err != nil {
			return nil, s.fail(ctx, job, StageEnqueue, ErrSubmission, err)
		}
		return &CreateJobResult{OK: true, JobID: job.ID, Message: "queued"}, nil
	}

	handle, err := s.prepare(ctx, job)
	if err != nil {
		return nil, err
	}
	return &CreateJobResult{OK: true, JobID: job.ID, CancelHandle: handle}, nil
}

// PrepareJob runs the preparation pipeline for a job created in async mode.
// Jobs that are terminal or already submitted are skipped.
func (s *JobService) PrepareJob(ctx context.Context, id uuid.UUID) error {
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusProcessing || job.CancelHandle != nil {
		log.WithFields(log.Fields{"job_id": id, "status": job.Status}).Info("Job already prepared, skipping")
		return nil
	}
	_, err = s.prepare(ctx, job)
	return err
}

// prepare extracts audio, uploads it, and submits the job. Every failure
// marks the job Failed before returning.
func (s *JobService) prepare(ctx context.Context, job *models.Job) (string, error) {
	local := filepath.Join(s.workDir, job.ID.String()+"."+s.audioFormat)
	if err := s.acquirer.ExtractAudio(ctx, job.SourceURL, local); err != nil {
		s.removeScratch(job.ID)
		return "", s.fail(ctx, job, StageExtract, ErrAcquisition, err)
	}

	key := artifacts.InterimKey(job.ID.String(), s.audioFormat)
	if err := s.artifacts.Upload(ctx, local, key); err != nil {
		err = s.fail(ctx, job, StageUpload, ErrStorage, err)
		os.Remove(local)
		return "", err
	}
	if err := os.Remove(local); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).WithField("path", local).Warn("Failed to remove local audio")
	}

	songInput, err := s.artifacts.SignedURL(ctx, key, s.inputTTL)
	if err != nil {
		return "", s.fail(ctx, job, StageSign, ErrStorage, err)
	}

	handle, err := s.inference.Submit(ctx, inference.Submission{
		JobID:     job.ID,
		SongInput: songInput,
		Model:     job.ModelName,
		Params:    job.Params,
	})
	if err != nil {
		return "", s.fail(ctx, job, StageSubmit, ErrSubmission, err)
	}

	// The prediction is running; a lost handle only disables cancellation.
	if err := s.jobs.SetCancelHandle(ctx, job.ID, handle); err != nil {
		log.WithError(err).WithFields(log.Fields{"job_id": job.ID, "cancel_handle": handle}).Error("Failed to store cancel handle")
	} else {
		job.CancelHandle = &handle
	}
	log.WithFields(log.Fields{"job_id": job.ID, "cancel_handle": handle}).Info("Job submitted")
	return handle, nil
}

// removeScratch deletes everything the extractor left for the job in the
// work directory, including partial downloads under other extensions.
func (s *JobService) removeScratch(id uuid.UUID) {
	matches, err := filepath.Glob(filepath.Join(s.workDir, id.String()+".*"))
	if err != nil {
		return
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).WithField("path", path).Warn("Failed to remove scratch file")
		}
	}
}

// fail records a stage failure on a Processing job and notifies the
// requester when this call performed the transition.
func (s *JobService) fail(ctx context.Context, job *models.Job, stage string, kind, cause error) error {
	stageErr := &StageError{JobID: job.ID, Stage: stage, Kind: kind, Err: cause}
	logger := log.WithFields(log.Fields{"job_id": job.ID, "stage": stage})
	logger.WithError(cause).Error("Job stage failed")

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()
	updated, err := s.jobs.UpdateJobIf(wctx, job.ID, models.JobStatusProcessing, models.FailWith(stageErr.Reason()))
	switch {
	case err == nil:
		*job = *updated
		notifyTerminal(wctx, s.notifier, updated)
	case errors.Is(err, store.ErrStatusMismatch), errors.Is(err, store.ErrNotFound):
		logger.WithError(err).Info("Job left Processing before failure was recorded")
	default:
		logger.WithError(err).Error("Failed to mark job failed")
	}
	return stageErr
}

func (s *JobService) view(ctx context.Context, job *models.Job) (*JobView, error) {
	v := &JobView{Job: job}
	if job.Status != models.JobStatusSucceeded || job.ResultRef == nil {
		return v, nil
	}
	link, err := s.artifacts.SignedURL(ctx, *job.ResultRef, s.linkTTL)
	if err != nil {
		return nil, &StageError{JobID: job.ID, Stage: StageSign, Kind: ErrStorage, Err: err}
	}
	v.ResultURL = link
	return v, nil
}

// GetJob returns one job with a fresh retrieval link when it succeeded.
func (s *JobService) GetJob(ctx context.Context, id uuid.UUID) (*JobView, error) {
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, job)
}

// ListJobs returns a requester's jobs in creation order.
func (s *JobService) ListJobs(ctx context.Context, requesterID string) ([]*JobView, error) {
	if requesterID == "" {
		return nil, validationError("requester is required")
	}
	jobs, err := s.jobs.ListJobsByRequester(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	views := make([]*JobView, 0, len(jobs))
	for _, job := range jobs {
		v, err := s.view(ctx, job)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

// DeleteJob removes the record and then, best-effort, its artifacts.
func (s *JobService) DeleteJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := s.jobs.DeleteJob(ctx, id)
	if err != nil {
		return nil, err
	}
	keys := []string{artifacts.InterimKey(id.String(), s.audioFormat)}
	if job.Status == models.JobStatusSucceeded && job.ResultRef != nil {
		keys = append(keys, *job.ResultRef)
	}
	for _, key := range keys {
		if err := s.artifacts.Delete(ctx, key); err != nil && !errors.Is(err, artifacts.ErrNotFound) {
			log.WithError(err).WithFields(log.Fields{"job_id": id, "key": key}).Error("Failed to delete artifact")
		}
	}
	log.WithField("job_id", id).Info("Job deleted")
	return job, nil
}

// CancelJob forwards the stored cancel handle to the inference service.
// The status change arrives later through the webhook.
func (s *JobService) CancelJob(ctx context.Context, id uuid.UUID) error {
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: job is %s", ErrNotCancelable, job.Status)
	}
	if job.CancelHandle == nil {
		return fmt.Errorf("%w: job has not been submitted yet", ErrNotCancelable)
	}
	if err := s.inference.Cancel(ctx, *job.CancelHandle); err != nil {
		return &StageError{JobID: id, Stage: StageCancel, Kind: ErrSubmission, Err: err}
	}
	log.WithFields(log.Fields{"job_id": id, "cancel_handle": *job.CancelHandle}).Info("Cancellation requested")
	return nil
}

// Ping checks the repository.
func (s *JobService) Ping(ctx context.Context) error {
	return s.jobs.Ping(ctx)
}
