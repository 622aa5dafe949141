package services_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"voxshift/internal/artifacts"
	"voxshift/internal/config"
	"voxshift/internal/models"
	"voxshift/internal/services"
)

func TestCreateJob_EndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.create(t, "device-42")
	assert.True(t, res.OK)
	assert.NotEmpty(t, res.CancelHandle)

	job, err := h.store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, job.Status)
	assert.Equal(t, "abc123", job.SourceID)
	require.NotNil(t, job.CancelHandle)
	assert.Equal(t, res.CancelHandle, *job.CancelHandle)
	assert.NoError(t, job.CheckInvariants())

	// One upload, one submission, and the local copy is gone.
	assert.Equal(t, []string{artifacts.InterimKey(res.JobID.String(), "mp3")}, h.artifacts.uploaded)
	require.Len(t, h.inference.submissions, 1)
	sub := h.inference.submissions[0]
	assert.Equal(t, res.JobID, sub.JobID)
	assert.Equal(t, "singer-v2", sub.Model)
	assert.Contains(t, sub.SongInput, "/downloads/interim/"+res.JobID.String()+".mp3?token=")
	_, err = os.Stat(filepath.Join(h.cfg.Pipeline.WorkDir, res.JobID.String()+".mp3"))
	assert.True(t, os.IsNotExist(err))

	result, err := h.rec.HandleCallback(ctx, res.JobID, succeeded(h.outputURL))
	require.NoError(t, err)
	assert.Equal(t, services.CallbackApplied, result)

	view, err := h.service.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, view.Status)
	assert.Equal(t, artifacts.ResultKey(res.JobID.String(), "mp3"), *view.ResultRef)
	assert.Contains(t, view.ResultURL, "/downloads/results/"+res.JobID.String()+".mp3?token=")
	assert.NoError(t, view.CheckInvariants())

	msgs := h.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "fcm-device-42", msgs[0].Token)
	assert.Equal(t, "succeeded", msgs[0].Data["status"])
}

func TestCreateJob_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []services.CreateJobParams{
		{},
		{SourceURL: "ftp://example.com/a"},
		{SourceURL: "https://www.youtube.com/watch?v=abc123", Params: models.ConversionParams{models.ParamSongInput: "x"}},
	}
	for _, p := range cases {
		_, err := h.service.CreateJob(ctx, p)
		assert.ErrorIs(t, err, services.ErrValidation)
	}
	jobs, err := h.store.ListJobsByRequester(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCreateJob_ResolveFailureCreatesNoRecord(t *testing.T) {
	h := newHarness(t)
	h.acquirer.resolveErr = errors.New("Video unavailable")

	_, err := h.service.CreateJob(context.Background(), services.CreateJobParams{
		SourceURL:   "https://www.youtube.com/watch?v=gone",
		RequesterID: "device-42",
	})
	assert.ErrorIs(t, err, services.ErrAcquisition)

	jobs, err := h.store.ListJobsByRequester(context.Background(), "device-42")
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Empty(t, h.notifier.messages())
}

func TestCreateJob_StageFailuresMarkFailed(t *testing.T) {
	tests := []struct {
		name   string
		inject func(h *harness)
		kind   error
		stage  string
	}{
		{"extract", func(h *harness) { h.acquirer.extractErr = context.DeadlineExceeded }, services.ErrAcquisition, services.StageExtract},
		{"upload", func(h *harness) { h.artifacts.uploadErr = errBoom }, services.ErrStorage, services.StageUpload},
		{"submit", func(h *harness) { h.inference.submitErr = errBoom }, services.ErrSubmission, services.StageSubmit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.inject(h)

			_, err := h.service.CreateJob(context.Background(), services.CreateJobParams{
				SourceURL:   "https://www.youtube.com/watch?v=abc123",
				RequesterID: "device-42",
				DeviceToken: "fcm-device-42",
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)
			var stageErr *services.StageError
			require.ErrorAs(t, err, &stageErr)
			assert.Equal(t, tt.stage, stageErr.Stage)

			job, err := h.store.GetJob(context.Background(), stageErr.JobID)
			require.NoError(t, err)
			assert.Equal(t, models.JobStatusFailed, job.Status)
			require.NotNil(t, job.ErrorInfo)
			assert.NoError(t, job.CheckInvariants())

			msgs := h.notifier.messages()
			require.Len(t, msgs, 1)
			assert.Equal(t, "failed", msgs[0].Data["status"])

			// A late callback cannot revive it.
			result, err := h.rec.HandleCallback(context.Background(), job.ID, succeeded(h.outputURL))
			require.NoError(t, err)
			assert.Equal(t, services.CallbackDuplicate, result)
			assert.Len(t, h.notifier.messages(), 1)
		})
	}
}

func TestCreateJob_DefaultModel(t *testing.T) {
	h := newHarness(t)
	res, err := h.service.CreateJob(context.Background(), services.CreateJobParams{
		SourceURL: "https://www.youtube.com/watch?v=abc123",
	})
	require.NoError(t, err)
	job, err := h.store.GetJob(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "default-singer", job.ModelName)
}

type mockJobClient struct {
	mock.Mock
}

func (m *mockJobClient) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	args := m.Called(ctx, task, opts)
	info, _ := args.Get(0).(*asynq.TaskInfo)
	return info, args.Error(1)
}

func (m *mockJobClient) EnqueuePrepareJob(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockJobClient) Close() error { return nil }

func TestCreateJob_AsyncMode(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig(t)
	cfg.Pipeline.Mode = config.PipelineAsync
	queue := new(mockJobClient)
	svc := services.NewJobService(services.JobServiceDeps{
		Store:     h.store,
		JobClient: queue,
		Acquirer:  h.acquirer,
		Artifacts: h.artifacts,
		Inference: h.inference,
		Notifier:  h.notifier,
		Config:    cfg,
	})
	queue.On("EnqueuePrepareJob", mock.Anything, mock.AnythingOfType("uuid.UUID")).Return(nil).Once()

	res, err := svc.CreateJob(context.Background(), services.CreateJobParams{
		SourceURL:   "https://www.youtube.com/watch?v=abc123",
		RequesterID: "device-42",
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Empty(t, res.CancelHandle)
	assert.Empty(t, h.inference.submissions)
	queue.AssertExpectations(t)

	// The worker side.
	require.NoError(t, svc.PrepareJob(context.Background(), res.JobID))
	require.Len(t, h.inference.submissions, 1)
	job, err := h.store.GetJob(context.Background(), res.JobID)
	require.NoError(t, err)
	require.NotNil(t, job.CancelHandle)

	// A redelivered task does not submit twice.
	require.NoError(t, svc.PrepareJob(context.Background(), res.JobID))
	assert.Len(t, h.inference.submissions, 1)
}

func TestCreateJob_AsyncEnqueueFailure(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig(t)
	cfg.Pipeline.Mode = config.PipelineAsync
	queue := new(mockJobClient)
	svc := services.NewJobService(services.JobServiceDeps{
		Store: h.store, JobClient: queue, Acquirer: h.acquirer, Artifacts: h.artifacts,
		Inference: h.inference, Notifier: h.notifier, Config: cfg,
	})
	queue.On("EnqueuePrepareJob", mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()

	_, err := svc.CreateJob(context.Background(), services.CreateJobParams{
		SourceURL: "https://www.youtube.com/watch?v=abc123", RequesterID: "device-42",
	})
	assert.ErrorIs(t, err, services.ErrSubmission)
	jobs, err := h.store.ListJobsByRequester(context.Background(), "device-42")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusFailed, jobs[0].Status)
}

func TestListJobs_ByRequesterInOrderWithFreshLinks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.create(t, "device-42")
	h.create(t, "device-7")
	second := h.create(t, "device-42")
	_, err := h.rec.HandleCallback(ctx, first.JobID, succeeded(h.outputURL))
	require.NoError(t, err)

	views, err := h.service.ListJobs(ctx, "device-42")
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, first.JobID, views[0].ID)
	assert.Equal(t, second.JobID, views[1].ID)
	assert.NotEmpty(t, views[0].ResultURL)
	assert.Empty(t, views[1].ResultURL)

	// Links are never persisted; the TTL here is one second.
	time.Sleep(1100 * time.Millisecond)
	again, err := h.service.ListJobs(ctx, "device-42")
	require.NoError(t, err)
	assert.NotEmpty(t, again[0].ResultURL)
	assert.NotEqual(t, views[0].ResultURL, again[0].ResultURL)

	_, err = h.service.ListJobs(ctx, "")
	assert.ErrorIs(t, err, services.ErrValidation)
}

func TestGetJob_NotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestDeleteJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.create(t, "device-42")
	_, err := h.rec.HandleCallback(ctx, res.JobID, succeeded(h.outputURL))
	require.NoError(t, err)

	deleted, err := h.service.DeleteJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, res.JobID, deleted.ID)
	assert.Contains(t, h.artifacts.deletedKeys(), artifacts.ResultKey(res.JobID.String(), "mp3"))
	assert.Contains(t, h.artifacts.deletedKeys(), artifacts.InterimKey(res.JobID.String(), "mp3"))

	_, err = h.service.GetJob(ctx, res.JobID)
	assert.ErrorIs(t, err, services.ErrNotFound)
	views, err := h.service.ListJobs(ctx, "device-42")
	require.NoError(t, err)
	assert.Empty(t, views)

	_, err = h.service.DeleteJob(ctx, res.JobID)
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestDeleteJob_ArtifactFailureDoesNotFail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.create(t, "device-42")
	hook := logtest.NewGlobal()
	defer hook.Reset()

	// Already gone artifacts are skipped quietly.
	require.NoError(t, h.artifacts.LocalStore.Delete(ctx, artifacts.InterimKey(res.JobID.String(), "mp3")))
	other := h.create(t, "device-42")

	h.artifacts.deleteErr = errBoom
	deleted, err := h.service.DeleteJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, res.JobID, deleted.ID)
	_, err = h.service.GetJob(ctx, res.JobID)
	assert.ErrorIs(t, err, services.ErrNotFound, "the record is removed even when storage fails")

	var failures []*log.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == log.ErrorLevel && e.Message == "Failed to delete artifact" {
			failures = append(failures, e)
		}
	}
	require.Len(t, failures, 1)
	assert.Equal(t, res.JobID, failures[0].Data["job_id"])

	h.artifacts.deleteErr = nil
	hook.Reset()
	_, err = h.service.DeleteJob(ctx, other.JobID)
	require.NoError(t, err)
	for _, e := range hook.AllEntries() {
		assert.NotEqual(t, log.ErrorLevel, e.Level, e.Message)
	}
}

func TestCreateJob_ExtractFailureRemovesPartialFiles(t *testing.T) {
	h := newHarness(t)
	h.acquirer.extractErr = errBoom
	h.acquirer.leftovers = []string{".webm", ".mp3.part", ".mp3"}

	_, err := h.service.CreateJob(context.Background(), services.CreateJobParams{
		SourceURL:   "https://www.youtube.com/watch?v=abc123",
		RequesterID: "device-42",
	})
	require.ErrorIs(t, err, services.ErrAcquisition)

	left, err := filepath.Glob(filepath.Join(h.cfg.Pipeline.WorkDir, "*"))
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestCancelJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.create(t, "device-42")

	require.NoError(t, h.service.CancelJob(ctx, res.JobID))
	assert.Equal(t, []string{res.CancelHandle}, h.inference.canceled)

	// Status only changes once the service reports the cancellation.
	job, err := h.store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, job.Status)

	result, err := h.rec.HandleCallback(ctx, res.JobID, models.Callback{Status: models.OutcomeCanceled})
	require.NoError(t, err)
	assert.Equal(t, services.CallbackApplied, result)

	err = h.service.CancelJob(ctx, res.JobID)
	assert.ErrorIs(t, err, services.ErrNotCancelable)
	assert.ErrorIs(t, h.service.CancelJob(ctx, uuid.New()), services.ErrNotFound)
}
