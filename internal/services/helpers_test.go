package services_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"voxshift/internal/acquire"
	"voxshift/internal/artifacts"
	"voxshift/internal/config"
	"voxshift/internal/inference"
	"voxshift/internal/models"
	"voxshift/internal/notify"
	"voxshift/internal/services"
	"voxshift/internal/store/sqlite"
)

type fakeAcquirer struct {
	info       *acquire.SourceInfo
	resolveErr error
	extractErr error

	// leftovers are suffixes written next to dest before a failed extraction.
	leftovers []string
}

func (f *fakeAcquirer) Resolve(ctx context.Context, url string) (*acquire.SourceInfo, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return f.info, nil
}

func (f *fakeAcquirer) ExtractAudio(ctx context.Context, url, dest string) error {
	if f.extractErr != nil {
		stem := strings.TrimSuffix(dest, filepath.Ext(dest))
		for _, suffix := range f.leftovers {
			if err := os.WriteFile(stem+suffix, []byte("partial"), 0o600); err != nil {
				return err
			}
		}
		return f.extractErr
	}
	return os.WriteFile(dest, []byte("interim-audio"), 0o600)
}

// recordingStore wraps the local backend to inject failures and observe deletes.
type recordingStore struct {
	*artifacts.LocalStore
	mu        sync.Mutex
	uploadErr error
	deleteErr error
	uploaded  []string
	deleted   []string
}

func (s *recordingStore) Upload(ctx context.Context, path, key string) error {
	if s.uploadErr != nil {
		return s.uploadErr
	}
	s.mu.Lock()
	s.uploaded = append(s.uploaded, key)
	s.mu.Unlock()
	return s.LocalStore.Upload(ctx, path, key)
}

func (s *recordingStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	s.deleted = append(s.deleted, key)
	s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	return s.LocalStore.Delete(ctx, key)
}

func (s *recordingStore) deletedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

type fakeInference struct {
	mu          sync.Mutex
	submitErr   error
	submissions []inference.Submission
	canceled    []string
}

func (f *fakeInference) Submit(ctx context.Context, sub inference.Submission) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submissions = append(f.submissions, sub)
	return "pred-" + sub.JobID.String()[:8], nil
}

func (f *fakeInference) Cancel(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, handle)
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (n *recordingNotifier) Send(ctx context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func (n *recordingNotifier) messages() []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Message(nil), n.sent...)
}

type harness struct {
	store     *sqlite.Store
	artifacts *recordingStore
	acquirer  *fakeAcquirer
	inference *fakeInference
	notifier  *recordingNotifier
	service   *services.JobService
	rec       *services.Reconciler
	cfg       *config.Config
	outputURL string
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Pipeline:    config.PipelineConfig{Mode: config.PipelineSync, WorkDir: t.TempDir(), InputLinkTTL: time.Hour},
		Links:       config.LinksConfig{TTL: time.Second},
		Acquisition: config.AcquisitionConfig{AudioFormat: "mp3"},
		Inference:   config.InferenceConfig{DefaultModel: "default-singer"},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(db.Close)

	local, err := artifacts.NewLocalStore(t.TempDir(), "https://voice.example.com", []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	output := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken.mp3" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("converted-audio"))
	}))
	t.Cleanup(output.Close)

	h := &harness{
		store:     db,
		artifacts: &recordingStore{LocalStore: local},
		acquirer:  &fakeAcquirer{info: &acquire.SourceInfo{ID: "abc123", Title: "Some Song", Duration: 212}},
		inference: &fakeInference{},
		notifier:  &recordingNotifier{},
		outputURL: output.URL + "/out.mp3",
	}
	cfg := testConfig(t)
	h.cfg = cfg
	h.service = services.NewJobService(services.JobServiceDeps{
		Store:     db,
		Acquirer:  h.acquirer,
		Artifacts: h.artifacts,
		Inference: h.inference,
		Notifier:  h.notifier,
		Config:    cfg,
	})
	h.rec = services.NewReconciler(services.ReconcilerDeps{
		Store:       db,
		Artifacts:   h.artifacts,
		Copier:      artifacts.NewFetcher(5 * time.Second),
		Notifier:    h.notifier,
		AudioFormat: "mp3",
	})
	return h
}

func (h *harness) create(t *testing.T, requester string) *services.CreateJobResult {
	t.Helper()
	res, err := h.service.CreateJob(context.Background(), services.CreateJobParams{
		SourceURL:   "https://www.youtube.com/watch?v=abc123",
		RequesterID: requester,
		DeviceToken: "fcm-" + requester,
		ModelName:   "singer-v2",
		Params:      models.ConversionParams{"pitch_change": "male-to-female"},
	})
	require.NoError(t, err)
	return res
}

func succeeded(location string) models.Callback {
	return models.Callback{PredictionID: "pred", Status: models.OutcomeSucceeded, Output: []byte(`"` + location + `"`)}
}

func failed(detail string) models.Callback {
	return models.Callback{PredictionID: "pred", Status: models.OutcomeFailed, Error: []byte(`"` + detail + `"`)}
}

var errBoom = errors.New("boom")
