package apihandlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"voxshift/internal/artifacts"
	"voxshift/internal/inference"
	"voxshift/internal/models"
	"voxshift/internal/services"
)

type mockJobAPI struct {
	mock.Mock
}

func (m *mockJobAPI) CreateJob(ctx context.Context, p services.CreateJobParams) (*services.CreateJobResult, error) {
	args := m.Called(ctx, p)
	res, _ := args.Get(0).(*services.CreateJobResult)
	return res, args.Error(1)
}

func (m *mockJobAPI) GetJob(ctx context.Context, id uuid.UUID) (*services.JobView, error) {
	args := m.Called(ctx, id)
	v, _ := args.Get(0).(*services.JobView)
	return v, args.Error(1)
}

func (m *mockJobAPI) ListJobs(ctx context.Context, requesterID string) ([]*services.JobView, error) {
	args := m.Called(ctx, requesterID)
	v, _ := args.Get(0).([]*services.JobView)
	return v, args.Error(1)
}

func (m *mockJobAPI) DeleteJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	args := m.Called(ctx, id)
	j, _ := args.Get(0).(*models.Job)
	return j, args.Error(1)
}

func (m *mockJobAPI) CancelJob(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockJobAPI) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type mockCallbacks struct {
	mock.Mock
}

func (m *mockCallbacks) HandleCallback(ctx context.Context, id uuid.UUID, cb models.Callback) (services.CallbackResult, error) {
	args := m.Called(ctx, id, cb)
	return args.Get(0).(services.CallbackResult), args.Error(1)
}

var (
	webhookKey   = "whsec_" + base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	forgeryKey   = "whsec_" + base64.StdEncoding.EncodeToString([]byte("fedcba9876543210fedcba9876543210"))
	testVerifier *inference.WebhookVerifier
)

func init() {
	gin.SetMode(gin.TestMode)
	var err error
	if testVerifier, err = inference.NewWebhookVerifier(webhookKey); err != nil {
		panic(err)
	}
}

func newTestRouter(jobs *mockJobAPI, callbacks *mockCallbacks, downloads *artifacts.LocalStore) *gin.Engine {
	return NewRouter(&APIHandler{
		Jobs:      jobs,
		Callbacks: callbacks,
		Webhooks:  testVerifier,
		Downloads: downloads,
	}, "/webhooks/replicate")
}

// doWebhook posts body signed with key the way Replicate signs deliveries.
func doWebhook(r http.Handler, target, body, key string) *httptest.ResponseRecorder {
	raw, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(key, "whsec_"))
	id, ts := "msg_"+uuid.NewString(), strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, raw)
	mac.Write([]byte(id + "." + ts + "." + body))

	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("webhook-id", id)
	req.Header.Set("webhook-timestamp", ts)
	req.Header.Set("webhook-signature", "v1,"+base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func doRequest(r http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) APIError {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestCreateJobHandler(t *testing.T) {
	jobs := new(mockJobAPI)
	router := newTestRouter(jobs, nil, nil)
	jobID := uuid.New()

	jobs.On("CreateJob", mock.Anything, services.CreateJobParams{
		SourceURL:   "https://www.youtube.com/watch?v=abc123",
		RequesterID: "device-42",
		DeviceToken: "fcm-token",
		ModelName:   "singer-v2",
		Params:      models.ConversionParams{"pitch_change": "male-to-female"},
	}).Return(&services.CreateJobResult{OK: true, JobID: jobID, CancelHandle: "pred-1"}, nil).Once()

	w := doRequest(router, http.MethodPost, "/api/video_converts", `{
		"url": "https://www.youtube.com/watch?v=abc123",
		"requester_id": "device-42",
		"device_token": "fcm-token",
		"model": "singer-v2",
		"params": {"pitch_change": "male-to-female"}
	}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var res services.CreateJobResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.OK)
	assert.Equal(t, "pred-1", res.CancelHandle)
	assert.Equal(t, jobID, res.JobID)
	jobs.AssertExpectations(t)
}

func TestCreateJobHandler_Errors(t *testing.T) {
	jobID := uuid.New()
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"validation", errors.Join(services.ErrValidation, errors.New("url is required")), http.StatusBadRequest},
		{"resolve", &services.StageError{Stage: services.StageResolve, Kind: services.ErrAcquisition, Err: errors.New("unavailable")}, http.StatusUnprocessableEntity},
		{"upload", &services.StageError{JobID: jobID, Stage: services.StageUpload, Kind: services.ErrStorage, Err: errors.New("secret bucket detail")}, http.StatusBadGateway},
		{"unexpected", errors.New("db exploded"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := new(mockJobAPI)
			router := newTestRouter(jobs, nil, nil)
			jobs.On("CreateJob", mock.Anything, mock.Anything).Return(nil, tt.err).Once()

			w := doRequest(router, http.MethodPost, "/api/video_converts", `{"url":"https://x.test/v"}`)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.NotContains(t, w.Body.String(), "secret bucket detail")
			assert.NotContains(t, w.Body.String(), "db exploded")
		})
	}

	router := newTestRouter(new(mockJobAPI), nil, nil)
	w := doRequest(router, http.MethodPost, "/api/video_converts", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "bad_request", decodeError(t, w).Code)
}

func TestListJobsHandler(t *testing.T) {
	jobs := new(mockJobAPI)
	router := newTestRouter(jobs, nil, nil)
	ref := "results/x.mp3"
	views := []*services.JobView{
		{Job: &models.Job{ID: uuid.New(), Status: models.JobStatusSucceeded, ResultRef: &ref, DeviceToken: "secret-token"}, ResultURL: "https://signed/x"},
		{Job: &models.Job{ID: uuid.New(), Status: models.JobStatusProcessing}},
	}
	jobs.On("ListJobs", mock.Anything, "device-42").Return(views, nil).Once()

	w := doRequest(router, http.MethodGet, "/api/video_converts?requester=device-42", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "https://signed/x", resp.Data[0]["result_url"])
	assert.Equal(t, "succeeded", resp.Data[0]["status"])
	assert.NotContains(t, w.Body.String(), "secret-token")
	assert.NotContains(t, w.Body.String(), "results/x.mp3")

	w = doRequest(router, http.MethodGet, "/api/video_converts", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetAndDeleteJobHandler(t *testing.T) {
	jobs := new(mockJobAPI)
	router := newTestRouter(jobs, nil, nil)
	id := uuid.New()
	missing := uuid.New()

	jobs.On("GetJob", mock.Anything, id).Return(&services.JobView{Job: &models.Job{ID: id, Status: models.JobStatusProcessing}}, nil).Once()
	jobs.On("GetJob", mock.Anything, missing).Return(nil, services.ErrNotFound).Once()
	jobs.On("DeleteJob", mock.Anything, id).Return(&models.Job{ID: id}, nil).Once()
	jobs.On("DeleteJob", mock.Anything, missing).Return(nil, services.ErrNotFound).Once()

	assert.Equal(t, http.StatusOK, doRequest(router, http.MethodGet, "/api/video_converts/"+id.String(), "").Code)
	w := doRequest(router, http.MethodGet, "/api/video_converts/"+missing.String(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeError(t, w).Code)
	assert.Equal(t, http.StatusBadRequest, doRequest(router, http.MethodGet, "/api/video_converts/nope", "").Code)

	assert.Equal(t, http.StatusOK, doRequest(router, http.MethodDelete, "/api/video_converts/"+id.String(), "").Code)
	assert.Equal(t, http.StatusNotFound, doRequest(router, http.MethodDelete, "/api/video_converts/"+missing.String(), "").Code)
	jobs.AssertExpectations(t)
}

func TestCancelJobHandler(t *testing.T) {
	jobs := new(mockJobAPI)
	router := newTestRouter(jobs, nil, nil)
	ok, done, missing, upstream := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	jobs.On("CancelJob", mock.Anything, ok).Return(nil)
	jobs.On("CancelJob", mock.Anything, done).Return(services.ErrNotCancelable)
	jobs.On("CancelJob", mock.Anything, missing).Return(services.ErrNotFound)
	jobs.On("CancelJob", mock.Anything, upstream).Return(&services.StageError{Stage: services.StageCancel, Kind: services.ErrSubmission, Err: errors.New("503")})

	assert.Equal(t, http.StatusAccepted, doRequest(router, http.MethodPost, "/api/video_converts/"+ok.String()+"/cancel", "").Code)
	assert.Equal(t, http.StatusConflict, doRequest(router, http.MethodPost, "/api/video_converts/"+done.String()+"/cancel", "").Code)
	assert.Equal(t, http.StatusNotFound, doRequest(router, http.MethodPost, "/api/video_converts/"+missing.String()+"/cancel", "").Code)
	assert.Equal(t, http.StatusBadGateway, doRequest(router, http.MethodPost, "/api/video_converts/"+upstream.String()+"/cancel", "").Code)
}

func TestWebhookHandler(t *testing.T) {
	callbacks := new(mockCallbacks)
	router := newTestRouter(new(mockJobAPI), callbacks, nil)
	id, missing, flaky := uuid.New(), uuid.New(), uuid.New()

	callbacks.On("HandleCallback", mock.Anything, id, mock.MatchedBy(func(cb models.Callback) bool {
		return cb.Status == "succeeded" && cb.OutputLocation() == "https://replicate.delivery/out.wav"
	})).Return(services.CallbackApplied, nil).Once()
	callbacks.On("HandleCallback", mock.Anything, missing, mock.Anything).Return(services.CallbackResult(""), services.ErrNotFound).Once()
	callbacks.On("HandleCallback", mock.Anything, flaky, mock.Anything).Return(services.CallbackResult(""), services.ErrStorage).Once()

	body := `{"id":"pred-1","status":"succeeded","output":"https://replicate.delivery/out.wav","logs":"..."}`
	w := doWebhook(router, "/webhooks/replicate?job_id="+id.String(), body, webhookKey)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"result":"applied"}`, w.Body.String())

	assert.Equal(t, http.StatusNotFound, doWebhook(router, "/webhooks/replicate?job_id="+missing.String(), body, webhookKey).Code)
	assert.Equal(t, http.StatusInternalServerError, doWebhook(router, "/webhooks/replicate?job_id="+flaky.String(), body, webhookKey).Code)
	assert.Equal(t, http.StatusBadRequest, doWebhook(router, "/webhooks/replicate", body, webhookKey).Code)
	assert.Equal(t, http.StatusBadRequest, doWebhook(router, "/webhooks/replicate?job_id="+id.String(), "{", webhookKey).Code)
	callbacks.AssertExpectations(t)
}

func TestWebhookHandler_RejectsUnsignedDeliveries(t *testing.T) {
	callbacks := new(mockCallbacks)
	router := newTestRouter(new(mockJobAPI), callbacks, nil)
	target := "/webhooks/replicate?job_id=" + uuid.NewString()
	forged := `{"id":"pred-1","status":"succeeded","output":"http://169.254.169.254/latest/meta-data"}`

	w := doWebhook(router, target, forged, forgeryKey)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decodeError(t, w).Code)

	assert.Equal(t, http.StatusUnauthorized, doRequest(router, http.MethodPost, target, forged).Code)
	callbacks.AssertNotCalled(t, "HandleCallback", mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhookHandler_NoVerifierRefuses(t *testing.T) {
	callbacks := new(mockCallbacks)
	router := NewRouter(&APIHandler{Jobs: new(mockJobAPI), Callbacks: callbacks}, "/webhooks/replicate")

	w := doWebhook(router, "/webhooks/replicate?job_id="+uuid.NewString(), `{"status":"failed"}`, webhookKey)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	callbacks.AssertNotCalled(t, "HandleCallback", mock.Anything, mock.Anything, mock.Anything)
}

func TestDownloadHandler(t *testing.T) {
	local, err := artifacts.NewLocalStore(t.TempDir(), "https://voice.example.com", []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	ctx := context.Background()
	key := artifacts.ResultKey("job-1", "mp3")
	require.NoError(t, local.Put(ctx, key, strings.NewReader("converted-audio"), -1, "audio/mpeg"))
	router := newTestRouter(new(mockJobAPI), nil, local)

	link, err := local.SignedURL(ctx, key, time.Minute)
	require.NoError(t, err)
	u, err := url.Parse(link)
	require.NoError(t, err)

	w := doRequest(router, http.MethodGet, u.RequestURI(), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "converted-audio", w.Body.String())

	w = doRequest(router, http.MethodGet, "/downloads/"+key+"?token=forged", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	// A valid token for a key that no longer exists.
	gone := artifacts.ResultKey("job-2", "mp3")
	link, err = local.SignedURL(ctx, gone, time.Minute)
	require.NoError(t, err)
	u, _ = url.Parse(link)
	assert.Equal(t, http.StatusNotFound, doRequest(router, http.MethodGet, u.RequestURI(), "").Code)

	// Remote backends have no download route.
	assert.Equal(t, http.StatusNotFound, doRequest(newTestRouter(new(mockJobAPI), nil, nil), http.MethodGet, "/downloads/"+key, "").Code)
}

func TestHealthHandler(t *testing.T) {
	jobs := new(mockJobAPI)
	jobs.On("Ping", mock.Anything).Return(nil)
	h := &APIHandler{Jobs: jobs, HealthChecks: map[string]func(context.Context) error{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}}
	router := NewRouter(h, "/webhooks/replicate")

	w := doRequest(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"redis":"down"`)

	h.HealthChecks = nil
	w = doRequest(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
