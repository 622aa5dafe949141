package apihandlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"voxshift/internal/artifacts"
	"voxshift/internal/models"
	"voxshift/internal/services"
)

// JobAPI is the job lifecycle surface the HTTP layer drives.
type JobAPI interface {
	CreateJob(ctx context.Context, p services.CreateJobParams) (*services.CreateJobResult, error)
	GetJob(ctx context.Context, id uuid.UUID) (*services.JobView, error)
	ListJobs(ctx context.Context, requesterID string) ([]*services.JobView, error)
	DeleteJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	CancelJob(ctx context.Context, id uuid.UUID) error
	Ping(ctx context.Context) error
}

// WebhookVerifier authenticates a webhook request. It must leave the body
// readable.
type WebhookVerifier interface {
	Verify(r *http.Request) error
}

// CallbackHandler applies webhook deliveries.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, jobID uuid.UUID, cb models.Callback) (services.CallbackResult, error)
}

type APIHandler struct {
	Jobs      JobAPI
	Callbacks CallbackHandler
	// Webhooks rejects unsigned deliveries. Without it the webhook answers 503.
	Webhooks WebhookVerifier
	// Downloads is set only when artifacts live on local disk.
	Downloads *artifacts.LocalStore
	// HealthChecks are extra dependencies reported by /health, keyed by name.
	HealthChecks map[string]func(context.Context) error
}

// CreateJobRequest is the body of POST /api/video_converts.
type CreateJobRequest struct {
	URL         string                  `json:"url"`
	RequesterID string                  `json:"requester_id"`
	DeviceToken string                  `json:"device_token"`
	Model       string                  `json:"model"`
	Params      models.ConversionParams `json:"params"`
}

func (h *APIHandler) CreateJobHandler(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	res, err := h.Jobs.CreateJob(c.Request.Context(), services.CreateJobParams{
		SourceURL:   req.URL,
		RequesterID: req.RequesterID,
		DeviceToken: req.DeviceToken,
		ModelName:   req.Model,
		Params:      req.Params,
	})
	if err != nil {
		h.respondCreateError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *APIHandler) respondCreateError(c *gin.Context, err error) {
	var stageErr *services.StageError
	switch {
	case errors.Is(err, services.ErrValidation):
		BadRequest(c, err.Error())
	case errors.As(err, &stageErr) && stageErr.Stage == services.StageResolve:
		c.JSON(http.StatusUnprocessableEntity, services.CreateJobResult{
			OK:      false,
			Message: "The source could not be resolved",
		})
	case errors.As(err, &stageErr):
		c.JSON(http.StatusBadGateway, services.CreateJobResult{
			OK:      false,
			JobID:   stageErr.JobID,
			Message: "The conversion could not be started (" + stageErr.Stage + ")",
		})
	default:
		log.WithError(err).Error("CreateJobHandler: failed to create job")
		Internal(c)
	}
}

func (h *APIHandler) ListJobsHandler(c *gin.Context) {
	requester := c.Query("requester")
	if requester == "" {
		BadRequest(c, "Query parameter 'requester' is required")
		return
	}
	views, err := h.Jobs.ListJobs(c.Request.Context(), requester)
	if err != nil {
		log.WithError(err).WithField("requester", requester).Error("ListJobsHandler: failed to list jobs")
		Internal(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": views})
}

func parseJobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		BadRequest(c, "Invalid job ID format")
		return uuid.Nil, false
	}
	return id, true
}

func (h *APIHandler) GetJobHandler(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	view, err := h.Jobs.GetJob(c.Request.Context(), id)
	if errors.Is(err, services.ErrNotFound) {
		NotFound(c, "Job not found")
		return
	}
	if err != nil {
		log.WithError(err).WithField("job_id", id).Error("GetJobHandler: failed to get job")
		Internal(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": view})
}

func (h *APIHandler) DeleteJobHandler(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	job, err := h.Jobs.DeleteJob(c.Request.Context(), id)
	if errors.Is(err, services.ErrNotFound) {
		NotFound(c, "Job not found")
		return
	}
	if err != nil {
		log.WithError(err).WithField("job_id", id).Error("DeleteJobHandler: failed to delete job")
		Internal(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": job})
}

func (h *APIHandler) CancelJobHandler(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	err := h.Jobs.CancelJob(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"ok": true})
	case errors.Is(err, services.ErrNotFound):
		NotFound(c, "Job not found")
	case errors.Is(err, services.ErrNotCancelable):
		Conflict(c, err.Error())
	default:
		log.WithError(err).WithField("job_id", id).Error("CancelJobHandler: failed to cancel job")
		JSONError(c, http.StatusBadGateway, "upstream_error", "The cancellation could not be forwarded")
	}
}

func (h *APIHandler) HealthHandler(c *gin.Context) {
	checks := gin.H{}
	healthy := true
	if err := h.Jobs.Ping(c.Request.Context()); err != nil {
		log.WithError(err).Warn("Health check: repository unreachable")
		checks["database"] = "down"
		healthy = false
	} else {
		checks["database"] = "ok"
	}
	for name, check := range h.HealthChecks {
		if err := check(c.Request.Context()); err != nil {
			log.WithError(err).Warnf("Health check: %s unreachable", name)
			checks[name] = "down"
			healthy = false
			continue
		}
		checks[name] = "ok"
	}
	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "checks": checks})
}
