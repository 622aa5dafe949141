package apihandlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"voxshift/internal/models"
	"voxshift/internal/services"
)

// WebhookHandler receives prediction outcomes. The signature is checked
// before anything in the request is used. The job id travels in the job_id
// query parameter of the registered callback URL; only the outcome fields of
// the body are used.
func (h *APIHandler) WebhookHandler(c *gin.Context) {
	if h.Webhooks == nil {
		log.Error("WebhookHandler: no webhook verifier configured, refusing delivery")
		ServiceUnavailable(c, "Webhook verification is not configured")
		return
	}
	if err := h.Webhooks.Verify(c.Request); err != nil {
		log.WithError(err).WithField("remote", c.ClientIP()).Warn("WebhookHandler: rejected unsigned delivery")
		Unauthorized(c, "Invalid webhook signature")
		return
	}

	id, err := uuid.Parse(c.Query("job_id"))
	if err != nil {
		BadRequest(c, "Query parameter 'job_id' must be a job ID")
		return
	}
	var cb models.Callback
	if err := c.ShouldBindJSON(&cb); err != nil {
		BadRequest(c, "Invalid callback body: "+err.Error())
		return
	}

	result, err := h.Callbacks.HandleCallback(c.Request.Context(), id, cb)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"result": result})
	case errors.Is(err, services.ErrNotFound):
		NotFound(c, "Job not found")
	default:
		// 5xx makes the sender redeliver.
		log.WithError(err).WithFields(log.Fields{"job_id": id, "outcome": cb.Status}).Error("WebhookHandler: failed to apply callback")
		Internal(c)
	}
}
