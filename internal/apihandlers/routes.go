package apihandlers

import (
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"voxshift/internal/artifacts"
)

// RequestLogger logs one line per request through logrus.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start),
		})
		if c.Writer.Status() >= 500 {
			entry.Warn("Request failed")
			return
		}
		entry.Debug("Request served")
	}
}

// NewRouter builds the gin engine with every route of the service.
func NewRouter(h *APIHandler, webhookPath string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger())

	api := router.Group("/api")
	{
		converts := api.Group("/video_converts")
		{
			converts.POST("", h.CreateJobHandler)
			converts.GET("", h.ListJobsHandler)
			converts.GET("/:id", h.GetJobHandler)
			converts.DELETE("/:id", h.DeleteJobHandler)
			converts.POST("/:id/cancel", h.CancelJobHandler)
		}
	}
	router.POST(webhookPath, h.WebhookHandler)
	router.GET(artifacts.DownloadPrefix+"*key", h.DownloadHandler)
	router.HEAD(artifacts.DownloadPrefix+"*key", h.DownloadHandler)
	router.GET("/health", h.HealthHandler)
	return router
}
