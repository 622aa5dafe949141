package apihandlers

import (
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"voxshift/internal/artifacts"
)

// DownloadHandler serves locally stored artifacts to holders of a valid
// signed link.
func (h *APIHandler) DownloadHandler(c *gin.Context) {
	if h.Downloads == nil {
		NotFound(c, "Not found")
		return
	}
	key := strings.TrimPrefix(c.Param("key"), "/")
	if err := h.Downloads.Verify(key, c.Query("token")); err != nil {
		log.WithError(err).WithField("key", key).Debug("Rejected download")
		Forbidden(c, "Invalid or expired link")
		return
	}

	f, err := h.Downloads.Open(key)
	if errors.Is(err, artifacts.ErrNotFound) || errors.Is(err, artifacts.ErrInvalidKey) {
		NotFound(c, "Not found")
		return
	}
	if err != nil {
		log.WithError(err).WithField("key", key).Error("DownloadHandler: failed to open artifact")
		Internal(c)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		log.WithError(err).WithField("key", key).Error("DownloadHandler: failed to stat artifact")
		Internal(c)
		return
	}
	http.ServeContent(c.Writer, c.Request, path.Base(key), info.ModTime(), f)
}
