package services

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"voxshift/internal/models"
	"voxshift/internal/notify"
)

func buildNotification(job *models.Job) notify.Message {
	title := job.SourceTitle
	if title == "" {
		title = "Your song"
	}
	msg := notify.Message{
		Token: job.DeviceToken,
		Data: map[string]string{
			"job_id": job.ID.String(),
			"status": string(job.Status),
		},
	}
	switch job.Status {
	case models.JobStatusSucceeded:
		msg.Title = "Conversion complete"
		msg.Body = fmt.Sprintf("%s is ready to play.", title)
	default:
		msg.Title = "Conversion failed"
		msg.Body = fmt.Sprintf("We could not convert %s.", title)
	}
	return msg
}

// notifyTerminal sends the one notification for a job's terminal
// transition. Failures are logged and never returned.
func notifyTerminal(ctx context.Context, n notify.Notifier, job *models.Job) {
	logger := log.WithFields(log.Fields{"job_id": job.ID, "status": job.Status})
	if job.DeviceToken == "" {
		logger.Debug("No device token, skipping notification")
		return
	}
	if err := n.Send(ctx, buildNotification(job)); err != nil {
		if errors.Is(err, notify.ErrNoToken) {
			return
		}
		logger.WithError(fmt.Errorf("%w: %v", ErrNotification, err)).Warn("Failed to send notification")
		return
	}
	logger.Info("Notification sent")
}
