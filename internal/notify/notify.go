package notify

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"voxshift/internal/config"
)

// ErrNoToken is returned when a message has no destination device.
var ErrNoToken = errors.New("device token is empty")

// Message is one push notification to one device.
type Message struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
}

// Notifier delivers push notifications. Delivery is best-effort.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// New returns the notifier selected by cfg.Provider.
func New(ctx context.Context, cfg config.NotifyConfig) (Notifier, error) {
	switch cfg.Provider {
	case config.NotifyFCM:
		return NewFCMNotifier(ctx, cfg.CredentialsFile)
	case config.NotifyLog, "":
		return LogNotifier{}, nil
	default:
		return nil, fmt.Errorf("unsupported notify provider %q", cfg.Provider)
	}
}

// messageSender is the part of *messaging.Client used here.
type messageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMNotifier sends through Firebase Cloud Messaging.
type FCMNotifier struct {
	client messageSender
}

func NewFCMNotifier(ctx context.Context, credentialsFile string) (*FCMNotifier, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase messaging: %w", err)
	}
	return &FCMNotifier{client: client}, nil
}

func (n *FCMNotifier) Send(ctx context.Context, msg Message) error {
	if msg.Token == "" {
		return ErrNoToken
	}
	id, err := n.client.Send(ctx, &messaging.Message{
		Token: msg.Token,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: msg.Data,
	})
	if err != nil {
		return fmt.Errorf("fcm send: %w", err)
	}
	log.WithFields(log.Fields{"message_id": id, "job_id": msg.Data["job_id"]}).Debug("Push notification sent")
	return nil
}

// LogNotifier writes notifications to the log instead of sending them.
type LogNotifier struct{}

func (LogNotifier) Send(_ context.Context, msg Message) error {
	if msg.Token == "" {
		return ErrNoToken
	}
	log.WithFields(log.Fields{"title": msg.Title, "body": msg.Body, "data": msg.Data}).Info("Notification (log provider)")
	return nil
}
