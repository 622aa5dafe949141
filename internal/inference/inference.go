package inference

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/replicate/replicate-go"
	log "github.com/sirupsen/logrus"

	"voxshift/internal/config"
	"voxshift/internal/models"
)

// ErrNoHandle is returned when the service accepted a submission without an id.
var ErrNoHandle = errors.New("inference service returned no prediction id")

// Submission is everything the service needs to convert one job.
type Submission struct {
	JobID     uuid.UUID
	SongInput string // retrieval link to the interim audio
	Model     string
	Params    models.ConversionParams
}

// Client submits conversion jobs and forwards cancellations.
type Client interface {
	// Submit starts a prediction and returns its cancel handle.
	Submit(ctx context.Context, sub Submission) (string, error)
	Cancel(ctx context.Context, handle string) error
}

// predictionAPI is the part of *replicate.Client used here.
type predictionAPI interface {
	CreatePrediction(ctx context.Context, version string, input replicate.PredictionInput, webhook *replicate.Webhook, stream bool) (*replicate.Prediction, error)
	CancelPrediction(ctx context.Context, id string) (*replicate.Prediction, error)
	GetDefaultWebhookSecret(ctx context.Context) (*replicate.WebhookSigningSecret, error)
}

// ReplicateClient runs the voice model on Replicate and asks for a single
// webhook once the prediction completes.
type ReplicateClient struct {
	api          predictionAPI
	version      string
	defaultModel string
	webhookURL   string
}

func NewReplicateClient(cfg config.InferenceConfig, webhookURL string) (*ReplicateClient, error) {
	api, err := replicate.NewClient(replicate.WithToken(cfg.APIToken))
	if err != nil {
		return nil, fmt.Errorf("create replicate client: %w", err)
	}
	return newReplicateClient(api, cfg, webhookURL), nil
}

func newReplicateClient(api predictionAPI, cfg config.InferenceConfig, webhookURL string) *ReplicateClient {
	return &ReplicateClient{
		api:          api,
		version:      cfg.ModelVersion,
		defaultModel: cfg.DefaultModel,
		webhookURL:   webhookURL,
	}
}

// CallbackURL embeds the job id so the webhook can be correlated.
func (c *ReplicateClient) CallbackURL(jobID uuid.UUID) string {
	u, err := url.Parse(c.webhookURL)
	if err != nil {
		return c.webhookURL + "?job_id=" + jobID.String()
	}
	q := u.Query()
	q.Set("job_id", jobID.String())
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *ReplicateClient) Submit(ctx context.Context, sub Submission) (string, error) {
	model := sub.Model
	if model == "" {
		model = c.defaultModel
	}
	input := replicate.PredictionInput(sub.Params.WithDerived(sub.SongInput, model))
	webhook := &replicate.Webhook{
		URL:    c.CallbackURL(sub.JobID),
		Events: []replicate.WebhookEventType{replicate.WebhookEventCompleted},
	}

	prediction, err := c.api.CreatePrediction(ctx, c.version, input, webhook, false)
	if err != nil {
		return "", fmt.Errorf("create prediction for job %s: %w", sub.JobID, err)
	}
	if prediction == nil || prediction.ID == "" {
		return "", ErrNoHandle
	}
	log.WithFields(log.Fields{"job_id": sub.JobID, "prediction_id": prediction.ID, "model": model}).Info("Submitted conversion")
	return prediction.ID, nil
}

func (c *ReplicateClient) Cancel(ctx context.Context, handle string) error {
	if _, err := c.api.CancelPrediction(ctx, handle); err != nil {
		return fmt.Errorf("cancel prediction %s: %w", handle, err)
	}
	return nil
}
