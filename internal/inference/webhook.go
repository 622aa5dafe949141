package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/replicate/replicate-go"
)

// maxWebhookBody bounds how much of a webhook request is read for
// signature checking.
const maxWebhookBody = 1 << 20

// webhookTolerance is how far a delivery timestamp may drift from the
// local clock before the delivery is treated as a replay.
const webhookTolerance = 5 * time.Minute

var ErrInvalidSignature = errors.New("webhook signature is invalid")

// WebhookVerifier checks the signature headers Replicate puts on every
// webhook delivery.
type WebhookVerifier struct {
	secret replicate.WebhookSigningSecret
	now    func() time.Time
}

func NewWebhookVerifier(key string) (*WebhookVerifier, error) {
	if key == "" {
		return nil, errors.New("webhook signing secret is empty")
	}
	return &WebhookVerifier{secret: replicate.WebhookSigningSecret{Key: key}, now: time.Now}, nil
}

// Verify reads the body, checks the signature against it and leaves the
// body readable for the caller.
func (v *WebhookVerifier) Verify(r *http.Request) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	r.Body.Close()
	if err != nil {
		return fmt.Errorf("read webhook body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	if len(body) > maxWebhookBody {
		return fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidSignature, maxWebhookBody)
	}

	sent, err := strconv.ParseInt(r.Header.Get("webhook-timestamp"), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: missing or malformed timestamp", ErrInvalidSignature)
	}
	if drift := v.now().Sub(time.Unix(sent, 0)); drift > webhookTolerance || drift < -webhookTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	check := r.Clone(r.Context())
	check.Body = io.NopCloser(bytes.NewReader(body))
	ok, err := replicate.ValidateWebhookRequest(check, v.secret)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}

// WebhookSecret asks Replicate for the account's default signing secret.
func (c *ReplicateClient) WebhookSecret(ctx context.Context) (string, error) {
	secret, err := c.api.GetDefaultWebhookSecret(ctx)
	if err != nil {
		return "", fmt.Errorf("get default webhook secret: %w", err)
	}
	if secret == nil || secret.Key == "" {
		return "", errors.New("replicate returned an empty webhook secret")
	}
	return secret.Key, nil
}
