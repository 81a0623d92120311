package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/reserveja/backend/pkg/logging"
)

const webhookTimeout = 5 * time.Second

// InboundMessage is one message received on a session, as seen by the
// forwarding webhook and the message log.
type InboundMessage struct {
	From      string
	Type      string
	Body      string
	Timestamp time.Time
}

// WebhookEnvelope is the payload posted to the tenant webhook.
type WebhookEnvelope struct {
	Type      string          `json:"type"`
	From      string          `json:"from"`
	Message   EnvelopeMessage `json:"message"`
	SessionID string          `json:"session_id"`
}

type EnvelopeMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Dispatcher forwards inbound messages to tenant webhooks. Delivery is
// fire-and-forget: failures are logged and discarded, never retried.
type Dispatcher struct {
	httpClient *http.Client
	logger     *logging.Logger
	metrics    ForwardMetrics
}

// ForwardMetrics counts webhook forwarding outcomes.
type ForwardMetrics interface {
	ObserveWebhookForward(status string)
}

func NewDispatcher(logger *logging.Logger, metrics ForwardMetrics) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		httpClient: &http.Client{Timeout: webhookTimeout},
		logger:     logger,
		metrics:    metrics,
	}
}

// Forward posts the message envelope to webhookURL. It blocks at most
// the webhook timeout and never returns an error; the returned bool is
// for tests and metrics only.
func (d *Dispatcher) Forward(ctx context.Context, webhookURL, sessionID string, msg InboundMessage) bool {
	envelope := WebhookEnvelope{
		Type: "message",
		From: msg.From,
		Message: EnvelopeMessage{
			Type:      msg.Type,
			Content:   msg.Body,
			Timestamp: msg.Timestamp.UTC().Format(time.RFC3339),
		},
		SessionID: sessionID,
	}
	if err := d.post(ctx, webhookURL, envelope); err != nil {
		d.logger.Error("webhook forward failed",
			"session_id", sessionID,
			"webhook_url", webhookURL,
			"error", err,
		)
		if d.metrics != nil {
			d.metrics.ObserveWebhookForward("error")
		}
		return false
	}
	if d.metrics != nil {
		d.metrics.ObserveWebhookForward("ok")
	}
	return true
}

func (d *Dispatcher) post(ctx context.Context, webhookURL string, envelope WebhookEnvelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("whatsapp: marshal webhook envelope: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("whatsapp: create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("whatsapp: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
