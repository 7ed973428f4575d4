package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"relay/internal/models"
)

// LogProvider just logs what it would have sent. It is the default in
// development and in test environments where no real push gateway is
// configured.
type LogProvider struct {
	Log *zap.Logger
}

func NewLogProvider(log *zap.Logger) *LogProvider {
	return &LogProvider{Log: log}
}

func (p *LogProvider) Send(ctx context.Context, device *models.Device, payload Payload) error {
	p.Log.Info("push: would deliver",
		zap.Uint("device_id", device.ID),
		zap.String("platform", string(device.Platform)),
		zap.String("priority", string(payload.Priority)),
		zap.String("title", payload.Title),
	)
	return nil
}

// webhookBody is the generic JSON envelope posted to WebhookProvider's
// endpoint; any downstream push gateway (FCM, APNs, a third party
// relay) can sit behind it.
type webhookBody struct {
	Token    string            `json:"token"`
	Platform string            `json:"platform"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Priority string            `json:"priority"`
	Data     map[string]string `json:"data,omitempty"`
}

// WebhookProvider POSTs the payload as JSON to a configured endpoint.
// It is the out-of-process integration point for a real push gateway.
type WebhookProvider struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhookProvider(endpoint string) *WebhookProvider {
	return &WebhookProvider{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *WebhookProvider) Send(ctx context.Context, device *models.Device, payload Payload) error {
	body := webhookBody{
		Token:    device.PushToken,
		Platform: string(device.Platform),
		Title:    payload.Title,
		Body:     payload.Body,
		Priority: string(payload.Priority),
		Data:     payload.Data,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("push: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
