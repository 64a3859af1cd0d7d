package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// ErrConfig is returned for invalid webhook configuration.
var ErrConfig = errors.New("invalid config")

// WebhookConfig configures the webhook channel.
type WebhookConfig struct {
	// URL receives challenge prompts as JSON POSTs.
	URL string

	// BearerToken, when set, is sent as an Authorization header so the bot
	// can reject spoofed prompts.
	BearerToken string

	// Timeout bounds a single delivery attempt.
	Timeout time.Duration
}

// DefaultWebhookConfig returns defaults; URL must still be provided.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{Timeout: 5 * time.Second}
}

// LoadWebhookConfigFromEnv loads webhook configuration from environment variables.
//
// Required:
//   - AEGIS_NOTIFY_WEBHOOK_URL
//
// Optional:
//   - AEGIS_NOTIFY_WEBHOOK_TOKEN
//   - AEGIS_NOTIFY_WEBHOOK_TIMEOUT
//
// Returns ErrConfig if configuration is invalid.
func LoadWebhookConfigFromEnv() (WebhookConfig, error) {
	cfg := DefaultWebhookConfig()

	cfg.URL = strings.TrimSpace(os.Getenv("AEGIS_NOTIFY_WEBHOOK_URL"))
	if cfg.URL == "" {
		return WebhookConfig{}, ErrConfig
	}

	cfg.BearerToken = os.Getenv("AEGIS_NOTIFY_WEBHOOK_TOKEN")

	if v := os.Getenv("AEGIS_NOTIFY_WEBHOOK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return WebhookConfig{}, ErrConfig
		}
		cfg.Timeout = d
	}

	return cfg, nil
}

// Webhook delivers challenge prompts to a bot endpoint as JSON POSTs.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhook constructs a webhook channel.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrConfig
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWebhookConfig().Timeout
	}
	return &Webhook{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type webhookPayload struct {
	Destination string `json:"destination"`
	Action      string `json:"action"`
	ConfirmID   string `json:"confirm_id"`
	RejectID    string `json:"reject_id"`
}

// SendChallenge posts the prompt. Any non-2xx response is an error; the
// caller logs it and moves on.
func (w *Webhook) SendChallenge(ctx context.Context, ch Challenge) error {
	body, err := json.Marshal(webhookPayload{
		Destination: ch.Destination,
		Action:      ch.Action,
		ConfirmID:   ch.ConfirmID,
		RejectID:    ch.RejectID,
	})
	if err != nil {
		return fmt.Errorf("notify: encode challenge: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.BearerToken)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: deliver challenge: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: channel returned status %d", resp.StatusCode)
	}
	return nil
}
