package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/dues-engine/notify"
)

// =============================================================================
// WEBHOOK SENDER - hands messages to an email/SMS relay
// =============================================================================

// WebhookConfig configures the relay endpoint.
type WebhookConfig struct {
	URL     string
	Token   string
	Timeout time.Duration // default 10s
}

// WebhookSender posts every message as JSON to a relay that owns the
// actual email and SMS providers.
type WebhookSender struct {
	config     WebhookConfig
	httpClient *http.Client
}

var _ notify.Sender = (*WebhookSender)(nil)

func NewWebhookSender(config WebhookConfig) (*WebhookSender, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	return &WebhookSender{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

type webhookMessage struct {
	Channel string `json:"channel"`
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

func (s *WebhookSender) SendEmail(ctx context.Context, to, subject, body string) error {
	return s.post(ctx, webhookMessage{Channel: "email", To: to, Subject: subject, Body: body})
}

func (s *WebhookSender) SendSMS(ctx context.Context, to, body string) error {
	return s.post(ctx, webhookMessage{Channel: "sms", To: to, Body: body})
}

func (s *WebhookSender) post(ctx context.Context, msg webhookMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.Token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return nil
}

// =============================================================================
// LOG SENDER - development transport
// =============================================================================

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	log zerolog.Logger
}

var _ notify.Sender = LogSender{}

func NewLogSender(log zerolog.Logger) LogSender {
	return LogSender{log: log.With().Str("component", "log_sender").Logger()}
}

func (s LogSender) SendEmail(ctx context.Context, to, subject, body string) error {
	s.log.Info().Str("channel", "email").Str("to", to).Str("subject", subject).Int("body_len", len(body)).Msg("notification")
	return nil
}

func (s LogSender) SendSMS(ctx context.Context, to, body string) error {
	s.log.Info().Str("channel", "sms").Str("to", to).Str("body", body).Msg("notification")
	return nil
}
