package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SlackConfig holds configuration for the Slack alerter.
type SlackConfig struct {
	WebhookURL string
	Channel    string
	Timeout    time.Duration
}

// SlackAlerter sends alerts to a Slack incoming webhook.
type SlackAlerter struct {
	cfg    SlackConfig
	client *http.Client
}

// NewSlackAlerter creates a new Slack alerter.
func NewSlackAlerter(cfg SlackConfig) *SlackAlerter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &SlackAlerter{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the name of the alerter.
func (s *SlackAlerter) Name() string {
	return "slack"
}

// slackMessage represents the webhook payload format.
type slackMessage struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

// Alert sends an alert to the Slack webhook.
func (s *SlackAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	msg := slackMessage{
		Channel: s.cfg.Channel,
		Text:    s.formatMessage(severity, message, fields...),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Incoming webhooks answer a plain "ok" body on success.
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook error: %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	return nil
}

// formatMessage formats the alert message for Slack.
func (s *SlackAlerter) formatMessage(severity Severity, message string, fields ...any) string {
	text := fmt.Sprintf("%s *[%s]*\n%s", severity.Emoji(), severity.String(), message)

	if len(fields) > 0 {
		fieldsStr := FormatFields(fields...)
		if fieldsStr != "" {
			text += "\n\n*Details:*\n" + fieldsStr
		}
	}

	text += fmt.Sprintf("\n\n_%s_", time.Now().Format("2006-01-02 15:04:05 MST"))

	return text
}
