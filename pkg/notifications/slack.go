// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package notifications provides alerting capabilities via various channels.
//
// This package implements notification delivery for backup lifecycle
// events: a run summary after every completed run, and alerts when an
// endpoint stays unreachable past its retry budget. Notifications help
// operators notice failed fields without tailing logs.
//
// # Notification Channels
//
// Currently supported:
//   - Slack: Webhook-based notifications with formatted attachments
//
// # Error Handling
//
// Notification failures are logged but never affect the backup itself:
//   - Failed notifications are logged as errors
//   - HTTP timeouts are enforced (10 seconds)
//   - Context cancellation is respected
//   - Disabled notifiers (empty webhook URL) skip sending silently
//
// # Thread Safety
//
// The SlackNotifier is thread-safe and can be shared across multiple
// goroutines. Each notification uses its own HTTP request with context
// for cancellation.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/TacoronteRiveroCristian/backup-influxdb/pkg/logger"
)

// SlackNotifier sends notifications to Slack via webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	enabled    bool
}

// SlackMessage represents a Slack webhook message payload
type SlackMessage struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment represents a Slack attachment
type Attachment struct {
	Color  string `json:"color,omitempty"`
	Title  string `json:"title,omitempty"`
	Text   string `json:"text,omitempty"`
	Footer string `json:"footer,omitempty"`
	Ts     int64  `json:"ts,omitempty"`
}

// NewSlackNotifier creates a new Slack notifier
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	enabled := webhookURL != ""

	return &SlackNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		enabled: enabled,
	}
}

// IsEnabled returns whether Slack notifications are enabled
func (s *SlackNotifier) IsEnabled() bool {
	return s.enabled
}

// SendMessage sends a simple text message to Slack
func (s *SlackNotifier) SendMessage(ctx context.Context, message string) error {
	if !s.enabled {
		logger.Debug().Msg("Slack notifications disabled, skipping message")
		return nil
	}

	payload := SlackMessage{
		Text: message,
	}

	return s.sendPayload(ctx, payload)
}

// SendAlert sends a formatted alert to Slack
func (s *SlackNotifier) SendAlert(ctx context.Context, severity, title, message string) error {
	if !s.enabled {
		logger.Debug().Msg("Slack notifications disabled, skipping alert")
		return nil
	}

	color := s.severityToColor(severity)

	payload := SlackMessage{
		Attachments: []Attachment{
			{
				Color:  color,
				Title:  title,
				Text:   message,
				Footer: "InfluxDB Field Backup",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return s.sendPayload(ctx, payload)
}

// SendRunSummary sends a summary alert after a completed backup run.
// Green when every field copied, red when at least one field failed.
func (s *SlackNotifier) SendRunSummary(ctx context.Context, configName string, succeeded, skipped, failed int, wall time.Duration) error {
	severity := "good"
	title := fmt.Sprintf("✅ Backup run finished: %s", configName)
	if failed > 0 {
		severity = "danger"
		title = fmt.Sprintf("⚠️ Backup run finished with failures: %s", configName)
	}
	return s.SendAlert(ctx, severity, title,
		fmt.Sprintf("Fields: %d copied, %d skipped, %d failed.\nWall time: %s.",
			succeeded, skipped, failed, wall.Round(time.Second)))
}

// SendEndpointFailure sends an alert when an endpoint stays unreachable
// past its startup retry budget.
func (s *SlackNotifier) SendEndpointFailure(ctx context.Context, configName, url string, err error) error {
	return s.SendAlert(ctx, "danger", "⚠️ InfluxDB Endpoint Unreachable",
		fmt.Sprintf("Configuration %s could not reach %s after exhausting retries: %v", configName, url, err))
}

// sendPayload sends a payload to the Slack webhook
func (s *SlackNotifier) sendPayload(ctx context.Context, payload SlackMessage) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}

	if len(payload.Attachments) > 0 {
		logger.Debug().Str("title", payload.Attachments[0].Title).Msg("Slack notification sent successfully")
	} else {
		logger.Debug().Str("text", payload.Text).Msg("Slack notification sent successfully")
	}
	return nil
}

// severityToColor maps severity levels to Slack colors
func (s *SlackNotifier) severityToColor(severity string) string {
	switch severity {
	case "danger", "error":
		return "danger" // Red
	case "warning", "warn":
		return "warning" // Yellow
	case "good", "success":
		return "good" // Green
	default:
		return "#808080" // Gray
	}
}
