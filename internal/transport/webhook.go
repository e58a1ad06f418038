// ABOUTME: HTTP webhook delivery adapter for email and sms providers
// ABOUTME: 4xx responses are permanent failures, 5xx and network errors are transient

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// WebhookAdapter posts rendered messages to per-channel provider endpoints.
type WebhookAdapter struct {
	emailURL string
	smsURL   string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

// NewWebhookAdapter creates an adapter posting to the given provider endpoints.
func NewWebhookAdapter(emailURL, smsURL, apiKey string, logger *slog.Logger) *WebhookAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookAdapter{
		emailURL: emailURL,
		smsURL:   smsURL,
		apiKey:   apiKey,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger.With("component", "transport"),
	}
}

type sendRequest struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body"`
}

type sendResponse struct {
	ProviderID string `json:"providerId"`
}

// Send posts the message to the endpoint for its channel.
func (a *WebhookAdapter) Send(ctx context.Context, msg Message) (*Result, error) {
	var url string
	switch msg.Channel {
	case "email":
		url = a.emailURL
	case "sms":
		url = a.smsURL
	default:
		return nil, &PermanentError{Err: fmt.Errorf("unknown channel %q", msg.Channel)}
	}

	reqBody, err := json.Marshal(sendRequest{
		Recipient: msg.Recipient,
		Subject:   msg.Subject,
		Body:      msg.Body,
	})
	if err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("encoding request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting to provider: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// accepted, fall through
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &PermanentError{
			Err: fmt.Errorf("provider rejected message: status %d body=%q", resp.StatusCode, string(body)),
		}
	default:
		return nil, fmt.Errorf("provider error: status %d body=%q", resp.StatusCode, string(body))
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		a.logger.Warn("provider response missing providerId",
			"channel", msg.Channel,
			"status", resp.StatusCode,
		)
		return &Result{}, nil
	}

	return &Result{ProviderID: sr.ProviderID}, nil
}
