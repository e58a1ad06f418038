// ABOUTME: Reply producer abstraction for the live chat channel
// ABOUTME: HTTP-backed producer with a deterministic fallback so a responder outage never kills a session

package respond

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/copp1723/CCL-sub003/internal/store"
)

// DefaultFallback is returned when no responder is configured or reachable.
const DefaultFallback = "Thanks for your message. An agent will follow up with you shortly."

// Producer generates the agent-side reply for an inbound visitor message.
type Producer interface {
	Generate(ctx context.Context, history []*store.SessionMessage, message string) (string, error)
}

// HTTPProducer asks an external responder service for a reply and falls back
// to a fixed message when the service is slow or down. Generate only returns
// an error on context cancellation; a responder outage must not end the
// conversation.
type HTTPProducer struct {
	url      string
	apiKey   string
	fallback string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPProducer creates a producer. An empty url means fallback-only,
// which keeps the chat channel usable without a responder service.
func NewHTTPProducer(url, apiKey, fallback string, logger *slog.Logger) *HTTPProducer {
	if fallback == "" {
		fallback = DefaultFallback
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPProducer{
		url:      url,
		apiKey:   apiKey,
		fallback: fallback,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With("component", "respond"),
	}
}

type generateRequest struct {
	Messages []generateMessage `json:"messages"`
}

type generateMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type generateResponse struct {
	Content string `json:"content"`
}

// Generate returns the reply for one inbound message given prior transcript.
func (p *HTTPProducer) Generate(ctx context.Context, history []*store.SessionMessage, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.url == "" {
		return p.fallback, nil
	}

	reply, err := p.request(ctx, history, message)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		p.logger.Warn("responder unavailable, using fallback", "error", err)
		return p.fallback, nil
	}
	return reply, nil
}

func (p *HTTPProducer) request(ctx context.Context, history []*store.SessionMessage, message string) (string, error) {
	msgs := make([]generateMessage, 0, len(history)+1)
	for _, m := range history {
		msgs = append(msgs, generateMessage{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, generateMessage{Role: store.RoleVisitor, Content: message})

	reqBody, err := json.Marshal(generateRequest{Messages: msgs})
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling responder: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("responder status %d body=%q", resp.StatusCode, string(body))
	}

	var gr generateResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if gr.Content == "" {
		return "", fmt.Errorf("empty responder content")
	}
	return gr.Content, nil
}
