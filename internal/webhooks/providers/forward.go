// Package providers contains webhook handlers for channel providers.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bissquit/webhook-garden/internal/domain"
	"github.com/bissquit/webhook-garden/internal/pkg/ctxlog"
	"github.com/bissquit/webhook-garden/internal/webhooks"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 10 * time.Second
	maxErrorBodySize = 512
)

// ForwardConfig holds settings for relaying payloads to the downstream application.
type ForwardConfig struct {
	URL       string
	AuthToken string
	Timeout   time.Duration
}

// ForwardHandler relays a webhook payload to a downstream HTTP endpoint.
type ForwardHandler struct {
	source     domain.Source
	config     ForwardConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewForwardHandler creates a handler posting payloads for source to config.URL.
// The limiter may be shared between handlers; nil means unlimited.
func NewForwardHandler(source domain.Source, config ForwardConfig, limiter *rate.Limiter) (*ForwardHandler, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("forward handler %s: url is required", source)
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}

	return &ForwardHandler{
		source: source,
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: limiter,
	}, nil
}

type forwardEnvelope struct {
	Source  domain.Source   `json:"source"`
	Payload json.RawMessage `json:"payload"`
}

// HandleWebhook implements webhooks.WebhookHandler.
func (h *ForwardHandler) HandleWebhook(ctx context.Context, payload json.RawMessage) error {
	if err := h.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(forwardEnvelope{Source: h.source, Payload: payload})
	if err != nil {
		return webhooks.Permanent(fmt.Errorf("marshal envelope: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.config.URL, bytes.NewReader(body))
	if err != nil {
		return webhooks.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Source", string(h.source))
	if h.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.config.AuthToken)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("forward %s webhook: %w", h.source, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return h.handleResponse(ctx, resp)
}

func (h *ForwardHandler) handleResponse(ctx context.Context, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		ctxlog.FromContext(ctx).Debug("webhook forwarded", "target", h.source, "status", resp.StatusCode)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	err := &StatusError{Code: resp.StatusCode, Body: string(body)}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return err
	case resp.StatusCode >= 500:
		return err
	default:
		return webhooks.Permanent(err)
	}
}

// StatusError is a non-2xx response from the downstream endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("downstream returned %d", e.Code)
	}
	return fmt.Sprintf("downstream returned %d: %s", e.Code, e.Body)
}
