package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"flowsentry/internal/logger"
	"flowsentry/pkg/models"
)

// WebhookConfig configures the HTTP sender.
type WebhookConfig struct {
	URL              string
	Timeout          time.Duration
	Headers          map[string]string
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// WebhookSender posts a JSON payload per message. A circuit breaker stops
// calling an endpoint that keeps failing.
type WebhookSender struct {
	url     string
	headers map[string]string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time
}

// NewWebhookSender builds an HTTP sender.
func NewWebhookSender(cfg WebhookConfig) (*WebhookSender, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = time.Minute
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "webhook",
		Timeout: openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warnf("Circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	return &WebhookSender{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
		now:     time.Now,
	}, nil
}

// Name identifies the sender in logs and metrics.
func (w *WebhookSender) Name() string { return "webhook" }

// Send posts the payload.
func (w *WebhookSender) Send(ctx context.Context, message string, flow models.FlowRecord) error {
	body, err := json.Marshal(Payload{Message: message, Flow: flow, SentAt: w.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = w.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range w.headers {
			req.Header.Set(k, v)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http request failed: %w", err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("http request failed with status %s", resp.Status)
		}
		return nil, nil
	})
	return err
}
