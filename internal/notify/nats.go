package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"flowsentry/internal/logger"
	"flowsentry/pkg/models"
)

// NATSConfig configures the NATS sender.
type NATSConfig struct {
	URL     string
	Subject string
}

// NATSSender publishes a JSON payload per message on a subject.
type NATSSender struct {
	nc      *nats.Conn
	subject string
	now     func() time.Time
}

// NewNATSSender connects to the NATS server.
func NewNATSSender(cfg NATSConfig) (*NATSSender, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "flowsentry.alerts"
	}
	nc, err := nats.Connect(url, nats.Name("flowsentry"))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	logger.Infof("Connected to NATS server at %s", url)
	return &NATSSender{nc: nc, subject: subject, now: time.Now}, nil
}

// Name identifies the sender in logs and metrics.
func (n *NATSSender) Name() string { return "nats" }

// Send publishes the payload.
func (n *NATSSender) Send(_ context.Context, message string, flow models.FlowRecord) error {
	data, err := json.Marshal(Payload{Message: message, Flow: flow, SentAt: n.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := n.nc.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", n.subject, err)
	}
	return nil
}

// Close drains the connection.
func (n *NATSSender) Close() error {
	if n.nc == nil {
		return nil
	}
	return n.nc.Drain()
}
