// Package notify delivers alert messages to operators.
package notify

import (
	"context"
	"time"

	"flowsentry/internal/logger"
	"flowsentry/internal/metrics"
	"flowsentry/pkg/models"
)

// Sender delivers one message.
type Sender interface {
	Name() string
	Send(ctx context.Context, message string, flow models.FlowRecord) error
}

// Payload is the JSON document published by structured senders.
type Payload struct {
	Message string            `json:"message"`
	Flow    models.FlowRecord `json:"flow"`
	SentAt  time.Time         `json:"sent_at"`
}

// Dispatcher fans a message out to every sender. Failures are logged and
// counted, never returned.
type Dispatcher struct {
	senders []Sender
}

// NewDispatcher builds a dispatcher over senders.
func NewDispatcher(senders ...Sender) *Dispatcher {
	return &Dispatcher{senders: senders}
}

// Len returns the number of senders.
func (d *Dispatcher) Len() int {
	return len(d.senders)
}

// Notify delivers message best effort.
func (d *Dispatcher) Notify(ctx context.Context, message string, flow models.FlowRecord) {
	if len(d.senders) == 0 {
		logger.Debugf("Notification (no senders): %s", message)
		return
	}
	for _, s := range d.senders {
		if err := s.Send(ctx, message, flow); err != nil {
			metrics.Notifications.WithLabelValues(s.Name(), "error").Inc()
			logger.Errorf("Notification via %s failed: %v", s.Name(), err)
			continue
		}
		metrics.Notifications.WithLabelValues(s.Name(), "ok").Inc()
	}
}
