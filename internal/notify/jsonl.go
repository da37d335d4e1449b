package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"flowsentry/internal/logger"
	"flowsentry/pkg/models"
)

// FileSender appends one JSON line per message to a file.
type FileSender struct {
	file    *os.File
	encoder *json.Encoder
	mu      sync.Mutex
	now     func() time.Time
}

// NewFileSender opens path for appending.
func NewFileSender(path string) (*FileSender, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}

	logger.Infof("Alert JSON writer initialized: %s", path)
	return &FileSender{file: f, encoder: json.NewEncoder(f), now: time.Now}, nil
}

// Name identifies the sender in logs and metrics.
func (w *FileSender) Name() string { return "file" }

// Send writes the payload as one line.
func (w *FileSender) Send(_ context.Context, message string, flow models.FlowRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.encoder.Encode(Payload{Message: message, Flow: flow, SentAt: w.now().UTC()}); err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	return nil
}

// Close closes the output file.
func (w *FileSender) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		return w.file.Close()
	}
	return nil
}
