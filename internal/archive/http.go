package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"flowsentry/pkg/models"
)

// HTTPConfig configures the ClickHouse HTTP writer.
type HTTPConfig struct {
	URL      string
	Database string
	Table    string
	Username string
	Password string
	Timeout  time.Duration
	Headers  map[string]string
}

// HTTPWriter sends batches to ClickHouse via HTTP JSONEachRow. It needs no
// native port and suits hosted instances.
type HTTPWriter struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
}

// NewHTTPWriter creates a ClickHouse HTTP writer.
func NewHTTPWriter(cfg HTTPConfig) (*HTTPWriter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("clickhouse URL is empty")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Table == "" {
		cfg.Table = "flow_batches"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	q := fmt.Sprintf("INSERT INTO %s.%s FORMAT JSONEachRow", quoteIdent(cfg.Database), quoteIdent(cfg.Table))
	base := strings.TrimRight(cfg.URL, "/")
	endpoint := base + "/?query=" + url.QueryEscape(q)

	headers := map[string]string{}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.Username != "" {
		headers["X-ClickHouse-User"] = cfg.Username
	}
	if cfg.Password != "" {
		headers["X-ClickHouse-Key"] = cfg.Password
	}

	return &HTTPWriter{
		endpoint: endpoint,
		headers:  headers,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type httpRow struct {
	Cycle     string `json:"Cycle"`
	SrcIP     string `json:"SrcIP"`
	DstIP     string `json:"DstIP"`
	SrcPort   uint16 `json:"SrcPort"`
	DstPort   uint16 `json:"DstPort"`
	Protocol  uint8  `json:"Protocol"`
	Packets   uint64 `json:"Packets"`
	Bytes     uint64 `json:"Bytes"`
	FlowStart string `json:"FlowStart"`
	FlowEnd   string `json:"FlowEnd"`
	TimesSeen uint64 `json:"TimesSeen"`
	Tags      string `json:"Tags"`
}

const chTime = "2006-01-02 15:04:05.000"

// WriteBatch sends one cycle.
func (w *HTTPWriter) WriteBatch(ctx context.Context, cycle time.Time, flows []models.FlowRecord) error {
	if len(flows) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, f := range flows {
		r := NewRow(cycle, f)
		if err := enc.Encode(httpRow{
			Cycle: r.Cycle.Format(chTime), SrcIP: r.SrcIP, DstIP: r.DstIP,
			SrcPort: r.SrcPort, DstPort: r.DstPort, Protocol: r.Protocol,
			Packets: r.Packets, Bytes: r.Bytes,
			FlowStart: r.FlowStart.Format(chTime), FlowEnd: r.FlowEnd.Format(chTime),
			TimesSeen: r.TimesSeen, Tags: r.Tags,
		}); err != nil {
			return fmt.Errorf("failed to marshal flow row: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("clickhouse request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("clickhouse request failed with status %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// Close releases resources.
func (w *HTTPWriter) Close() error {
	return nil
}

func quoteIdent(v string) string {
	if v == "" {
		return ""
	}
	v = strings.ReplaceAll(v, "`", "")
	return "`" + v + "`"
}
