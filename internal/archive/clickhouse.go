package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"flowsentry/internal/logger"
	"flowsentry/pkg/models"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS %s (
    Cycle     DateTime64(3),
    SrcIP     String,
    DstIP     String,
    SrcPort   UInt16,
    DstPort   UInt16,
    Protocol  UInt8,
    Packets   UInt64,
    Bytes     UInt64,
    FlowStart DateTime64(3),
    FlowEnd   DateTime64(3),
    TimesSeen UInt64,
    Tags      String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Cycle)
ORDER BY (Cycle, SrcIP, DstIP);
`

// ClickHouseConfig configures the native protocol writer.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Table    string
}

// ClickHouseWriter inserts batches over the native protocol.
type ClickHouseWriter struct {
	conn  driver.Conn
	table string
}

// NewClickHouseWriter connects, pings and ensures the table exists.
func NewClickHouseWriter(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseWriter, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 9000
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Table == "" {
		cfg.Table = "flow_batches"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	table := quoteIdent(cfg.Table)
	if err := conn.Exec(ctx, fmt.Sprintf(createTableStatement, table)); err != nil {
		return nil, fmt.Errorf("create table %s: %w", cfg.Table, err)
	}
	logger.Infof("ClickHouse archive ready: %s.%s", cfg.Database, cfg.Table)
	return &ClickHouseWriter{conn: conn, table: table}, nil
}

// WriteBatch inserts one cycle.
func (w *ClickHouseWriter) WriteBatch(ctx context.Context, cycle time.Time, flows []models.FlowRecord) error {
	if len(flows) == 0 {
		return nil
	}
	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO "+w.table)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, f := range flows {
		r := NewRow(cycle, f)
		if err := batch.Append(r.Cycle, r.SrcIP, r.DstIP, r.SrcPort, r.DstPort, r.Protocol,
			r.Packets, r.Bytes, r.FlowStart, r.FlowEnd, r.TimesSeen, r.Tags); err != nil {
			return fmt.Errorf("append flow to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	logger.Debugf("Archived %d flows to ClickHouse", len(flows))
	return nil
}

// Close closes the connection.
func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}
