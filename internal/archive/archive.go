// Package archive copies every drained batch to ClickHouse.
package archive

import (
	"context"
	"time"

	"flowsentry/pkg/models"
)

// Writer stores one processing cycle's batch.
type Writer interface {
	WriteBatch(ctx context.Context, cycle time.Time, flows []models.FlowRecord) error
	Close() error
}

// Row is the archived shape of one flow.
type Row struct {
	Cycle     time.Time `json:"cycle"`
	SrcIP     string    `json:"src_ip"`
	DstIP     string    `json:"dst_ip"`
	SrcPort   uint16    `json:"src_port"`
	DstPort   uint16    `json:"dst_port"`
	Protocol  uint8     `json:"protocol"`
	Packets   uint64    `json:"packets"`
	Bytes     uint64    `json:"bytes"`
	FlowStart time.Time `json:"flow_start"`
	FlowEnd   time.Time `json:"flow_end"`
	TimesSeen uint64    `json:"times_seen"`
	Tags      string    `json:"tags"`
}

// NewRow converts a flow.
func NewRow(cycle time.Time, f models.FlowRecord) Row {
	return Row{
		Cycle:     cycle.UTC(),
		SrcIP:     f.SrcIP,
		DstIP:     f.DstIP,
		SrcPort:   f.SrcPort,
		DstPort:   f.DstPort,
		Protocol:  f.Protocol,
		Packets:   f.Packets,
		Bytes:     f.Bytes,
		FlowStart: f.FlowStart.UTC(),
		FlowEnd:   f.FlowEnd.UTC(),
		TimesSeen: f.TimesSeen,
		Tags:      f.Tags,
	}
}

// Nop discards batches.
type Nop struct{}

func (Nop) WriteBatch(context.Context, time.Time, []models.FlowRecord) error { return nil }
func (Nop) Close() error                                                     { return nil }
