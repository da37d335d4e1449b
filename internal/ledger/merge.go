// Package ledger aggregates flows into the staging table and the
// cumulative ledger.
package ledger

import (
	"time"

	"flowsentry/pkg/models"
)

// Merge folds an incoming record into an existing ledger row. existing may
// be nil for a first sighting. Counters add, flow_end and tags take the
// incoming value, last_seen becomes now. A DeadConnection tag on the
// existing row survives the tag replacement.
func Merge(existing *models.LedgerEntry, in models.FlowRecord, now time.Time) models.LedgerEntry {
	seen := in.TimesSeen
	if seen == 0 {
		seen = 1
	}
	if existing == nil {
		out := in
		out.TimesSeen = seen
		out.LastSeen = now
		return out
	}

	out := *existing
	out.Packets += in.Packets
	out.Bytes += in.Bytes
	out.TimesSeen += seen
	out.LastSeen = now
	if out.FlowStart.IsZero() || (!in.FlowStart.IsZero() && in.FlowStart.Before(out.FlowStart)) {
		out.FlowStart = in.FlowStart
	}
	if !in.FlowEnd.IsZero() {
		out.FlowEnd = in.FlowEnd
	}
	out.Tags = in.Tags
	if existing.HasTag(models.TagDeadConnection) && !out.HasTag(models.TagDeadConnection) {
		out.AddTag(models.TagDeadConnection)
	}
	return out
}

// Combine folds a batch of records by key, preserving first-seen key order.
func Combine(flows []models.FlowRecord, now time.Time) []models.LedgerEntry {
	index := make(map[models.FlowKey]int, len(flows))
	out := make([]models.LedgerEntry, 0, len(flows))
	for _, f := range flows {
		if i, ok := index[f.FlowKey]; ok {
			out[i] = Merge(&out[i], f, now)
			continue
		}
		index[f.FlowKey] = len(out)
		out = append(out, Merge(nil, f, now))
	}
	return out
}
