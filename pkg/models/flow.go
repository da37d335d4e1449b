package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Tags written by the tagging engine and the detection engine.
const (
	TagIgnoreList     = "IgnoreList"
	TagBroadcast      = "Broadcast;"
	TagMulticast      = "Multicast;"
	TagDeadConnection = "DeadConnection;"
)

// FlowKey is the 5-tuple identity of a flow.
type FlowKey struct {
	SrcIP    string `json:"src_ip"`
	DstIP    string `json:"dst_ip"`
	SrcPort  uint16 `json:"src_port"`
	DstPort  uint16 `json:"dst_port"`
	Protocol uint8  `json:"protocol"`
}

// String encodes the key as src|dst|sport|dport|proto.
func (k FlowKey) String() string {
	return k.SrcIP + "|" + k.DstIP + "|" +
		strconv.Itoa(int(k.SrcPort)) + "|" +
		strconv.Itoa(int(k.DstPort)) + "|" +
		strconv.Itoa(int(k.Protocol))
}

// Reverse returns the key of the opposite direction.
func (k FlowKey) Reverse() FlowKey {
	return FlowKey{SrcIP: k.DstIP, DstIP: k.SrcIP, SrcPort: k.DstPort, DstPort: k.SrcPort, Protocol: k.Protocol}
}

// ParseFlowKey decodes a key produced by FlowKey.String.
func ParseFlowKey(raw string) (FlowKey, error) {
	parts := strings.Split(raw, "|")
	if len(parts) != 5 {
		return FlowKey{}, fmt.Errorf("malformed flow key %q", raw)
	}
	sport, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return FlowKey{}, fmt.Errorf("parse src port: %w", err)
	}
	dport, err := strconv.ParseUint(parts[3], 10, 16)
	if err != nil {
		return FlowKey{}, fmt.Errorf("parse dst port: %w", err)
	}
	proto, err := strconv.ParseUint(parts[4], 10, 8)
	if err != nil {
		return FlowKey{}, fmt.Errorf("parse protocol: %w", err)
	}
	return FlowKey{
		SrcIP:    parts[0],
		DstIP:    parts[1],
		SrcPort:  uint16(sport),
		DstPort:  uint16(dport),
		Protocol: uint8(proto),
	}, nil
}

// FlowRecord is one decoded, tagged flow as it travels from the collector to the ledger.
type FlowRecord struct {
	FlowKey
	Packets   uint64    `json:"packets"`
	Bytes     uint64    `json:"bytes"`
	FlowStart time.Time `json:"flow_start"`
	FlowEnd   time.Time `json:"flow_end"`
	LastSeen  time.Time `json:"last_seen"`
	// TimesSeen counts datagram sightings: each staged record adds one and a
	// ledger merge adds the staged count, not the number of cycles.
	TimesSeen uint64 `json:"times_seen"`
	Tags      string    `json:"tags"`
}

// HasTag reports whether the semicolon-delimited tag set contains tag.
// tag may be passed with or without its trailing ';'.
func (r *FlowRecord) HasTag(tag string) bool {
	return HasTag(r.Tags, tag)
}

// AddTag appends a label to the tag set.
func (r *FlowRecord) AddTag(label string) {
	if label == "" {
		return
	}
	if !strings.HasSuffix(label, ";") {
		label += ";"
	}
	r.Tags += label
}

// HasTag reports whether a semicolon-delimited tag string contains tag.
func HasTag(tags, tag string) bool {
	tag = strings.TrimSuffix(strings.TrimSpace(tag), ";")
	if tag == "" {
		return false
	}
	for _, t := range strings.Split(tags, ";") {
		if t == tag {
			return true
		}
	}
	return false
}

// SplitTags returns the individual labels of a tag string.
func SplitTags(tags string) []string {
	out := make([]string, 0, 4)
	for _, t := range strings.Split(tags, ";") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// LedgerEntry is a row of the cumulative flow ledger.
type LedgerEntry = FlowRecord
