package detect

import (
	"fmt"
	"sort"
	"strconv"

	"flowsentry/internal/alerts"
	"flowsentry/internal/netflow"
	"flowsentry/internal/settings"
	"flowsentry/pkg/models"
)

type manyDestinations struct{}

// ManyDestinations reports local sources contacting more distinct
// destinations in one batch than MaxUniqueDestinations.
func ManyDestinations() Detector { return manyDestinations{} }

func (manyDestinations) Name() string { return "ManyDestinationsDetection" }

func (d manyDestinations) Evaluate(env *Env) ([]models.Finding, error) {
	limit := env.Settings.Int(settings.MaxUniqueDestinations, settings.DefaultMaxUniqueDestinations)
	dests := make(map[string]map[string]struct{})
	sample := make(map[string]models.FlowRecord)
	for _, f := range env.Batch {
		if !env.IsLocal(f.SrcIP) {
			continue
		}
		set, ok := dests[f.SrcIP]
		if !ok {
			set = make(map[string]struct{})
			dests[f.SrcIP] = set
			sample[f.SrcIP] = f
		}
		set[f.DstIP] = struct{}{}
	}

	var out []models.Finding
	for _, src := range sortedKeys(dests) {
		n := len(dests[src])
		if int64(n) <= limit {
			continue
		}
		fd := finding(d.Name(), "Many destinations detected", src, sample[src], alerts.ID(src, d.Name()),
			fmt.Sprintf("%s contacted %d distinct destinations (limit %d)", src, n, limit))
		fd.Enrichment1 = strconv.Itoa(n)
		out = append(out, fd)
	}
	return out, nil
}

type portScan struct{}

// PortScan reports TCP sources probing more distinct ports on one
// destination than MaxPortsPerDestination. Only flows whose source port is
// above the destination port are counted.
func PortScan() Detector { return portScan{} }

func (portScan) Name() string { return "PortScanDetection" }

func (d portScan) Evaluate(env *Env) ([]models.Finding, error) {
	limit := env.Settings.Int(settings.MaxPortsPerDestination, settings.DefaultMaxPortsPerDestination)
	type pair struct{ src, dst string }
	ports := make(map[pair]map[uint16]struct{})
	sample := make(map[pair]models.FlowRecord)
	var order []pair
	for _, f := range env.Batch {
		if f.Protocol != netflow.ProtocolTCP || f.SrcPort <= f.DstPort {
			continue
		}
		p := pair{f.SrcIP, f.DstIP}
		set, ok := ports[p]
		if !ok {
			set = make(map[uint16]struct{})
			ports[p] = set
			sample[p] = f
			order = append(order, p)
		}
		set[f.DstPort] = struct{}{}
	}

	var out []models.Finding
	for _, p := range order {
		n := len(ports[p])
		if int64(n) <= limit {
			continue
		}
		fd := finding(d.Name(), "Port scan detected", p.src, sample[p], alerts.ID(p.src, p.dst, d.Name()),
			fmt.Sprintf("%s probed %d ports on %s (limit %d)", p.src, n, p.dst, limit))
		fd.Enrichment1 = p.dst
		fd.Enrichment2 = strconv.Itoa(n)
		out = append(out, fd)
	}
	return out, nil
}

type highBandwidth struct{}

// HighBandwidthFlow reports local hosts whose packets or bytes summed over
// the batch, as either endpoint, exceed MaxPackets or MaxBytes.
func HighBandwidthFlow() Detector { return highBandwidth{} }

func (highBandwidth) Name() string { return "HighBandwidthFlowDetection" }

func (d highBandwidth) Evaluate(env *Env) ([]models.Finding, error) {
	maxPackets := env.Settings.Int(settings.MaxPackets, settings.DefaultMaxPackets)
	maxBytes := env.Settings.Int(settings.MaxBytes, settings.DefaultMaxBytes)

	type usage struct {
		packets, bytes uint64
		sample         models.FlowRecord
	}
	totals := make(map[string]*usage)
	for _, f := range env.Batch {
		for _, ip := range [2]string{f.SrcIP, f.DstIP} {
			if !env.IsLocal(ip) {
				continue
			}
			u, ok := totals[ip]
			if !ok {
				u = &usage{sample: f}
				totals[ip] = u
			}
			u.packets += f.Packets
			u.bytes += f.Bytes
			if f.Bytes > u.sample.Bytes {
				u.sample = f
			}
		}
	}

	var out []models.Finding
	for _, ip := range sortedKeys(totals) {
		u := totals[ip]
		if u.packets <= uint64(maxPackets) && u.bytes <= uint64(maxBytes) {
			continue
		}
		fd := finding(d.Name(), "High bandwidth flow detected", ip, u.sample, alerts.ID(ip, d.Name()),
			fmt.Sprintf("%s moved %d packets / %d bytes in one cycle", ip, u.packets, u.bytes))
		fd.Enrichment1 = strconv.FormatUint(u.packets, 10)
		fd.Enrichment2 = strconv.FormatUint(u.bytes, 10)
		out = append(out, fd)
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
