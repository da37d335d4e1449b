// Package detect runs the detector battery over one processing cycle.
package detect

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"flowsentry/internal/alerts"
	"flowsentry/internal/iptable"
	"flowsentry/internal/logger"
	"flowsentry/internal/metrics"
	"flowsentry/internal/netflow"
	"flowsentry/internal/settings"
	"flowsentry/internal/tagging"
	"flowsentry/pkg/models"
)

// Env is the read-only input of one cycle.
type Env struct {
	Batch       []models.FlowRecord
	Ledger      []models.LedgerEntry
	Settings    *settings.Snapshot
	Tables      *iptable.Tables
	KnownHosts  map[string]struct{}
	KnownAlerts map[string]struct{}
	Now         time.Time
}

// Detector is one rule of the battery. Name is also the configuration key
// holding its severity level.
type Detector interface {
	Name() string
	Evaluate(env *Env) ([]models.Finding, error)
}

// LedgerReader marks detectors that read the full ledger.
type LedgerReader interface {
	ReadsLedger()
}

// LedgerFunc loads the cumulative ledger.
type LedgerFunc func(ctx context.Context) ([]models.LedgerEntry, error)

// Engine evaluates registered detectors in parallel and returns their
// findings in registry order.
type Engine struct {
	detectors []Detector
	limit     int
}

// NewEngine builds an engine over detectors. An empty list registers
// the default battery.
func NewEngine(detectors ...Detector) *Engine {
	if len(detectors) == 0 {
		detectors = Default()
	}
	return &Engine{detectors: detectors, limit: runtime.GOMAXPROCS(0)}
}

// Detectors returns the registry.
func (e *Engine) Detectors() []Detector {
	return e.detectors
}

// Run evaluates every enabled detector. The ledger is loaded through
// loadLedger only when an enabled detector reads it; a failed load skips
// those detectors for this cycle.
func (e *Engine) Run(ctx context.Context, env *Env, loadLedger LedgerFunc) ([]models.Finding, error) {
	enabled := make([]Detector, 0, len(e.detectors))
	needLedger := false
	for _, d := range e.detectors {
		if env.Settings.Level(d.Name()) == settings.LevelDisabled {
			continue
		}
		if _, ok := d.(LedgerReader); ok {
			needLedger = true
		}
		enabled = append(enabled, d)
	}
	if len(enabled) == 0 {
		return nil, nil
	}

	run := *env
	run.Batch = Filter(env.Settings, env.Batch)
	ledgerOK := true
	if needLedger && run.Ledger == nil && loadLedger != nil {
		rows, err := loadLedger(ctx)
		if err != nil {
			logger.Errorf("Load ledger failed, skipping ledger detectors: %v", err)
			ledgerOK = false
		}
		run.Ledger = rows
	}
	run.Ledger = Filter(env.Settings, run.Ledger)

	results := make([][]models.Finding, len(enabled))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limit)
	for i, d := range enabled {
		if _, ok := d.(LedgerReader); ok && !ledgerOK {
			continue
		}
		i, d := i, d
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			found, err := d.Evaluate(&run)
			if err != nil {
				metrics.DetectorErrors.WithLabelValues(d.Name()).Inc()
				logger.Errorf("Detector %s failed: %v", d.Name(), err)
				return nil
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []models.Finding
	for _, found := range results {
		out = append(out, found...)
	}
	return out, nil
}

// Filter drops ignore-listed flows, and broadcast or multicast flows when
// the matching removal flag is set.
func Filter(s *settings.Snapshot, flows []models.FlowRecord) []models.FlowRecord {
	if len(flows) == 0 {
		return flows
	}
	dropBroadcast := s.Bool(settings.RemoveBroadcastFlows)
	dropMulticast := s.Bool(settings.RemoveMulticastFlows)

	out := make([]models.FlowRecord, 0, len(flows))
	for _, f := range flows {
		if f.HasTag(models.TagIgnoreList) {
			continue
		}
		if dropBroadcast && f.HasTag(models.TagBroadcast) {
			continue
		}
		if dropMulticast && f.HasTag(models.TagMulticast) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// IsLocal reports whether ip is inside LocalNetworks.
func (env *Env) IsLocal(ip string) bool {
	return env.Settings.InNetworks(settings.LocalNetworks, ip)
}

// IsRouter reports whether ip is a configured router address.
func (env *Env) IsRouter(ip string) bool {
	return env.Settings.InNetworks(settings.RouterIPAddresses, ip)
}

// isSpecial reports broadcast and multicast destinations.
func (env *Env) isSpecial(ip string) bool {
	return tagging.IsMulticast(ip) || tagging.IsBroadcast(env.Settings, ip)
}

func flowID(f models.FlowRecord, name string) string {
	return alerts.ID(f.SrcIP, f.DstIP, strconv.Itoa(int(f.Protocol)), strconv.Itoa(int(f.DstPort)), name)
}

func describe(f models.FlowRecord) string {
	proto := netflow.ProtocolName(f.Protocol)
	switch f.Protocol {
	case netflow.ProtocolTCP, netflow.ProtocolUDP:
		return fmt.Sprintf("%s:%d -> %s:%d %s", f.SrcIP, f.SrcPort, f.DstIP, f.DstPort, proto)
	}
	return fmt.Sprintf("%s -> %s %s", f.SrcIP, f.DstIP, proto)
}

func finding(name, category, actor string, f models.FlowRecord, id, message string) models.Finding {
	return models.Finding{
		Detector: name,
		Message:  message,
		ActorIP:  actor,
		Flow:     f,
		Category: category,
		AlertID:  id,
	}
}

// seen deduplicates findings inside one detector run.
type seen map[string]struct{}

func (s seen) first(id string) bool {
	if _, ok := s[id]; ok {
		return false
	}
	s[id] = struct{}{}
	return true
}
