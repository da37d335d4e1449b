// Package processor runs the timer-driven cycle that drains staging into
// the ledger and evaluates the detector battery.
package processor

import (
	"context"
	"fmt"
	"time"

	"flowsentry/internal/alerts"
	"flowsentry/internal/archive"
	"flowsentry/internal/detect"
	"flowsentry/internal/iptable"
	"flowsentry/internal/ledger"
	"flowsentry/internal/logger"
	"flowsentry/internal/metrics"
	"flowsentry/internal/settings"
	"flowsentry/pkg/models"
)

// AlertStore records findings under the severity contract.
type AlertStore interface {
	Handle(ctx context.Context, snap *settings.Snapshot, f models.Finding) (alerts.Result, error)
	IDs(ctx context.Context) (map[string]struct{}, error)
}

// HostRegistry tracks local hosts already seen.
type HostRegistry interface {
	Register(ctx context.Context, ts time.Time, ips ...string) error
	Known(ctx context.Context) (map[string]struct{}, error)
}

// TableSource exposes the current interval tables.
type TableSource interface {
	Tables() *iptable.Tables
}

// Deps are the stores a processor works against. Archive and Tables are
// optional.
type Deps struct {
	Settings settings.Source
	Ledger   ledger.Store
	Alerts   AlertStore
	Hosts    HostRegistry
	Tables   TableSource
	Archive  archive.Writer
	Engine   *detect.Engine
}

// Summary describes one cycle.
type Summary struct {
	Flows    int
	Merged   int
	Findings int
	Inserted int
	Updated  int
	Failed   int
}

// Processor drains, merges and detects once per interval. A cycle that
// fails after its merge but before Ack replays its batch, counting it
// twice in the ledger.
type Processor struct {
	deps     Deps
	interval time.Duration
	beat     func()
	now      func() time.Time
}

// New builds a processor. A zero interval means one minute.
func New(deps Deps, interval time.Duration, beat func()) *Processor {
	if interval <= 0 {
		interval = time.Minute
	}
	if beat == nil {
		beat = func() {}
	}
	if deps.Archive == nil {
		deps.Archive = archive.Nop{}
	}
	if deps.Engine == nil {
		deps.Engine = detect.NewEngine()
	}
	return &Processor{deps: deps, interval: interval, beat: beat, now: time.Now}
}

// Run executes a cycle on every tick until ctx is cancelled. Cycle errors
// are logged; the loop never stops on them.
func (p *Processor) Run(ctx context.Context) error {
	logger.Infof("Processor started, interval %s", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.beat()
		select {
		case <-ctx.Done():
			logger.Infof("Processor stopped")
			return ctx.Err()
		case <-ticker.C:
		}
		if _, err := p.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.CycleErrors.Inc()
			logger.Errorf("Processing cycle failed: %v", err)
		}
	}
}

// RunOnce executes a single cycle.
func (p *Processor) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary
	began := time.Now()
	// Ledger times are stored in milliseconds.
	start := p.now().UTC().Truncate(time.Millisecond)
	defer func() {
		metrics.CycleDuration.Observe(time.Since(began).Seconds())
	}()

	snap, err := p.deps.Settings.Load(ctx)
	if err != nil {
		return sum, fmt.Errorf("load settings: %w", err)
	}

	flows, err := p.deps.Ledger.Drain(ctx)
	if err != nil {
		return sum, fmt.Errorf("drain staging: %w", err)
	}
	sum.Flows = len(flows)
	metrics.BatchSize.Set(float64(len(flows)))
	if len(flows) == 0 {
		logger.Debugf("Processing cycle: staging empty")
		return sum, nil
	}

	// The staging snapshot stays until the merge lands, so a failed cycle
	// is replayed by the next one.
	merged, err := p.deps.Ledger.Merge(ctx, flows, start)
	if err != nil {
		return sum, fmt.Errorf("merge ledger: %w", err)
	}
	sum.Merged = len(merged)
	if err := p.deps.Ledger.Ack(ctx); err != nil {
		logger.Errorf("Acknowledge staging snapshot: %v", err)
	}

	if err := p.deps.Archive.WriteBatch(ctx, start, flows); err != nil {
		logger.Errorf("Archive batch failed: %v", err)
	}

	known, err := p.deps.Hosts.Known(ctx)
	if err != nil {
		return sum, fmt.Errorf("load known hosts: %w", err)
	}
	alerted, err := p.deps.Alerts.IDs(ctx)
	if err != nil {
		return sum, fmt.Errorf("load alert ids: %w", err)
	}

	var tables *iptable.Tables
	if p.deps.Tables != nil {
		tables = p.deps.Tables.Tables()
	}
	env := &detect.Env{
		Batch:       flows,
		Settings:    snap,
		Tables:      tables,
		KnownHosts:  known,
		KnownAlerts: alerted,
		Now:         start,
	}
	findings, err := p.deps.Engine.Run(ctx, env, p.deps.Ledger.All)
	if err != nil {
		return sum, fmt.Errorf("run detectors: %w", err)
	}
	sum.Findings = len(findings)

	for _, f := range findings {
		res, err := p.deps.Alerts.Handle(ctx, snap, f)
		switch res {
		case alerts.Inserted:
			sum.Inserted++
		case alerts.Updated:
			sum.Updated++
		case alerts.Failed:
			sum.Failed++
			logger.Errorf("Record alert %s: %v", f.AlertID, err)
			continue
		}
		p.apply(ctx, start, f)
	}

	logger.Infof("Processing cycle: %d flows, %d ledger rows, %d findings (%d new, %d repeat, %d failed) in %s",
		sum.Flows, sum.Merged, sum.Findings, sum.Inserted, sum.Updated, sum.Failed, time.Since(began).Round(time.Millisecond))
	return sum, nil
}

// apply performs the side effects a finding requested.
func (p *Processor) apply(ctx context.Context, now time.Time, f models.Finding) {
	if f.RegisterHost != "" {
		if err := p.deps.Hosts.Register(ctx, now, f.RegisterHost); err != nil {
			logger.Errorf("Register host %s: %v", f.RegisterHost, err)
		}
	}
	if f.LedgerTag != "" {
		if _, err := p.deps.Ledger.AppendTag(ctx, f.LedgerKey, f.LedgerTag); err != nil {
			logger.Errorf("Tag ledger row %s: %v", f.LedgerKey, err)
		}
	}
}
