// Package collector receives NetFlow datagrams, decodes and tags them and
// writes the flows to staging.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"flowsentry/internal/logger"
	"flowsentry/internal/metrics"
	"flowsentry/internal/netflow"
	"flowsentry/internal/settings"
	"flowsentry/internal/tagging"
	"flowsentry/pkg/models"
)

// Stager writes decoded flows to the staging table.
type Stager interface {
	Stage(ctx context.Context, flows []models.FlowRecord) error
}

// SettingsProvider returns the current configuration snapshot.
type SettingsProvider interface {
	Get(ctx context.Context) (*settings.Snapshot, error)
}

// Config tunes the collector.
type Config struct {
	Workers   int
	QueueSize int
	// Beat is called after every read attempt.
	Beat func()
}

// Collector fans datagrams from its sources into a bounded queue served by
// a fixed worker pool.
type Collector struct {
	sources  []Source
	tagger   *tagging.Tagger
	settings SettingsProvider
	stager   Stager
	workers  int
	queue    *dropQueue
	beat     func()

	logLimit   *rate.Limiter
	suppressed atomic.Int64
}

// New builds a collector.
func New(cfg Config, tagger *tagging.Tagger, provider SettingsProvider, stager Stager, sources ...Source) *Collector {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if tagger == nil {
		tagger = tagging.New(nil)
	}
	beat := cfg.Beat
	if beat == nil {
		beat = func() {}
	}
	return &Collector{
		sources:  sources,
		tagger:   tagger,
		settings: provider,
		stager:   stager,
		workers:  cfg.Workers,
		queue:    newDropQueue(cfg.QueueSize),
		beat:     beat,
		logLimit: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Run reads, decodes and stages until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	if len(c.sources) == 0 {
		return fmt.Errorf("collector has no sources")
	}
	for _, s := range c.sources {
		logger.Infof("Collector listening on %s", s.Name())
	}

	var readers sync.WaitGroup
	for _, s := range c.sources {
		readers.Add(1)
		go func(s Source) {
			defer readers.Done()
			c.readLoop(ctx, s)
		}(s)
	}

	var workers sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			c.workerLoop(ctx)
		}()
	}

	readers.Wait()
	c.queue.close()
	workers.Wait()
	for _, s := range c.sources {
		if err := s.Close(); err != nil {
			logger.Warnf("Close %s: %v", s.Name(), err)
		}
	}
	logger.Infof("Collector stopped")
	return ctx.Err()
}

func (c *Collector) readLoop(ctx context.Context, s Source) {
	for {
		if ctx.Err() != nil {
			return
		}
		payload, err := s.Read(ctx)
		c.beat()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			logger.Errorf("Read from %s failed: %v", s.Name(), err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if payload == nil {
			continue
		}
		metrics.DatagramsReceived.Inc()
		if c.queue.push(payload) {
			c.logThrottled("Collector queue full, dropped oldest datagram")
		}
	}
}

func (c *Collector) workerLoop(ctx context.Context) {
	for payload := range c.queue.ch {
		if err := c.Handle(ctx, payload); err != nil {
			logger.Errorf("%v", err)
		}
	}
}

// Handle decodes, tags and stages one datagram. Decode failures are
// logged and dropped; only a staging failure is returned.
func (c *Collector) Handle(ctx context.Context, payload []byte) error {
	pkt, err := netflow.Decode(payload)
	if err != nil {
		reason := "malformed"
		switch {
		case errors.Is(err, netflow.ErrShortPacket):
			reason = "short"
		case errors.Is(err, netflow.ErrVersion):
			reason = "version"
		}
		metrics.DecodeErrors.WithLabelValues(reason).Inc()
		c.logThrottled("Dropping datagram: %v", err)
		return nil
	}
	if pkt.Truncated {
		metrics.DecodeErrors.WithLabelValues("truncated").Inc()
		c.logThrottled("Datagram truncated after %d of %d records", len(pkt.Records), pkt.Header.Count)
	}
	flows := pkt.Flows()
	if len(flows) == 0 {
		return nil
	}

	snap := c.snapshot(ctx)
	c.tagger.TagAll(snap, flows)

	if err := c.stager.Stage(ctx, flows); err != nil {
		metrics.StageErrors.Inc()
		return fmt.Errorf("stage datagram: %w", err)
	}
	metrics.FlowsStaged.Add(float64(len(flows)))
	return nil
}

func (c *Collector) snapshot(ctx context.Context) *settings.Snapshot {
	if c.settings == nil {
		return settings.New(nil, nil, nil)
	}
	snap, err := c.settings.Get(ctx)
	if err != nil {
		c.logThrottled("Settings unavailable, tagging with defaults: %v", err)
		return settings.New(nil, nil, nil)
	}
	return snap
}

// logThrottled emits at most a few lines per second and reports how many
// were suppressed in between.
func (c *Collector) logThrottled(format string, args ...interface{}) {
	if !c.logLimit.Allow() {
		c.suppressed.Add(1)
		return
	}
	if n := c.suppressed.Swap(0); n > 0 {
		format += fmt.Sprintf(" (%d similar messages suppressed)", n)
	}
	logger.Warnf(format, args...)
}
