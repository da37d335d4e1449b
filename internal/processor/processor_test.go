package processor

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowsentry/internal/alerts"
	"flowsentry/internal/collector"
	"flowsentry/internal/hoststate"
	"flowsentry/internal/ledger"
	"flowsentry/internal/netflow"
	"flowsentry/internal/settings"
	"flowsentry/internal/tagging"
	"flowsentry/pkg/models"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	messages []string
}

func (r *recorder) Notify(_ context.Context, message string, _ models.FlowRecord) {
	r.messages = append(r.messages, message)
}

type harness struct {
	proc      *Processor
	collector *collector.Collector
	ledger    *ledger.RedisStore
	alerts    *alerts.Store
	hosts     *hoststate.RedisStore
	notified  *recorder
}

func newHarness(t *testing.T, values map[string]string, custom ...models.MatchEntry) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	src := settings.NewRedisSource(client, "fs")
	require.NoError(t, src.Seed(context.Background(), values, nil, custom))

	h := &harness{
		ledger:   ledger.NewRedisStore(client, "fs"),
		hosts:    hoststate.NewRedisStore(client, "fs"),
		notified: &recorder{},
	}
	h.alerts = alerts.NewStore(client, "fs", h.notified)
	h.collector = collector.New(collector.Config{}, tagging.New(nil), settings.NewCache(src, time.Minute), h.ledger)
	h.proc = New(Deps{Settings: src, Ledger: h.ledger, Alerts: h.alerts, Hosts: h.hosts}, time.Minute, nil)
	clock := base.Add(123456789 * time.Nanosecond)
	h.proc.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return h
}

func record(src, dst string, sport, dport uint16, proto uint8, packets, octets uint32) netflow.Record {
	return netflow.Record{
		SrcAddr:  net.ParseIP(src).To4(),
		DstAddr:  net.ParseIP(dst).To4(),
		NextHop:  net.IPv4zero.To4(),
		Packets:  packets,
		Octets:   octets,
		First:    50_000,
		Last:     59_000,
		SrcPort:  sport,
		DstPort:  dport,
		Protocol: proto,
	}
}

func (h *harness) receive(t *testing.T, recs ...netflow.Record) {
	t.Helper()
	hdr := netflow.Header{SysUptime: 60_000, UnixSecs: uint32(base.Unix())}
	require.NoError(t, h.collector.Handle(context.Background(), netflow.Encode(hdr, recs)))
}

func TestNewOutboundScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{
		"NewOutboundDetection": "2",
		settings.LocalNetworks: "10.0.0.0/24",
	})
	h.receive(t, record("10.0.0.5", "93.184.216.34", 51000, 443, netflow.ProtocolTCP, 4, 1200))

	sum, err := h.proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Flows)
	assert.Equal(t, 1, sum.Findings)
	assert.Equal(t, 1, sum.Inserted)

	all, err := h.alerts.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "New outbound connection detected", all[0].Category)
	assert.Equal(t, "10.0.0.5", all[0].IPAddress)
	require.Len(t, h.notified.messages, 1)
	assert.Contains(t, h.notified.messages[0], "93.184.216.34")

	rows, err := h.ledger.All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(4), rows[0].Packets)
	assert.Equal(t, uint64(1200), rows[0].Bytes)

	// Already alerted: the next cycle stays quiet.
	h.receive(t, record("10.0.0.5", "93.184.216.34", 51000, 443, netflow.ProtocolTCP, 4, 1200))
	sum, err = h.proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Findings)
	assert.Len(t, h.notified.messages, 1)
}

func TestBroadcastFlowsAreTaggedAndExcluded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{
		settings.LocalNetworks:        "10.0.0.0/24",
		settings.RemoveBroadcastFlows: "1",
		"LocalFlowsDetection":         "1",
		"ForeignFlowsDetection":       "1",
		"RouterFlowsDetection":        "1",
	})
	h.receive(t, record("10.0.0.5", "10.0.0.255", 40000, 137, netflow.ProtocolUDP, 1, 78))

	sum, err := h.proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Flows)
	assert.Equal(t, 0, sum.Findings)

	rows, err := h.ledger.All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Broadcast;", rows[0].Tags)
}

func TestNewHostIsRegisteredOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{
		"NewHostsDetection":    "1",
		settings.LocalNetworks: "10.0.0.0/24",
	})
	h.receive(t, record("10.0.0.5", "93.184.216.34", 51000, 443, netflow.ProtocolTCP, 4, 1200))

	sum, err := h.proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Inserted)

	state, ok, err := h.hosts.Get(ctx, "10.0.0.5")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", state.IP)

	h.receive(t, record("10.0.0.5", "93.184.216.34", 51001, 443, netflow.ProtocolTCP, 4, 1200))
	sum, err = h.proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Findings)
}

func TestDeadConnectionFiresOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{
		"DeadConnectionDetection": "1",
		settings.LocalNetworks:    "10.0.0.0/24",
	})
	h.receive(t, record("10.0.0.5", "203.0.113.9", 51000, 8443, netflow.ProtocolTCP, 12, 720))

	sum, err := h.proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Inserted)

	rows, err := h.ledger.All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].HasTag(models.TagDeadConnection))

	h.receive(t, record("10.0.0.5", "203.0.113.9", 51000, 8443, netflow.ProtocolTCP, 12, 720))
	sum, err = h.proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Findings)
}

func TestCustomTagAlertOnlyForRowsMergedThisCycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{
		"CustomTagAlertDetection":  "1",
		settings.CustomTagEntries:  "1",
		settings.AlertOnCustomTags: "Web",
		settings.LocalNetworks:     "10.0.0.0/24",
	}, models.MatchEntry{ID: "1", SrcIP: "*", DstIP: "*", DstPort: "443", Protocol: "6", Tag: "Web"})

	h.receive(t, record("10.0.0.5", "93.184.216.34", 51000, 443, netflow.ProtocolTCP, 4, 1200))
	sum, err := h.proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Inserted)

	all, err := h.alerts.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Custom tag alert detected", all[0].Category)
	assert.Equal(t, "Web", all[0].Enrichment1)

	// A different flow in the next cycle leaves the tagged row untouched.
	h.receive(t, record("10.0.0.5", "93.184.216.34", 51000, 80, netflow.ProtocolTCP, 4, 1200))
	sum, err = h.proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Findings)
}

func TestEmptyStagingSkipsDetection(t *testing.T) {
	h := newHarness(t, map[string]string{"NewHostsDetection": "1"})
	sum, err := h.proc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, sum)
}

type flakyLedger struct {
	*ledger.RedisStore
	failures int
}

func (l *flakyLedger) Merge(ctx context.Context, flows []models.FlowRecord, now time.Time) ([]models.LedgerEntry, error) {
	if l.failures > 0 {
		l.failures--
		return nil, errors.New("store lock timeout")
	}
	return l.RedisStore.Merge(ctx, flows, now)
}

func TestFailedMergeReplaysBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{
		"NewOutboundDetection": "2",
		settings.LocalNetworks: "10.0.0.0/24",
	})
	h.proc.deps.Ledger = &flakyLedger{RedisStore: h.ledger, failures: 1}
	h.receive(t, record("10.0.0.5", "93.184.216.34", 51000, 443, netflow.ProtocolTCP, 4, 1200))

	_, err := h.proc.RunOnce(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store lock timeout")

	sum, err := h.proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Flows)
	assert.Equal(t, 1, sum.Inserted)
	require.Len(t, h.notified.messages, 1)

	rows, err := h.ledger.All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(4), rows[0].Packets)

	sum, err = h.proc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Flows)
}

type brokenSettings struct{}

func (brokenSettings) Load(context.Context) (*settings.Snapshot, error) {
	return nil, errors.New("connection refused")
}

func TestSettingsFailureAbortsCycle(t *testing.T) {
	h := newHarness(t, nil)
	h.proc.deps.Settings = brokenSettings{}
	_, err := h.proc.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load settings")
}
