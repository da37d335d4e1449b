package collector

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

	"flowsentry/internal/ledger"
	"flowsentry/internal/netflow"
	"flowsentry/internal/settings"
	"flowsentry/internal/tagging"
	"flowsentry/pkg/models"
)

func datagram(n int) []byte {
	h := netflow.Header{Version: netflow.Version, SysUptime: 60_000, UnixSecs: uint32(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Unix())}
	recs := make([]netflow.Record, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, netflow.Record{
			SrcAddr:  net.IPv4(10, 0, 0, 5).To4(),
			DstAddr:  net.IPv4(10, 0, 0, 255).To4(),
			NextHop:  net.IPv4zero.To4(),
			Packets:  3,
			Octets:   300,
			First:    50_000,
			Last:     59_000,
			SrcPort:  uint16(40000 + i),
			DstPort:  137,
			Protocol: netflow.ProtocolUDP,
		})
	}
	return netflow.Encode(h, recs)
}

func newLedger(t *testing.T) (*ledger.RedisStore, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return ledger.NewRedisStore(client, "fs"), client
}

func localSettings() *settings.Cache {
	return settings.NewCache(settings.Static{Values: map[string]string{settings.LocalNetworks: "10.0.0.0/24"}}, time.Minute)
}

func TestDropQueueEvictsOldest(t *testing.T) {
	q := newDropQueue(2)
	assert.False(t, q.push([]byte("a")))
	assert.False(t, q.push([]byte("b")))
	assert.True(t, q.push([]byte("c")))
	q.close()

	var got []string
	for b := range q.ch {
		got = append(got, string(b))
	}
	assert.Equal(t, []string{"b", "c"}, got)
}

func TestHandleTagsAndStages(t *testing.T) {
	ctx := context.Background()
	store, _ := newLedger(t)
	c := New(Config{}, tagging.New(nil), localSettings(), store)

	require.NoError(t, c.Handle(ctx, datagram(2)))

	flows, err := store.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, flows, 2)
	for _, f := range flows {
		assert.Equal(t, "10.0.0.255", f.DstIP)
		assert.True(t, f.HasTag(models.TagBroadcast))
	}
}

func TestHandleDropsMalformedDatagram(t *testing.T) {
	ctx := context.Background()
	store, _ := newLedger(t)
	c := New(Config{}, nil, nil, store)

	assert.NoError(t, c.Handle(ctx, []byte{0, 5, 0}))

	flows, err := store.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, flows)
}

type failingStager struct{}

func (failingStager) Stage(context.Context, []models.FlowRecord) error {
	return errors.New("redis down")
}

func TestHandleReportsStageFailure(t *testing.T) {
	c := New(Config{}, nil, nil, failingStager{})
	err := c.Handle(context.Background(), datagram(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
}

func TestRunStagesUDPDatagrams(t *testing.T) {
	store, _ := newLedger(t)
	src, err := ListenUDP("127.0.0.1:0", 50*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New(Config{Workers: 2}, nil, localSettings(), store, src)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	conn, err := net.Dial("udp", src.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(datagram(1))
	require.NoError(t, err)

	var flows []models.FlowRecord
	require.Eventually(t, func() bool {
		got, err := store.Drain(context.Background())
		if err != nil || store.Ack(context.Background()) != nil {
			return false
		}
		flows = append(flows, got...)
		return len(flows) > 0
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, uint16(137), flows[0].DstPort)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop")
	}
}

func TestRunRelaysFromRedisList(t *testing.T) {
	store, client := newLedger(t)
	src, err := NewRedisListSource(client, "fs:relay", 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, client.RPush(context.Background(), "fs:relay", datagram(3)).Err())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- New(Config{Workers: 1}, nil, localSettings(), store, src).Run(ctx) }()

	var flows []models.FlowRecord
	require.Eventually(t, func() bool {
		got, err := store.Drain(context.Background())
		if err != nil || store.Ack(context.Background()) != nil {
			return false
		}
		flows = append(flows, got...)
		return len(flows) == 3
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
