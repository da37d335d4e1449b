package settings

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowsentry/pkg/models"
)

func TestSnapshotGetters(t *testing.T) {
	s := New(map[string]string{
		"NewOutboundDetection": "2",
		"Broken":               "9",
		MaxPackets:             "abc",
		LocalNetworks:          "10.0.0.0/24, 192.168.1.0/24,bogus, 172.16.0.9",
		HighRiskPorts:          "22, 137-139,x",
		BannedCountries:        "North Korea,Iran",
		RemoveBroadcastFlows:   "1",
	}, nil, nil)

	assert.Equal(t, 2, s.Level("NewOutboundDetection"))
	assert.Equal(t, LevelDisabled, s.Level("Broken"))
	assert.Equal(t, LevelDisabled, s.Level("Missing"))
	assert.Equal(t, int64(DefaultMaxPackets), s.Int(MaxPackets, DefaultMaxPackets))
	assert.True(t, s.Bool(RemoveBroadcastFlows))
	assert.False(t, s.Bool(RemoveMulticastFlows))

	assert.Len(t, s.Networks(LocalNetworks), 3)
	assert.True(t, s.InNetworks(LocalNetworks, "10.0.0.77"))
	assert.True(t, s.InNetworks(LocalNetworks, "172.16.0.9"))
	assert.False(t, s.InNetworks(LocalNetworks, "172.16.0.10"))

	ports := s.Ports(HighRiskPorts, DefaultHighRiskPorts)
	assert.Len(t, ports, 4)
	_, ok := ports[138]
	assert.True(t, ok)

	assert.True(t, s.Contains(BannedCountries, "iran"))
	assert.False(t, s.Contains(BannedCountries, "France"))

	def := New(nil, nil, nil).Ports(HighRiskPorts, DefaultHighRiskPorts)
	assert.Len(t, def, len(DefaultHighRiskPorts))
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisSourceSeedKeepsExistingValues(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)
	src := NewRedisSource(client, "fs")

	require.NoError(t, client.HSet(ctx, "fs:settings", "NewHostsDetection", "3").Err())
	require.NoError(t, src.Seed(ctx,
		map[string]string{"NewHostsDetection": "1", LocalNetworks: "10.0.0.0/24"},
		[]models.MatchEntry{{SrcIP: "*", DstIP: "*", DstPort: "443", Protocol: "6"}},
		[]models.MatchEntry{{ID: "nas", SrcIP: "10.0.0.9", DstIP: "*", DstPort: "*", Protocol: "*", Tag: "NAS"}},
	))

	snap, err := src.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Level("NewHostsDetection"))
	assert.True(t, snap.InNetworks(LocalNetworks, "10.0.0.1"))
	require.Len(t, snap.IgnoreList, 1)
	assert.Equal(t, "1", snap.IgnoreList[0].ID)
	require.Len(t, snap.CustomTags, 1)
	assert.Equal(t, "NAS", snap.CustomTags[0].Tag)
}

type countingSource struct {
	loads int
}

func (c *countingSource) Load(context.Context) (*Snapshot, error) {
	c.loads++
	return New(map[string]string{"n": "1"}, nil, nil), nil
}

func TestCacheReloadsAfterTTL(t *testing.T) {
	src := &countingSource{}
	c := NewCache(src, time.Minute)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, err := c.Get(context.Background())
	require.NoError(t, err)
	_, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, src.loads)

	now = now.Add(2 * time.Minute)
	_, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, src.loads)
}
