package ledger

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

func newStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "fs"), mr
}

func TestStageAggregatesAndDrainClears(t *testing.T) {
	ctx := context.Background()
	s, mr := newStore(t)

	a := rec(4, 1200, base.Add(time.Second), "")
	b := rec(2, 100, base.Add(2*time.Second), "Web;")
	b.FlowStart = base.Add(time.Second)
	require.NoError(t, s.Stage(ctx, []models.FlowRecord{a}))
	require.NoError(t, s.Stage(ctx, []models.FlowRecord{b}))

	flows, err := s.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, flows, 1)
	got := flows[0]
	assert.Equal(t, a.FlowKey, got.FlowKey)
	assert.Equal(t, uint64(6), got.Packets)
	assert.Equal(t, uint64(1300), got.Bytes)
	assert.Equal(t, uint64(2), got.TimesSeen)
	assert.Equal(t, base, got.FlowStart)
	assert.Equal(t, base.Add(2*time.Second), got.FlowEnd)
	assert.Equal(t, "Web;", got.Tags)

	assert.False(t, mr.Exists("fs:staging"))
	assert.True(t, mr.Exists("fs:staging:processing"))

	require.NoError(t, s.Ack(ctx))
	assert.False(t, mr.Exists("fs:staging:processing"))

	flows, err = s.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, flows)
}

func TestUnacknowledgedDrainIsReplayed(t *testing.T) {
	ctx := context.Background()
	s, mr := newStore(t)

	require.NoError(t, s.Stage(ctx, []models.FlowRecord{rec(4, 1200, base, "")}))
	first, err := s.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Flows staged meanwhile wait for the snapshot to be acknowledged.
	later := rec(1, 60, base, "")
	later.DstPort = 80
	require.NoError(t, s.Stage(ctx, []models.FlowRecord{later}))

	again, err := s.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.True(t, mr.Exists("fs:staging"))

	require.NoError(t, s.Ack(ctx))
	next, err := s.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, uint16(80), next[0].DstPort)
}

func TestMergeFoldsDuplicateKeys(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	merged, err := s.Merge(ctx, []models.FlowRecord{rec(4, 1200, base, ""), rec(6, 800, base.Add(time.Second), "Web;")}, base)
	require.NoError(t, err)
	require.Len(t, merged, 1)

	rows, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(10), rows[0].Packets)
	assert.Equal(t, uint64(2000), rows[0].Bytes)
	assert.Equal(t, uint64(2), rows[0].TimesSeen)
	assert.Equal(t, "Web;", rows[0].Tags)
}

func TestMergeIntoLedgerAndReadBack(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	now := base.Add(time.Minute)

	_, err := s.Merge(ctx, []models.FlowRecord{rec(4, 1200, base, "")}, now)
	require.NoError(t, err)
	merged, err := s.Merge(ctx, []models.FlowRecord{rec(6, 800, base.Add(time.Second), "Web;")}, now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, merged, 1)

	rows, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, merged[0], rows[0])
	assert.Equal(t, uint64(10), rows[0].Packets)
	assert.Equal(t, uint64(2000), rows[0].Bytes)
	assert.Equal(t, uint64(2), rows[0].TimesSeen)
	assert.Equal(t, now.Add(time.Minute), rows[0].LastSeen)
	assert.Equal(t, "Web;", rows[0].Tags)
}

func TestAppendTagIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	r := rec(9, 900, base, "Web;")

	_, err := s.Merge(ctx, []models.FlowRecord{r}, base)
	require.NoError(t, err)

	changed, err := s.AppendTag(ctx, r.FlowKey, models.TagDeadConnection)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = s.AppendTag(ctx, r.FlowKey, models.TagDeadConnection)
	require.NoError(t, err)
	assert.False(t, changed)

	missing := r.FlowKey
	missing.DstPort = 1
	changed, err = s.AppendTag(ctx, missing, models.TagDeadConnection)
	require.NoError(t, err)
	assert.False(t, changed)

	rows, err := s.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Web;DeadConnection;", rows[0].Tags)

	// A later merge replaces tags but keeps the dead connection marker.
	_, err = s.Merge(ctx, []models.FlowRecord{rec(1, 1, base, "")}, base)
	require.NoError(t, err)
	rows, err = s.All(ctx)
	require.NoError(t, err)
	assert.True(t, rows[0].HasTag(models.TagDeadConnection))
}
