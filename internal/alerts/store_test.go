package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowsentry/internal/settings"
	"flowsentry/pkg/models"
)

type recorder struct {
	messages []string
}

func (r *recorder) Notify(_ context.Context, message string, _ models.FlowRecord) {
	r.messages = append(r.messages, message)
}

func newStore(t *testing.T) (*Store, *recorder) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	rec := &recorder{}
	s := NewStore(client, "fs", rec)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return s, rec
}

func finding(enrichment string) models.Finding {
	return models.Finding{
		Detector:    "NewOutboundDetection",
		Message:     "New outbound connection from 10.0.0.5 to 93.184.216.34:443",
		ActorIP:     "10.0.0.5",
		Flow:        models.FlowRecord{FlowKey: models.FlowKey{SrcIP: "10.0.0.5", DstIP: "93.184.216.34", SrcPort: 51000, DstPort: 443, Protocol: 6}},
		Category:    "New outbound connection detected",
		Enrichment1: enrichment,
		AlertID:     ID("10.0.0.5", "93.184.216.34", "6", "443", "NewOutboundDetection"),
	}
}

func snap(level string) *settings.Snapshot {
	return settings.New(map[string]string{"NewOutboundDetection": level}, nil, nil)
}

func TestReRaisingKeepsOneRow(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	res, err := s.Handle(ctx, snap("1"), finding("first"))
	require.NoError(t, err)
	assert.Equal(t, Inserted, res)
	res, err = s.Handle(ctx, snap("1"), finding("second"))
	require.NoError(t, err)
	assert.Equal(t, Updated, res)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	a := all[0]
	assert.Equal(t, "10.0.0.5_93.184.216.34_6_443_NewOutboundDetection", a.ID)
	assert.Equal(t, int64(2), a.TimesSeen)
	assert.Equal(t, "first", a.Enrichment1)
	assert.True(t, a.LastSeen.After(a.FirstSeen))
	assert.False(t, a.Acknowledged)
	assert.Contains(t, a.Flow, `"dst_port":443`)
}

func TestSeverityGatesNotification(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		level    string
		results  []Result
		notified int
	}{
		{"0", []Result{Skipped, Skipped}, 0},
		{"1", []Result{Inserted, Updated}, 0},
		{"2", []Result{Inserted, Updated}, 1},
		{"3", []Result{Inserted, Updated}, 2},
		{"7", []Result{Skipped, Skipped}, 0},
	}
	for _, tc := range cases {
		t.Run("level "+tc.level, func(t *testing.T) {
			s, rec := newStore(t)
			for _, want := range tc.results {
				got, err := s.Handle(ctx, snap(tc.level), finding(""))
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}
			assert.Len(t, rec.messages, tc.notified)
		})
	}
}

func TestIDsAndMissingID(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	_, err := s.Handle(ctx, snap("1"), finding(""))
	require.NoError(t, err)
	ids, err := s.IDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, "10.0.0.5_93.184.216.34_6_443_NewOutboundDetection")

	f := finding("")
	f.AlertID = ""
	res, err := s.Handle(ctx, snap("1"), f)
	assert.Error(t, err)
	assert.Equal(t, Failed, res)
}
