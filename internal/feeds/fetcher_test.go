package feeds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRanges(t *testing.T) {
	entries, err := ParseRanges(strings.NewReader(`# label,start,end,netmask,category
NL-net,203.0.113.0,203.0.113.255,24,Netherlands
broken line
wide,203.0.0.0,203.0.255.255,,Oz
`))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "Netherlands", entries[0].Category)
	assert.Equal(t, 16, entries[1].Netmask)
}

func TestParseCIDRsAndIPs(t *testing.T) {
	entries, err := ParseCIDRs(strings.NewReader("198.51.100.0/24 ; SBL123\n; comment\n192.0.2.7\nnot-a-net\n"), "drop")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "198.51.100.0/24", entries[0].Label)
	assert.Equal(t, "drop", entries[0].Category)
	assert.Equal(t, 32, entries[1].Netmask)

	ips, err := ParseIPs(strings.NewReader("192.0.2.77\n::1\n192.0.2.78 exit\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.77", "192.0.2.78"}, ips)
}

func TestRefreshBuildsTablesAndKeepsPreviousOnFailure(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("198.51.100.0/24;SBL1\n"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	geoPath := filepath.Join(dir, "geo.csv")
	require.NoError(t, os.WriteFile(geoPath, []byte("NL-net,203.0.113.0,203.0.113.255,24,Netherlands\n"), 0o644))
	torPath := filepath.Join(dir, "tor.txt")
	require.NoError(t, os.WriteFile(torPath, []byte("192.0.2.77\n"), 0o644))

	f := New([]Feed{
		{Name: "geo", Kind: KindGeolocation, Format: FormatRanges, Path: geoPath},
		{Name: "drop", Kind: KindReputation, Format: FormatCIDR, URL: srv.URL},
		{Name: "tor", Kind: KindTor, Format: FormatIPs, Path: torPath},
		{Name: "missing", Kind: KindASN, Format: FormatRanges},
	}, time.Second)

	assert.Equal(t, 0, f.Tables().Geo.Len())
	f.Refresh(context.Background())

	tables := f.Tables()
	geo, ok := tables.GeoOf("203.0.113.10")
	require.True(t, ok)
	assert.Equal(t, "Netherlands", geo.Country())
	rep, ok := tables.ReputationOf("198.51.100.9")
	require.True(t, ok)
	assert.Equal(t, "drop", rep.Category)
	assert.True(t, tables.IsTor("192.0.2.77"))
	assert.Equal(t, 0, tables.ASN.Len())

	fail.Store(true)
	f.Refresh(context.Background())
	_, ok = f.Tables().ReputationOf("198.51.100.9")
	assert.True(t, ok, "failed refresh keeps previous reputation data")
}

func TestRunStopsOnCancel(t *testing.T) {
	f := New(nil, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	beats := make(chan struct{}, 4)
	done := make(chan struct{})
	go func() {
		f.Run(ctx, time.Hour, func() { beats <- struct{}{} })
		close(done)
	}()
	<-beats
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
