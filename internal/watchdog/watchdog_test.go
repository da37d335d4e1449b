package watchdog

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthReportsStaleLoops(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := New(time.Minute)
	w.now = func() time.Time { return clock }

	beatCollector := w.Register("collector", 0)
	w.Register("processor", 0)

	srv := httptest.NewServer(w.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	clock = clock.Add(2 * time.Minute)
	beatCollector()

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "stale", body.Status)
	assert.Equal(t, []string{"processor"}, body.Stale)
}

func TestPerLoopDeadline(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := New(time.Minute)
	w.now = func() time.Time { return clock }
	w.Register("fetcher", 48*time.Hour)
	w.Register("processor", 0)
	w.Beat("unknown")

	clock = clock.Add(time.Hour)
	assert.Equal(t, []string{"processor"}, w.Stale())
}

func TestMetricsEndpoint(t *testing.T) {
	w := New(0)
	w.Register("fetcher", time.Hour)
	w.Stale()

	rec := httptest.NewRecorder()
	w.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `flowsentry_watchdog_loop_stale{loop="fetcher"} 0`)

	rec = httptest.NewRecorder()
	w.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
