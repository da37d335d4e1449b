// Package watchdog tracks loop heartbeats and serves health and metrics.
package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"flowsentry/internal/logger"
	"flowsentry/internal/metrics"
)

type loop struct {
	last       time.Time
	staleAfter time.Duration
}

// Watchdog records the last heartbeat of every registered loop.
type Watchdog struct {
	staleAfter time.Duration
	now        func() time.Time

	mu    sync.Mutex
	loops map[string]*loop
}

// New builds a watchdog. staleAfter is the default deadline of a loop, five
// minutes when zero.
func New(staleAfter time.Duration) *Watchdog {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &Watchdog{staleAfter: staleAfter, now: time.Now, loops: map[string]*loop{}}
}

// Register adds a loop and returns its heartbeat func. A zero staleAfter
// uses the watchdog default.
func (w *Watchdog) Register(name string, staleAfter time.Duration) func() {
	if staleAfter <= 0 {
		staleAfter = w.staleAfter
	}
	w.mu.Lock()
	w.loops[name] = &loop{last: w.now(), staleAfter: staleAfter}
	w.mu.Unlock()
	return func() { w.Beat(name) }
}

// Beat marks name alive. Unknown names are ignored.
func (w *Watchdog) Beat(name string) {
	w.mu.Lock()
	if l, ok := w.loops[name]; ok {
		l.last = w.now()
	}
	w.mu.Unlock()
}

// Stale returns the loops that missed their deadline, sorted.
func (w *Watchdog) Stale() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	var stale []string
	for name, l := range w.loops {
		if now.Sub(l.last) > l.staleAfter {
			stale = append(stale, name)
			metrics.LoopStale.WithLabelValues(name).Set(1)
			continue
		}
		metrics.LoopStale.WithLabelValues(name).Set(0)
	}
	sort.Strings(stale)
	return stale
}

type health struct {
	Status string               `json:"status"`
	Stale  []string             `json:"stale,omitempty"`
	Loops  map[string]time.Time `json:"loops"`
}

// Router serves GET /healthz and GET /metrics.
func (w *Watchdog) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", w.healthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

func (w *Watchdog) healthHandler(rw http.ResponseWriter, _ *http.Request) {
	stale := w.Stale()
	w.mu.Lock()
	loops := make(map[string]time.Time, len(w.loops))
	for name, l := range w.loops {
		loops[name] = l.last.UTC()
	}
	w.mu.Unlock()

	body := health{Status: "ok", Stale: stale, Loops: loops}
	code := http.StatusOK
	if len(stale) > 0 {
		body.Status = "stale"
		code = http.StatusServiceUnavailable
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(body)
}

// Run serves the router on addr and logs stale loops every interval until
// ctx is cancelled. An empty addr disables the HTTP server.
func (w *Watchdog) Run(ctx context.Context, addr string, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}

	var server *http.Server
	errCh := make(chan error, 1)
	if addr != "" {
		server = &http.Server{Addr: addr, Handler: w.Router(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Infof("Watchdog listening on %s", addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if server != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					logger.Warnf("Watchdog shutdown: %v", err)
				}
			}
			return ctx.Err()
		case err := <-errCh:
			logger.Errorf("Watchdog server failed: %v", err)
			server = nil
		case <-ticker.C:
			if stale := w.Stale(); len(stale) > 0 {
				logger.Warnf("Loops missed their heartbeat: %v", stale)
			}
		}
	}
}
