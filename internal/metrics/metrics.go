// Package metrics holds the Prometheus collectors of every loop.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is private to the process so tests can build fresh handlers.
var Registry = prometheus.NewRegistry()

var (
	DatagramsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowsentry", Subsystem: "collector", Name: "datagrams_received_total",
		Help: "NetFlow datagrams read from the socket.",
	})
	DatagramsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowsentry", Subsystem: "collector", Name: "datagrams_dropped_total",
		Help: "Datagrams evicted from a full queue.",
	})
	DecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowsentry", Subsystem: "collector", Name: "decode_errors_total",
		Help: "Datagrams rejected by the decoder.",
	}, []string{"reason"})
	FlowsStaged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowsentry", Subsystem: "collector", Name: "flows_staged_total",
		Help: "Flow records written to staging.",
	})
	StageErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowsentry", Subsystem: "collector", Name: "stage_errors_total",
		Help: "Failed staging writes.",
	})

	CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "flowsentry", Subsystem: "processor", Name: "cycle_duration_seconds",
		Help:    "Duration of one processing cycle.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
	BatchSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowsentry", Subsystem: "processor", Name: "batch_flows",
		Help: "Flows drained in the last cycle.",
	})
	CycleErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowsentry", Subsystem: "processor", Name: "cycle_errors_total",
		Help: "Cycles aborted by a store error.",
	})
	Alerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowsentry", Subsystem: "alerts", Name: "handled_total",
		Help: "Alert candidates by detector and outcome.",
	}, []string{"detector", "result"})
	DetectorErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowsentry", Subsystem: "detect", Name: "errors_total",
		Help: "Detector evaluation failures.",
	}, []string{"detector"})
	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowsentry", Subsystem: "notify", Name: "sent_total",
		Help: "Notification deliveries by sender and outcome.",
	}, []string{"sender", "result"})

	FeedErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowsentry", Subsystem: "feeds", Name: "refresh_errors_total",
		Help: "Failed feed refreshes.",
	}, []string{"feed"})
	FeedEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "flowsentry", Subsystem: "feeds", Name: "entries",
		Help: "Entries loaded per feed.",
	}, []string{"feed"})

	LoopStale = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "flowsentry", Subsystem: "watchdog", Name: "loop_stale",
		Help: "1 when a loop missed its heartbeat deadline.",
	}, []string{"loop"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		DatagramsReceived, DatagramsDropped, DecodeErrors, FlowsStaged, StageErrors,
		CycleDuration, BatchSize, CycleErrors, Alerts, DetectorErrors, Notifications,
		FeedErrors, FeedEntries, LoopStale,
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
