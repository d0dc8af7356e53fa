package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "threadrelay",
		Subsystem: "orchestrator",
		Name:      "requests_total",
		Help:      "openDestination requests handled, by outcome.",
	}, []string{"outcome"})
	metricTabsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "threadrelay",
		Subsystem: "orchestrator",
		Name:      "tabs_created_total",
		Help:      "Destination tabs opened by the orchestrator.",
	})
	metricTabsReused = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "threadrelay",
		Subsystem: "orchestrator",
		Name:      "tabs_reused_total",
		Help:      "Requests served by an already open destination tab.",
	})
	metricLoadSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "threadrelay",
		Subsystem: "orchestrator",
		Name:      "tab_load_seconds",
		Help:      "Time from tab resolution to load completion.",
		Buckets:   prometheus.DefBuckets,
	})
)

func recordRequest(outcome string) {
	metricRequests.WithLabelValues(outcome).Inc()
}

func recordTab(reused bool) {
	if reused {
		metricTabsReused.Inc()
		return
	}
	metricTabsCreated.Inc()
}

func recordLoad(d time.Duration) {
	metricLoadSeconds.Observe(d.Seconds())
}
