package automation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "threadrelay",
		Subsystem: "automation",
		Name:      "runs_total",
		Help:      "Automation attempts in destination pages by outcome.",
	}, []string{"outcome"})
	metricCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "threadrelay",
		Subsystem: "automation",
		Name:      "completion_observations_total",
		Help:      "Submit control observations by outcome (scrolled, control_missing, timeout, error).",
	}, []string{"outcome"})
)

func recordRun(outcome string) {
	metricRuns.WithLabelValues(outcome).Inc()
}

func recordCompletion(outcome string) {
	metricCompletions.WithLabelValues(outcome).Inc()
}
