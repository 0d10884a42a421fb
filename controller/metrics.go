package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	cycles      *prometheus.CounterVec
	cycleErrors prometheus.Counter
	issues      *prometheus.CounterVec
	improvement prometheus.Gauge
	failures    prometheus.Gauge
	state       prometheus.Gauge
}

// NewMetrics registers the controller metrics on reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "remediation_cycles_total",
			Help: "Completed control cycles by outcome.",
		}, []string{"outcome"}),
		cycleErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "remediation_cycle_errors_total",
			Help: "Cycles that ended in an unhandled error.",
		}),
		issues: f.NewCounterVec(prometheus.CounterOpts{
			Name: "remediation_issues_detected_total",
			Help: "Issues detected by type and severity.",
		}, []string{"type", "severity"}),
		improvement: f.NewGauge(prometheus.GaugeOpts{
			Name: "remediation_improvement_percent",
			Help: "Improvement measured after the last applied remediation.",
		}),
		failures: f.NewGauge(prometheus.GaugeOpts{
			Name: "remediation_consecutive_failures",
			Help: "Consecutive failed cycles.",
		}),
		state: f.NewGauge(prometheus.GaugeOpts{
			Name: "remediation_state",
			Help: "Current controller state as its ordinal.",
		}),
	}
}
