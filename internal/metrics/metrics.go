// Package metrics defines nclav's Prometheus instrumentation, exposed at
// GET /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles nclav's registered counters, histogram and gauge. The
// reconciler updates ReconcilesTotal, IacRunsTotal and IacRunDuration;
// nothing updates ResourceErrorTotal or ResourcesByStatus.
type Metrics struct {
	ReconcilesTotal    *prometheus.CounterVec
	ResourceErrorTotal *prometheus.CounterVec
	IacRunsTotal       *prometheus.CounterVec
	IacRunDuration     *prometheus.HistogramVec
	ResourcesByStatus  *prometheus.GaugeVec
}

// New constructs and registers every metric against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReconcilesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nclav",
			Name:      "reconciles_total",
			Help:      "Total number of reconcile passes, by outcome.",
		}, []string{"outcome"}),
		ResourceErrorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nclav",
			Name:      "resource_errors_total",
			Help:      "Total number of per-resource errors, by error kind.",
		}, []string{"kind"}),
		IacRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nclav",
			Name:      "iac_runs_total",
			Help:      "Total number of IaC runs, by operation and status.",
		}, []string{"operation", "status"}),
		IacRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nclav",
			Name:      "iac_run_duration_seconds",
			Help:      "Duration of IaC runs in seconds, by operation.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"operation"}),
		ResourcesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nclav",
			Name:      "resources_by_status",
			Help:      "Current count of enclave/partition resources by kind and status.",
		}, []string{"kind", "status"}),
	}

	reg.MustRegister(m.ReconcilesTotal, m.ResourceErrorTotal, m.IacRunsTotal, m.IacRunDuration, m.ResourcesByStatus)
	return m
}
