// Package observability exposes the control plane's prometheus metrics.
// Repeated reconciliation failure is surfaced here so operators see
// degraded instances instead of a silent drop.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faas_reconcile_runs_total",
		Help: "Instance reconciliation attempts by result (ready, degraded, superseded, skipped, error).",
	}, []string{"result"})

	DegradedInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "faas_degraded_instances",
		Help: "Number of application instances currently in the degraded state.",
	})

	CompileFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "faas_compile_failures_total",
		Help: "Function compilations rejected by the artifact compiler.",
	})

	QuotaDenials = promauto.NewCounter(prometheus.CounterOpts{
		Name: "faas_quota_denials_total",
		Help: "Mutations denied by the quota admission controller.",
	})

	TriggerFirings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faas_trigger_firings_total",
		Help: "Scheduled trigger firings by outcome (invoked, missed, failed).",
	}, []string{"outcome"})

	RouteResolves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faas_route_resolves_total",
		Help: "Gateway route lookups by outcome (hit, miss).",
	}, []string{"outcome"})
)
