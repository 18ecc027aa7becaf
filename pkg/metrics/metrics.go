// pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GateOutcomes counts terminal gate states per request
	// (public_allowed, unauthenticated_redirect, authorized, ...).
	GateOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deskgate_gate_outcomes_total",
		Help: "Request gate terminal states.",
	}, []string{"outcome"})

	// SessionAcquire observes how long tenant-scoped sessions wait for
	// a pooled connection; the +Inf-ish buckets surface pool pressure
	// before PoolExhausted starts firing.
	SessionAcquire = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "deskgate_session_acquire_seconds",
		Help:    "Time spent acquiring a tenant-scoped pooled connection.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	// ScopeViolations counts rejected cross-tenant writes.
	ScopeViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deskgate_tenant_scope_violations_total",
		Help: "Writes rejected for carrying an out-of-scope tenant id.",
	})
)
