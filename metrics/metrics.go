// Package metrics exposes Prometheus counters for authentication outcomes.
package metrics

import (
	"github.com/layer-3/warden/core"
	"github.com/prometheus/client_golang/prometheus"
)

// Operation labels.
const (
	OpNonce        = "nonce"
	OpLogin        = "login"
	OpRotate       = "rotate"
	OpLogout       = "logout"
	OpGuardAccess  = "guard_access"
	OpGuardRefresh = "guard_refresh"
	OpSweep        = "sweep"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	outcomes *prometheus.CounterVec
	swept    *prometheus.CounterVec
	sessions prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "auth_operations_total",
			Help:      "Authentication operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "swept_records_total",
			Help:      "Expired records removed by the sweeper.",
		}, []string{"kind"}),
		sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "sessions_created_total",
			Help:      "Sessions created by successful logins.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.outcomes, m.swept, m.sessions)
	}
	return m
}

// Observe counts one op with the outcome derived from err.
func (m *Metrics) Observe(op string, err error) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(op, core.ErrorKind(err)).Inc()
}

// SessionCreated counts a new session.
func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

// Swept adds n removed records of kind ("nonce" or "session").
func (m *Metrics) Swept(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.WithLabelValues(kind).Add(float64(n))
}
