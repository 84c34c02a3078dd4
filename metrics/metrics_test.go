package metrics

import (
	"fmt"
	"testing"

	"github.com/layer-3/warden/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Observe(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Observe(OpLogin, nil)
	m.Observe(OpLogin, nil)
	m.Observe(OpLogin, fmt.Errorf("wrapped: %w", core.ErrNonceReplay))
	m.Observe(OpGuardRefresh, core.ErrTokenMismatch)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.outcomes.WithLabelValues(OpLogin, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues(OpLogin, "nonce_replay")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues(OpGuardRefresh, "token_mismatch")))
}

func TestMetrics_SweptAndSessions(t *testing.T) {
	m := New(nil)

	m.Swept("session", 3)
	m.Swept("session", 0)
	m.SessionCreated()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.swept.WithLabelValues("session")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Observe(OpLogout, nil)
		m.SessionCreated()
		m.Swept("nonce", 1)
	})
}
