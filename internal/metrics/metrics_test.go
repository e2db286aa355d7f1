package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Observe(t *testing.T) {
	m := New()
	m.ObserveAttempt("SPY", false)
	m.ObserveAttempt("SPY", true)
	m.ObserveOutcome("SPY", "filled")
	m.ObserveFill("SPY", "buy", 10)
	m.ObserveFill("SPY", "buy", 0)
	m.ObserveBreaker("paper", 1)
	m.ObserveSignal("buy")
	m.ObserveBar(10250)
	m.ObserveRun("done", 50*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OrderAttempts.WithLabelValues("SPY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OrderRetries.WithLabelValues("SPY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OrderOutcomes.WithLabelValues("SPY", "filled")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.FillQuantity.WithLabelValues("SPY", "buy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("paper")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BarsProcessed))
	assert.Equal(t, 10250.0, testutil.ToFloat64(m.Equity))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BacktestRuns.WithLabelValues("done")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveAttempt("SPY", true)
		m.ObserveOutcome("SPY", "filled")
		m.ObserveFill("SPY", "buy", 1)
		m.ObserveBreaker("x", 0)
		m.ObserveSignal("sell")
		m.ObserveBar(1)
		m.ObserveRun("done", time.Second)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveSignal("buy")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `meanrev_signals_total{type="buy"} 1`)
}
