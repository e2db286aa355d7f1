package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"meanrev/internal/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meanrev"

// Metrics owns a private registry and the collectors used by execution, backtest and live.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	OrderAttempts  *prometheus.CounterVec
	OrderRetries   *prometheus.CounterVec
	OrderOutcomes  *prometheus.CounterVec
	FillQuantity   *prometheus.CounterVec
	BreakerState   *prometheus.GaugeVec
	Signals        *prometheus.CounterVec
	BarsProcessed  prometheus.Counter
	BacktestRuns   *prometheus.CounterVec
	BacktestTiming prometheus.Histogram
	Equity         prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: reg}
	m.OrderAttempts = m.counterVec("order_attempts_total", "Order submission attempts.", "symbol")
	m.OrderRetries = m.counterVec("order_retries_total", "Order submissions retried after a transient error.", "symbol")
	m.OrderOutcomes = m.counterVec("order_outcomes_total", "Orders reaching a terminal status.", "symbol", "status")
	m.FillQuantity = m.counterVec("fill_quantity_total", "Filled quantity.", "symbol", "side")
	m.Signals = m.counterVec("signals_total", "Signals emitted by the dispatcher.", "type")
	m.BacktestRuns = m.counterVec("backtest_runs_total", "Completed backtest runs.", "result")

	m.BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
	}, []string{"name"})
	m.BarsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bars_processed_total",
		Help:      "Bars processed by the driving loop.",
	})
	m.BacktestTiming = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "backtest_duration_seconds",
		Help:      "Wall time of one backtest run.",
		Buckets:   prometheus.DefBuckets,
	})
	m.Equity = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "equity",
		Help:      "Latest marked account equity.",
	})
	reg.MustRegister(m.BreakerState, m.BarsProcessed, m.BacktestTiming, m.Equity)
	return m
}

func (m *Metrics) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	m.registry.MustRegister(cv)
	return cv
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveAttempt(symbol string, retry bool) {
	if m == nil {
		return
	}
	m.OrderAttempts.WithLabelValues(symbol).Inc()
	if retry {
		m.OrderRetries.WithLabelValues(symbol).Inc()
	}
}

func (m *Metrics) ObserveOutcome(symbol, status string) {
	if m == nil {
		return
	}
	m.OrderOutcomes.WithLabelValues(symbol, status).Inc()
}

func (m *Metrics) ObserveFill(symbol, side string, qty float64) {
	if m == nil || qty <= 0 {
		return
	}
	m.FillQuantity.WithLabelValues(symbol, side).Add(qty)
}

func (m *Metrics) ObserveBreaker(name string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}

func (m *Metrics) ObserveSignal(kind string) {
	if m == nil {
		return
	}
	m.Signals.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveBar(equity float64) {
	if m == nil {
		return
	}
	m.BarsProcessed.Inc()
	m.Equity.Set(equity)
}

func (m *Metrics) ObserveRun(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.BacktestRuns.WithLabelValues(result).Inc()
	m.BacktestTiming.Observe(elapsed.Seconds())
}

// Handler serves the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("[metrics] listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
