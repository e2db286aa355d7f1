package live

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"meanrev/internal/config"
	"meanrev/internal/execution"
	"meanrev/internal/logger"
	"meanrev/internal/market"
	"meanrev/internal/portfolio"
	"meanrev/internal/signal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type staticProvider struct {
	bars map[string][]market.Bar
}

func (p staticProvider) GetBars(_ context.Context, symbol string, start, end time.Time) ([]market.Bar, error) {
	var out []market.Bar
	for _, b := range p.bars[symbol] {
		if !b.Time.Before(start) && !b.Time.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

type orderLog struct {
	mu     sync.Mutex
	orders []execution.Order
}

func (l *orderLog) SaveOrder(_ context.Context, o execution.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders = append(l.orders, o)
	return nil
}

func dailyBars(closes ...float64) []market.Bar {
	out := make([]market.Bar, len(closes))
	for i, c := range closes {
		out[i] = market.Bar{Time: day0.AddDate(0, 0, i), Open: c, High: c + 0.5, Low: c - 0.5, Close: c, Volume: 1000}
	}
	return out
}

func liveConfig() config.Config {
	cfg := config.Defaults()
	cfg.Strategy.Symbol = "SPY"
	cfg.Strategy.RSIPeriod = 3
	cfg.Strategy.SMAPeriod = 0
	cfg.Strategy.VWAPFilterEnabled = false
	cfg.Strategy.BBFilterEnabled = false
	cfg.Strategy.VolumeFilterEnabled = false
	cfg.Strategy.PriorBarExitEnabled = true
	cfg.Backtest.Interval = "1d"
	cfg.Backtest.InitialCash = 10000
	cfg.Backtest.SlippagePct = 0
	cfg.Backtest.CommissionPct = 0
	cfg.Backtest.CommissionPerTrade = 0
	cfg.Live.LookbackBars = 20
	return cfg
}

type harness struct {
	runner *Runner
	paper  *execution.PaperExecutor
	orders *orderLog
	now    time.Time
}

func newHarness(t *testing.T, cfg config.Config, bars []market.Bar) *harness {
	t.Helper()
	h := &harness{orders: &orderLog{}}
	paper, err := execution.NewPaperExecutor(cfg.Backtest.InitialCash, execution.FillModelFrom(cfg.Backtest))
	require.NoError(t, err)
	paper.WithClock(func() time.Time { return h.now })
	h.paper = paper
	stop := &execution.StopFlag{}
	adapter := execution.NewAdapter(paper, execution.PolicyFromConfig(cfg.Execution.Retry), execution.WithStopFlag(stop))
	tracker := execution.NewTracker(paper, execution.TrackerConfigFrom(cfg.Execution), execution.TrackWithStopFlag(stop))
	h.runner, err = NewRunner(cfg, Deps{
		Provider: staticProvider{bars: map[string][]market.Bar{"SPY": bars}},
		Adapter:  adapter,
		Tracker:  tracker,
		Stop:     stop,
		Recorder: h.orders,
		Clock:    func() time.Time { return h.now },
	})
	require.NoError(t, err)
	return h
}

// closeOf sets the clock just after bar i closed, while bar i+1 is still forming.
func (h *harness) closeOf(i int) {
	h.now = day0.AddDate(0, 0, i+1).Add(time.Minute)
}

var reversal = []float64{100, 98, 96, 94, 92, 90, 93, 96, 99, 102}

func TestRunner_TicksThroughReversal(t *testing.T) {
	bars := dailyBars(reversal...)
	h := newHarness(t, liveConfig(), bars)
	ctx := context.Background()

	_, err := h.runner.Tick(ctx)
	require.Error(t, err, "tick before reconcile")

	h.closeOf(0)
	require.NoError(t, h.runner.Reconcile(ctx))

	var signals []signal.Signal
	var trades []portfolio.TradeRecord
	for i := range bars {
		h.closeOf(i)
		res, err := h.runner.Tick(ctx)
		require.NoError(t, err, "bar %d", i)
		if i >= 3 {
			assert.Equal(t, bars[i].Time, res.BarTime, "evaluates the last closed bar")
		}
		if res.Signal != nil {
			signals = append(signals, *res.Signal)
		}
		if res.Trade != nil {
			trades = append(trades, *res.Trade)
		}
	}

	require.Len(t, signals, 2)
	assert.Equal(t, signal.Buy, signals[0].Type)
	assert.Equal(t, 94.0, signals[0].Price)
	assert.Equal(t, signal.Sell, signals[1].Type)
	assert.Equal(t, 93.0, signals[1].Price)

	require.Len(t, trades, 1)
	assert.Equal(t, 10.0, trades[0].Quantity)
	assert.InDelta(t, -10, trades[0].PnL, 1e-9)

	ledger := h.runner.Ledger()
	assert.True(t, ledger.Flat())
	assert.InDelta(t, 9990, ledger.Cash(), 1e-9)

	acct, err := h.paper.Account(ctx)
	require.NoError(t, err)
	assert.InDelta(t, ledger.Cash(), acct.Cash, 1e-9, "local book agrees with the venue")

	require.NotEmpty(t, h.orders.orders)
	last := h.orders.orders[len(h.orders.orders)-1]
	assert.Equal(t, execution.StatusFilled, last.Status)
	assert.Equal(t, execution.Sell, last.Side)
}

func TestRunner_LogsTradePercent(t *testing.T) {
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(os.Stdout) })

	bars := dailyBars(reversal...)
	h := newHarness(t, liveConfig(), bars)
	ctx := context.Background()
	h.closeOf(0)
	require.NoError(t, h.runner.Reconcile(ctx))
	for i := range bars {
		h.closeOf(i)
		_, err := h.runner.Tick(ctx)
		require.NoError(t, err)
	}
	assert.Contains(t, buf.String(), "pnl=-10.00 (-1.06%)")
}

func TestRunner_BooksPartialFillOnTimeout(t *testing.T) {
	cfg := liveConfig()
	cfg.Execution.OrderTimeoutSeconds = 0
	cfg.Execution.CancelOnTimeout = false
	bars := dailyBars(100, 98, 96, 94, 92, 90)
	h := newHarness(t, cfg, bars)
	h.paper.WithPartialFills(0.3)
	ctx := context.Background()
	h.closeOf(0)
	require.NoError(t, h.runner.Reconcile(ctx))

	for i := 0; i < 3; i++ {
		h.closeOf(i)
		_, err := h.runner.Tick(ctx)
		require.NoError(t, err)
	}

	h.closeOf(3)
	res, err := h.runner.Tick(ctx)
	require.ErrorIs(t, err, execution.ErrAwaitTimeout)
	require.NotNil(t, res.Order)
	assert.Equal(t, execution.StatusPartiallyFilled, res.Order.Status)

	ledger := h.runner.Ledger()
	pos, ok := ledger.Position("SPY")
	require.True(t, ok, "the filled part is on the book")
	assert.Equal(t, 3.0, pos.Quantity)
	assert.Equal(t, 94.0, pos.AvgEntryPrice)
	assert.InDelta(t, 10000-3*94, ledger.Cash(), 1e-9)
	require.NoError(t, ledger.CheckInvariants())

	for i := 4; i < len(bars); i++ {
		h.closeOf(i)
		res, err := h.runner.Tick(ctx)
		require.NoError(t, err)
		assert.Nil(t, res.Signal, "bar %d: no new entry while holding", i)
	}
	pos, _ = ledger.Position("SPY")
	assert.Equal(t, 3.0, pos.Quantity)
}

func TestRunner_ReconcileSeedsOpenPosition(t *testing.T) {
	cfg := liveConfig()
	h := newHarness(t, cfg, dailyBars(100, 98, 96, 94))
	ctx := context.Background()
	h.closeOf(3)

	_, err := h.paper.Submit(ctx, execution.NewOrder("SPY", portfolio.SideLong, true, 5, 100, h.now))
	require.NoError(t, err)

	require.NoError(t, h.runner.Reconcile(ctx))
	ledger := h.runner.Ledger()
	pos, ok := ledger.Position("SPY")
	require.True(t, ok)
	assert.Equal(t, 5.0, pos.Quantity)
	assert.Equal(t, 100.0, pos.AvgEntryPrice)
	assert.InDelta(t, 9500, ledger.Cash(), 1e-9)
	require.NoError(t, ledger.CheckInvariants())
}

func TestRunner_StoppedRunReturns(t *testing.T) {
	h := newHarness(t, liveConfig(), dailyBars(100, 98, 96, 94))
	h.closeOf(3)
	h.runner.deps.Stop.Stop()

	done := make(chan error, 1)
	go func() { done <- h.runner.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunner_BadSchedule(t *testing.T) {
	cfg := liveConfig()
	cfg.Live.Schedule = "every now and then"
	h := newHarness(t, cfg, dailyBars(100))
	h.closeOf(0)
	err := h.runner.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "live.schedule")
}

func TestNewRunner_RequiresDeps(t *testing.T) {
	_, err := NewRunner(liveConfig(), Deps{})
	assert.Error(t, err)
}
