package backtest

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"meanrev/internal/config"
	"meanrev/internal/market"
	"meanrev/internal/portfolio"
	"meanrev/internal/signal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.Strategy.Symbol = "SPY"
	cfg.Strategy.RSIPeriod = 3
	cfg.Strategy.SMAPeriod = 0
	cfg.Strategy.VWAPFilterEnabled = false
	cfg.Strategy.BBFilterEnabled = false
	cfg.Strategy.VolumeFilterEnabled = false
	cfg.Strategy.PriorBarExitEnabled = true
	cfg.Backtest.InitialCash = 10000
	cfg.Backtest.SlippagePct = 0
	cfg.Backtest.CommissionPct = 0
	cfg.Backtest.CommissionPerTrade = 0
	return cfg
}

func barsFrom(closes ...float64) []market.Bar {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Bar, len(closes))
	for i, c := range closes {
		out[i] = market.Bar{
			Time:   start.AddDate(0, 0, i),
			Open:   c,
			High:   c + 0.5,
			Low:    c - 0.5,
			Close:  c,
			Volume: 1000,
		}
	}
	return out
}

var reversal = []float64{100, 98, 96, 94, 92, 90, 93, 96, 99, 102}

func TestDriver_DecliningThenRising(t *testing.T) {
	cfg := testConfig()
	res, err := NewDriver(cfg.Strategy, cfg.Backtest).Run(context.Background(), Input{Bars: barsFrom(reversal...)})
	require.NoError(t, err)

	require.Len(t, res.Signals, 2)
	assert.Equal(t, signal.Buy, res.Signals[0].Type)
	assert.Equal(t, 94.0, res.Signals[0].Price)
	assert.Equal(t, signal.Sell, res.Signals[1].Type)
	assert.Equal(t, 93.0, res.Signals[1].Price)

	require.Len(t, res.TradeLog, 1)
	tr := res.TradeLog[0]
	assert.Equal(t, portfolio.SideLong, tr.Side)
	assert.Equal(t, 10.0, tr.Quantity)
	assert.InDelta(t, -10, tr.PnL, 1e-9)
	assert.Equal(t, 3, res.Warmup)

	require.Len(t, res.EquityCurve, 7, "one point per bar after warmup")
	assert.InDelta(t, 10000, res.EquityCurve[0].Equity, 1e-9)
	assert.InDelta(t, 9060, res.EquityCurve[0].Cash, 1e-9)
	assert.True(t, res.EquityCurve[0].Exposed)
	assert.InDelta(t, 9960, res.EquityCurve[2].Equity, 1e-9)
	assert.InDelta(t, 9990, res.EquityCurve[6].Equity, 1e-9)
	assert.False(t, res.EquityCurve[6].Exposed)

	assert.Equal(t, 1, res.Metrics.Trades)
	assert.Equal(t, 1, res.Metrics.Losses)
	assert.InDelta(t, -0.004, res.Metrics.MaxDrawdown, 1e-9)
	assert.InDelta(t, -0.001, res.Metrics.TotalReturn, 1e-9)
	assert.NotEmpty(t, res.RunID)
}

func TestDriver_EquityIdentity(t *testing.T) {
	cfg := testConfig()
	bars := barsFrom(reversal...)
	res, err := NewDriver(cfg.Strategy, cfg.Backtest).Run(context.Background(), Input{Bars: bars})
	require.NoError(t, err)
	for i, pt := range res.EquityCurve {
		held := 0.0
		if pt.Exposed {
			held = 10 * bars[res.Warmup+i].Close
		}
		assert.InDelta(t, pt.Cash+held, pt.Equity, 1e-9, "point %d", i)
	}
}

func TestDriver_EndOfPeriodClose(t *testing.T) {
	cfg := testConfig()
	res, err := NewDriver(cfg.Strategy, cfg.Backtest).Run(context.Background(), Input{Bars: barsFrom(100, 98, 96, 94, 93.5, 93, 92.5)})
	require.NoError(t, err)
	require.Len(t, res.Signals, 1)
	require.Len(t, res.TradeLog, 1)
	assert.Equal(t, "end of period", res.TradeLog[0].ExitReason)
	assert.Equal(t, 92.5, res.TradeLog[0].ExitPrice)

	last := res.EquityCurve[len(res.EquityCurve)-1]
	assert.False(t, last.Exposed)
	assert.InDelta(t, last.Cash, last.Equity, 1e-9)
	assert.InDelta(t, 10000-15, last.Equity, 1e-9)
}

func TestDriver_DrawdownTracksRunningPeak(t *testing.T) {
	cfg := testConfig()
	closes := make([]float64, 3000)
	for i := range closes {
		closes[i] = 100 + 10*math.Sin(float64(i)/7)
	}
	res, err := NewDriver(cfg.Strategy, cfg.Backtest).Run(context.Background(), Input{Bars: barsFrom(closes...)})
	require.NoError(t, err)
	require.NotEmpty(t, res.TradeLog)

	curve := res.EquityCurve[:len(res.EquityCurve)-1]
	peak := 0.0
	for i, pt := range curve {
		peak = max(peak, pt.Equity)
		assert.InDelta(t, (pt.Equity-peak)/peak, pt.Drawdown, 1e-12, "point %d", i)
	}
}

func TestDriver_PanicOnBar(t *testing.T) {
	cfg := testConfig()

	t.Run("consistent ledger skips the bar", func(t *testing.T) {
		d := NewDriver(cfg.Strategy, cfg.Backtest)
		d.barHook = func(i int, _ *portfolio.Ledger) {
			if i == 4 {
				panic("boom")
			}
		}
		res, err := d.Run(context.Background(), Input{Bars: barsFrom(reversal...)})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Ignored)
		assert.Len(t, res.TradeLog, 1)
		assert.Len(t, res.EquityCurve, 7)
	})

	t.Run("broken ledger aborts", func(t *testing.T) {
		d := NewDriver(cfg.Strategy, cfg.Backtest)
		d.barHook = func(i int, l *portfolio.Ledger) {
			if i == 4 {
				l.UpdatePrices(map[string]float64{"SPY": math.MaxFloat64})
				panic("boom")
			}
		}
		res, err := d.Run(context.Background(), Input{Bars: barsFrom(reversal...)})
		require.Error(t, err)
		assert.True(t, errors.Is(err, portfolio.ErrInvariantViolated))
		assert.Len(t, res.EquityCurve, 1, "no point recorded for the aborted bar")
	})
}

func TestDriver_FillModel(t *testing.T) {
	cfg := testConfig()
	cfg.Backtest.SlippagePct = 0.001
	cfg.Backtest.CommissionPerTrade = 1
	res, err := NewDriver(cfg.Strategy, cfg.Backtest).Run(context.Background(), Input{Bars: barsFrom(reversal...)})
	require.NoError(t, err)
	require.Len(t, res.TradeLog, 1)
	tr := res.TradeLog[0]
	assert.InDelta(t, 94*1.001, tr.EntryPrice, 1e-9)
	assert.InDelta(t, 93*0.999, tr.ExitPrice, 1e-9)
	assert.InDelta(t, 2, tr.Commission, 1e-9)
}

func TestDriver_DataErrors(t *testing.T) {
	cfg := testConfig()
	d := NewDriver(cfg.Strategy, cfg.Backtest)

	t.Run("insufficient history", func(t *testing.T) {
		res, err := d.Run(context.Background(), Input{Bars: barsFrom(100, 99, 98)})
		assert.ErrorIs(t, err, ErrInsufficientHistory)
		assert.Empty(t, res.EquityCurve)
		assert.Empty(t, res.TradeLog)
	})
	t.Run("unsorted", func(t *testing.T) {
		bars := barsFrom(reversal...)
		bars[4].Time = bars[2].Time
		_, err := d.Run(context.Background(), Input{Bars: bars})
		assert.ErrorIs(t, err, market.ErrUnsortedBars)
	})
	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := d.Run(ctx, Input{Bars: barsFrom(reversal...)})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDriver_HedgePath(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy.ShortEnabled = true
	cfg.Strategy.UseInverseInstrument = true
	cfg.Strategy.InverseSymbol = "SH"
	cfg.Strategy.RSIOverboughtShort = 75
	cfg.Strategy.RSIOversoldShort = 45
	cfg.Strategy.PriorBarExitEnabled = false

	primary := barsFrom(100, 102, 104, 106, 108, 107, 105, 103, 101, 99)
	hedge := barsFrom(50, 49, 48, 47, 46, 46.5, 47.5, 48.5, 49.5, 50.5)
	res, err := NewDriver(cfg.Strategy, cfg.Backtest).Run(context.Background(), Input{Bars: primary, HedgeBars: hedge})
	require.NoError(t, err)
	require.NotEmpty(t, res.Signals)
	assert.Equal(t, signal.HedgeBuy, res.Signals[0].Type)
	assert.Equal(t, "SH", res.Signals[0].Symbol)
	assert.Equal(t, 47.0, res.Signals[0].Price)
	require.NotEmpty(t, res.TradeLog)
	assert.Equal(t, portfolio.SideHedge, res.TradeLog[0].Side)
	assert.Equal(t, "SH", res.TradeLog[0].Symbol)
}

func TestDrawdown(t *testing.T) {
	dd, dur := Drawdown([]float64{10000, 10500, 9800, 10200})
	assert.InDelta(t, -0.0667, dd, 1e-4)
	assert.Equal(t, 2, dur)

	dd, dur = Drawdown([]float64{1, 2, 3})
	assert.Zero(t, dd)
	assert.Zero(t, dur)
}

func TestComputeMetrics(t *testing.T) {
	curve := []EquityPoint{{Equity: 100}, {Equity: 110, Exposed: true}, {Equity: 99}, {Equity: 121}}
	trades := []portfolio.TradeRecord{{PnL: 10}, {PnL: -11}, {PnL: 22}}
	m := ComputeMetrics(curve, trades, 252, 0)

	assert.InDelta(t, 0.21, m.TotalReturn, 1e-12)
	assert.Equal(t, 3, m.Periods)
	assert.InDelta(t, -0.1, m.MaxDrawdown, 1e-12)
	assert.Equal(t, 0.25, m.Exposure)
	assert.Equal(t, 2, m.Wins)
	assert.Equal(t, 1, m.Losses)
	assert.InDelta(t, 2.0/3, m.WinRate, 1e-12)
	assert.InDelta(t, 16, m.AvgWin, 1e-12)
	assert.InDelta(t, -11, m.AvgLoss, 1e-12)
	assert.InDelta(t, 32.0/11, m.ProfitFactor, 1e-12)
	assert.InDelta(t, 2.0/3*16+1.0/3*-11, m.Expectancy, 1e-12)
	assert.Equal(t, 22.0, m.LargestWin)
	assert.Equal(t, -11.0, m.LargestLoss)
	assert.Greater(t, m.Volatility, 0.0)
	assert.Greater(t, m.Sharpe, 0.0)
	assert.Greater(t, m.Calmar, 0.0)

	t.Run("no losses", func(t *testing.T) {
		m := ComputeMetrics(curve, []portfolio.TradeRecord{{PnL: 5}}, 252, 0)
		assert.Zero(t, m.ProfitFactor)
	})
	t.Run("empty", func(t *testing.T) {
		assert.Equal(t, Metrics{}, ComputeMetrics(nil, nil, 252, 0))
	})

	s := m.Summary()
	assert.Equal(t, m.Sharpe, s["sharpe"])
	assert.Equal(t, 3.0, s["trades"])
	assert.Equal(t, m.Sortino, m.Objective("sortino"))
	assert.Equal(t, m.Sharpe, m.Objective(""))
}

func TestParseGrid(t *testing.T) {
	g, err := ParseGrid([]byte(`
objective: total_return
parameters:
  strategy.rsi_oversold: [25, 30]
  position_size_pct: [0.1, 0.2, 0.3]
`))
	require.NoError(t, err)
	assert.Equal(t, "total_return", g.Objective)
	combos := g.Combinations()
	require.Len(t, combos, 6)
	assert.Equal(t, map[string]any{"position_size_pct": 0.1, "rsi_oversold": 25}, combos[0])
	assert.Equal(t, map[string]any{"position_size_pct": 0.1, "rsi_oversold": 30}, combos[1])
	assert.Equal(t, map[string]any{"position_size_pct": 0.3, "rsi_oversold": 30}, combos[5])

	for name, doc := range map[string]string{
		"unknown option": "parameters:\n  rsi_magic: [1]\n",
		"empty values":   "parameters:\n  rsi_period: []\n",
		"no parameters":  "objective: sharpe\n",
		"bad objective":  "objective: luck\nparameters:\n  rsi_period: [3]\n",
		"unknown field":  "parameters:\n  rsi_period: [3]\nextra: 1\n",
		"symbol swept":   "parameters:\n  symbol: [SPY, QQQ]\n",
		"zero workers":   "workers: 0\nparameters:\n  rsi_period: [3]\n",
		"nested values":  "parameters:\n  rsi_period: [[3]]\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseGrid([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidGrid)
		})
	}
}

func TestOptimizer_RanksDeterministically(t *testing.T) {
	cfg := testConfig()
	grid := Grid{
		Objective: "total_return",
		Workers:   3,
		Parameters: map[string][]any{
			"rsi_oversold":      {30, 95},
			"position_size_pct": {0.2, 0.1},
		},
	}
	trials, err := NewOptimizer(cfg, nil).Optimize(context.Background(), grid, Input{Bars: barsFrom(reversal...)})
	require.NoError(t, err)
	require.Len(t, trials, 4)

	assert.Empty(t, trials[0].Err)
	assert.Equal(t, 0.1, trials[0].Params["position_size_pct"])
	assert.InDelta(t, -0.001, trials[0].Score, 1e-9)
	assert.Empty(t, trials[1].Err)
	assert.Equal(t, 0.2, trials[1].Params["position_size_pct"])
	assert.InDelta(t, -0.0021, trials[1].Score, 1e-9)
	assert.NotEmpty(t, trials[2].Err, "rsi_oversold 95 fails validation")
	assert.NotEmpty(t, trials[3].Err)

	again, err := NewOptimizer(cfg, nil).Optimize(context.Background(), grid, Input{Bars: barsFrom(reversal...)})
	require.NoError(t, err)
	for i := range trials {
		assert.Equal(t, trials[i].Params, again[i].Params)
	}
}
