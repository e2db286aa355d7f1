package strategy

import (
	"math"
	"testing"
	"time"

	"meanrev/internal/config"
	"meanrev/internal/execution"
	"meanrev/internal/indicator"
	"meanrev/internal/market"
	"meanrev/internal/portfolio"
	"meanrev/internal/signal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func engineConfig() config.StrategyConfig {
	cfg := config.Defaults().Strategy
	cfg.Symbol = "SPY"
	cfg.RSIPeriod = 3
	cfg.SMAPeriod = 0
	cfg.VWAPFilterEnabled = false
	cfg.BBFilterEnabled = false
	cfg.VolumeFilterEnabled = false
	return cfg
}

func snapshots(cfg config.StrategyConfig, closes ...float64) *indicator.Series {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]market.Bar, len(closes))
	for i, c := range closes {
		bars[i] = market.Bar{Time: start.AddDate(0, 0, i), Open: c, High: c + 0.5, Low: c - 0.5, Close: c, Volume: 1000}
	}
	return indicator.NewSeries(bars, indicator.FromStrategy(cfg))
}

func TestEngine_DecideAndSizeEntry(t *testing.T) {
	cfg := engineConfig()
	e := New(cfg)
	ledger, err := portfolio.NewLedger(10000)
	require.NoError(t, err)
	series := snapshots(cfg, 100, 98, 96, 94)

	sig, ok := e.Decide(ledger, series.At(3), nil)
	require.True(t, ok)
	assert.Equal(t, signal.Buy, sig.Type)
	assert.Equal(t, "SPY", sig.Symbol)

	at := series.At(3).Time
	o, ok, err := e.OrderFor(sig, ledger, series.At(3).ATR, at)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, execution.Buy, o.Side)
	assert.True(t, o.Opens())
	assert.Equal(t, 10.0, o.Quantity)
	assert.Equal(t, 94.0, o.RefPrice)
	assert.Equal(t, sig.Reason, o.Reason)
}

func TestEngine_ExitClosesHolding(t *testing.T) {
	cfg := engineConfig()
	e := New(cfg)
	ledger, err := portfolio.NewLedger(10000)
	require.NoError(t, err)
	at := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

	exit := signal.Signal{Type: signal.Sell, Symbol: "SPY", Price: 101, Reason: "rsi target"}
	_, _, err = e.OrderFor(exit, ledger, 0, at)
	assert.ErrorIs(t, err, portfolio.ErrNoPosition)

	require.NoError(t, ledger.OpenPosition("SPY", portfolio.SideLong, 7, 95, 0, at, "entry"))
	assert.NotNil(t, e.Holding(ledger))
	o, ok, err := e.OrderFor(exit, ledger, 0, at)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, execution.Sell, o.Side)
	assert.False(t, o.Opens())
	assert.Equal(t, 7.0, o.Quantity)

	_, _, err = e.OrderFor(signal.Signal{Type: signal.Hold}, ledger, 0, at)
	assert.Error(t, err)
}

func TestEngine_Symbols(t *testing.T) {
	cfg := engineConfig()
	assert.Equal(t, []string{"SPY"}, New(cfg).Symbols())

	cfg.ShortEnabled = true
	cfg.UseInverseInstrument = true
	cfg.InverseSymbol = "sh"
	assert.Equal(t, []string{"SPY", "SH"}, New(cfg).Symbols())

	cfg.UseInverseInstrument = false
	assert.Equal(t, []string{"SPY"}, New(cfg).Symbols())
}

func TestEngine_StopKeepsEntryATR(t *testing.T) {
	cfg := engineConfig()
	cfg.ATRStopEnabled = true
	cfg.ATRStopMultiplier = 2
	e := New(cfg)
	ledger, err := portfolio.NewLedger(10000)
	require.NoError(t, err)
	at := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

	entry := signal.Signal{Type: signal.Buy, Symbol: "SPY", Price: 94, Reason: "oversold"}
	o, ok, err := e.OrderFor(entry, ledger, 1, at)
	require.NoError(t, err)
	require.True(t, ok)
	o.RecordFill(o.Quantity, o.RefPrice, 0)
	_, err = execution.ApplyFill(ledger, o, at)
	require.NoError(t, err)

	bar := indicator.Snapshot{
		Time: at.AddDate(0, 0, 1), Close: 91.5, RSI: 40, ATR: 3,
		PrevHigh: math.NaN(), PrevLow: math.NaN(),
	}
	sig, ok := e.Decide(ledger, bar, nil)
	require.True(t, ok, "stop at 94-2x1 = 92, not 94-2x3 = 88")
	assert.Equal(t, signal.Sell, sig.Type)
	assert.Zero(t, sig.Strength)

	_, err = ledger.ClosePosition("SPY", o.Quantity, 91.5, 0, bar.Time, sig.Reason)
	require.NoError(t, err)
	_, ok = e.Decide(ledger, bar, nil)
	assert.False(t, ok)
	assert.Empty(t, e.entryATR, "flat book forgets entry atr")
}
