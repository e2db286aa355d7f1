package risk

import (
	"math"
	"testing"
	"time"

	"meanrev/internal/config"
	"meanrev/internal/portfolio"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strategyConfig() config.StrategyConfig {
	cfg := config.Defaults().Strategy
	cfg.PositionSizePct = 0.10
	cfg.StopLossPct = 0.05
	cfg.CashReservePct = 0.05
	cfg.ShortPositionSizePct = 0.05
	cfg.ShortStopLossPct = 0.04
	return cfg
}

func TestSizer_Size(t *testing.T) {
	s := NewSizer(strategyConfig())

	t.Run("integer shares", func(t *testing.T) {
		out, err := s.Size(Request{Side: portfolio.SideLong, Price: 30, Equity: 10000, Cash: 10000})
		assert.NoError(t, err)
		assert.Equal(t, 33.0, out.Shares)
		assert.InDelta(t, 990, out.Dollars, 1e-9)
		assert.InDelta(t, 0.099, out.PctOfAccount, 1e-9)
		assert.InDelta(t, 28.5, out.StopPrice, 1e-9)
		assert.InDelta(t, 49.5, out.RiskAtStop, 1e-9)
	})

	t.Run("cash reserve caps", func(t *testing.T) {
		out, err := s.Size(Request{Side: portfolio.SideLong, Price: 10, Equity: 10000, Cash: 800})
		assert.NoError(t, err)
		assert.Equal(t, 30.0, out.Shares)
	})

	t.Run("no spendable cash", func(t *testing.T) {
		out, err := s.Size(Request{Side: portfolio.SideLong, Price: 10, Equity: 10000, Cash: 100})
		assert.NoError(t, err)
		assert.Equal(t, 0.0, out.Shares)
	})

	t.Run("short side ignores cash", func(t *testing.T) {
		out, err := s.Size(Request{Side: portfolio.SideShort, Price: 100, Equity: 10000, Cash: 0})
		assert.NoError(t, err)
		assert.Equal(t, 5.0, out.Shares)
		assert.InDelta(t, 104, out.StopPrice, 1e-9)
		assert.InDelta(t, 20, out.RiskAtStop, 1e-9)
	})

	t.Run("usage errors", func(t *testing.T) {
		_, err := s.Size(Request{Side: portfolio.SideLong, Price: 0, Equity: 10000})
		assert.ErrorIs(t, err, ErrInvalidPrice)
		_, err = s.Size(Request{Side: portfolio.SideLong, Price: 10, Equity: -1})
		assert.ErrorIs(t, err, ErrInvalidEquity)
	})
}

func TestSizer_CapsAndFractions(t *testing.T) {
	cfg := strategyConfig()
	cfg.MaxPositionValue = 500
	cfg.FractionalShares = true
	s := NewSizer(cfg)

	out, err := s.Size(Request{Side: portfolio.SideLong, Price: 300, Equity: 10000, Cash: 10000})
	assert.NoError(t, err)
	assert.InDelta(t, 1.666666, out.Shares, 1e-9)
	assert.LessOrEqual(t, out.Dollars, 500.0)
}

func TestSizer_FullAllocationLeavesRoomForCosts(t *testing.T) {
	cfg := strategyConfig()
	cfg.PositionSizePct = 1
	cfg.CashReservePct = 0
	cfg.FractionalShares = true
	costs := Costs{SlippagePct: 0.001, CommissionPct: 0.001, CommissionPerTrade: 1}

	out, err := NewSizer(cfg).Size(Request{Side: portfolio.SideLong, Price: 94, Equity: 10000, Cash: 10000})
	require.NoError(t, err)
	assert.InDelta(t, 10000.0/94, out.Shares, 1e-6, "no costs: the whole account")

	out, err = NewSizer(cfg, WithCosts(costs)).Size(Request{Side: portfolio.SideLong, Price: 94, Equity: 10000, Cash: 10000})
	require.NoError(t, err)
	fill := 94 * (1 + costs.SlippagePct)
	commission := costs.CommissionPerTrade + out.Shares*fill*costs.CommissionPct
	assert.LessOrEqual(t, out.Shares*fill+commission, 10000.0)
	assert.Greater(t, out.Shares*fill+commission, 9999.0)

	ledger, err := portfolio.NewLedger(10000)
	require.NoError(t, err)
	require.NoError(t, ledger.OpenPosition("SPY", portfolio.SideLong, out.Shares, fill, commission, time.Now(), "entry"))

	t.Run("per-trade commission above cash", func(t *testing.T) {
		out, err := NewSizer(cfg, WithCosts(Costs{CommissionPerTrade: 50})).Size(Request{Side: portfolio.SideLong, Price: 94, Equity: 10000, Cash: 40})
		require.NoError(t, err)
		assert.Zero(t, out.Shares)
	})
}

func TestStopPrice(t *testing.T) {
	cfg := strategyConfig()
	assert.InDelta(t, 95, StopPrice(cfg, portfolio.SideLong, 100, 3), 1e-9)
	assert.InDelta(t, 96, StopPrice(cfg, portfolio.SideHedge, 100, 3), 1e-9)

	cfg.ATRStopEnabled = true
	cfg.ATRStopMultiplier = 2
	assert.InDelta(t, 94, StopPrice(cfg, portfolio.SideLong, 100, 3), 1e-9)
	assert.InDelta(t, 106, StopPrice(cfg, portfolio.SideShort, 100, 3), 1e-9)
	assert.InDelta(t, 95, StopPrice(cfg, portfolio.SideLong, 100, math.NaN()), 1e-9)
	assert.Equal(t, 0.0, StopPrice(cfg, portfolio.SideLong, 0, 3))
}
