package report

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"meanrev/internal/backtest"
	"meanrev/internal/portfolio"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() backtest.Result {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	return backtest.Result{
		RunID:  "r1",
		Symbol: "SPY",
		EquityCurve: []backtest.EquityPoint{
			{Time: start.UnixMilli(), Equity: 10000, Cash: 10000},
			{Time: start.AddDate(0, 0, 1).UnixMilli(), Equity: 9900, Cash: 9000, Exposed: true, Drawdown: -0.01},
			{Time: start.AddDate(0, 0, 2).UnixMilli(), Equity: 10100, Cash: 10100},
		},
		TradeLog: []portfolio.TradeRecord{{
			Symbol: "SPY", Side: portfolio.SideLong, PnL: 100,
			ExitTime: start.AddDate(0, 0, 2), ExitReason: "breakout",
		}},
		Metrics: backtest.Metrics{TotalReturn: 0.01, Trades: 1, WinRate: 1},
	}
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, sample()))
	html := buf.String()
	assert.Contains(t, html, "SPY equity")
	assert.Contains(t, html, "Drawdown %")
	assert.Contains(t, html, "breakout")
	assert.Contains(t, html, "2024-01-03 00:00")
}

func TestRender_EmptyCurve(t *testing.T) {
	assert.Error(t, Render(&bytes.Buffer{}, backtest.Result{RunID: "empty"}))
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "chart.html")
	require.NoError(t, WriteFile(path, sample()))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 1.23, round2(1.2345))
	assert.Equal(t, -1.24, round2(-1.2351))
}
