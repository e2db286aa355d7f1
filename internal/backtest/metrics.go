package backtest

import (
	"math"

	"meanrev/internal/portfolio"
)

const defaultPeriodsPerYear = 252

// EquityPoint is one mark of the equity curve, recorded after every processed bar.
type EquityPoint struct {
	Time     int64   `json:"time"`
	Equity   float64 `json:"equity"`
	Cash     float64 `json:"cash"`
	Exposed  bool    `json:"exposed"`
	Drawdown float64 `json:"drawdown"`
}

// Metrics summarises a run. Ratios are fractions (0.05 == 5%).
type Metrics struct {
	InitialEquity    float64 `json:"initial_equity"`
	FinalEquity      float64 `json:"final_equity"`
	TotalReturn      float64 `json:"total_return"`
	CAGR             float64 `json:"cagr"`
	Volatility       float64 `json:"volatility"`
	Sharpe           float64 `json:"sharpe"`
	Sortino          float64 `json:"sortino"`
	Calmar           float64 `json:"calmar"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	DrawdownDuration int     `json:"drawdown_duration"`
	Trades           int     `json:"trades"`
	Wins             int     `json:"wins"`
	Losses           int     `json:"losses"`
	WinRate          float64 `json:"win_rate"`
	AvgWin           float64 `json:"avg_win"`
	AvgLoss          float64 `json:"avg_loss"`
	LargestWin       float64 `json:"largest_win"`
	LargestLoss      float64 `json:"largest_loss"`
	ProfitFactor     float64 `json:"profit_factor"`
	Expectancy       float64 `json:"expectancy"`
	Exposure         float64 `json:"exposure"`
	Periods          int     `json:"periods"`
}

// Summary flattens the metrics into the key→number map handed to reporting collaborators.
func (m Metrics) Summary() map[string]float64 {
	return map[string]float64{
		"initial_equity":    m.InitialEquity,
		"final_equity":      m.FinalEquity,
		"total_return":      m.TotalReturn,
		"cagr":              m.CAGR,
		"volatility":        m.Volatility,
		"sharpe":            m.Sharpe,
		"sortino":           m.Sortino,
		"calmar":            m.Calmar,
		"max_drawdown":      m.MaxDrawdown,
		"drawdown_duration": float64(m.DrawdownDuration),
		"trades":            float64(m.Trades),
		"wins":              float64(m.Wins),
		"losses":            float64(m.Losses),
		"win_rate":          m.WinRate,
		"avg_win":           m.AvgWin,
		"avg_loss":          m.AvgLoss,
		"largest_win":       m.LargestWin,
		"largest_loss":      m.LargestLoss,
		"profit_factor":     m.ProfitFactor,
		"expectancy":        m.Expectancy,
		"exposure":          m.Exposure,
		"periods":           float64(m.Periods),
	}
}

// Objective returns the named metric used to rank optimizer trials.
func (m Metrics) Objective(name string) float64 {
	switch name {
	case "sortino":
		return m.Sortino
	case "total_return":
		return m.TotalReturn
	case "calmar":
		return m.Calmar
	case "profit_factor":
		return m.ProfitFactor
	default:
		return m.Sharpe
	}
}

// ComputeMetrics derives performance statistics from the equity curve and trade log.
// periodsPerYear annualises per-bar returns; riskFree is an annual rate.
func ComputeMetrics(curve []EquityPoint, trades []portfolio.TradeRecord, periodsPerYear int, riskFree float64) Metrics {
	if periodsPerYear <= 0 {
		periodsPerYear = defaultPeriodsPerYear
	}
	var m Metrics
	if len(curve) == 0 {
		return m
	}
	equity := make([]float64, len(curve))
	exposed := 0
	for i, p := range curve {
		equity[i] = p.Equity
		if p.Exposed {
			exposed++
		}
	}
	m.InitialEquity = equity[0]
	m.FinalEquity = equity[len(equity)-1]
	m.Periods = len(equity) - 1
	m.Exposure = float64(exposed) / float64(len(curve))
	if m.InitialEquity > 0 {
		m.TotalReturn = m.FinalEquity/m.InitialEquity - 1
	}

	returns := Returns(equity)
	ppy := float64(periodsPerYear)
	if m.Periods > 0 && m.InitialEquity > 0 && m.FinalEquity > 0 {
		m.CAGR = math.Pow(m.FinalEquity/m.InitialEquity, ppy/float64(m.Periods)) - 1
	}
	m.Volatility = stdev(returns) * math.Sqrt(ppy)
	if m.Volatility > 0 {
		m.Sharpe = (m.CAGR - riskFree) / m.Volatility
	}
	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if dv := stdev(downside) * math.Sqrt(ppy); dv > 0 {
		m.Sortino = (m.CAGR - riskFree) / dv
	}
	m.MaxDrawdown, m.DrawdownDuration = Drawdown(equity)
	if m.MaxDrawdown < 0 {
		m.Calmar = m.CAGR / math.Abs(m.MaxDrawdown)
	}

	tradeStats(&m, trades)
	return m
}

func tradeStats(m *Metrics, trades []portfolio.TradeRecord) {
	m.Trades = len(trades)
	if m.Trades == 0 {
		return
	}
	var grossWin, grossLoss float64
	for _, tr := range trades {
		if tr.IsWin() {
			m.Wins++
			grossWin += tr.PnL
			m.LargestWin = math.Max(m.LargestWin, tr.PnL)
		} else {
			m.Losses++
			grossLoss += tr.PnL
			m.LargestLoss = math.Min(m.LargestLoss, tr.PnL)
		}
	}
	m.WinRate = float64(m.Wins) / float64(m.Trades)
	if m.Wins > 0 {
		m.AvgWin = grossWin / float64(m.Wins)
	}
	if m.Losses > 0 {
		m.AvgLoss = grossLoss / float64(m.Losses)
	}
	if grossLoss < 0 {
		m.ProfitFactor = grossWin / math.Abs(grossLoss)
	}
	m.Expectancy = m.WinRate*m.AvgWin + (1-m.WinRate)*m.AvgLoss
}

// Returns converts an equity series into simple per-period returns.
func Returns(equity []float64) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1]
		if prev == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, equity[i]/prev-1)
	}
	return out
}

// Drawdown returns the most negative (equity − running max)/running max and the longest run
// of consecutive points below a prior peak.
func Drawdown(equity []float64) (maxDD float64, duration int) {
	peak := math.Inf(-1)
	run := 0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		dd := 0.0
		if peak > 0 {
			dd = (v - peak) / peak
		}
		if dd < maxDD {
			maxDD = dd
		}
		if dd < 0 {
			run++
			duration = max(duration, run)
		} else {
			run = 0
		}
	}
	return maxDD, duration
}

// stdev is the sample standard deviation; fewer than two values give 0.
func stdev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}
