// Package report renders a backtest result as a standalone HTML page.
package report

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"meanrev/internal/backtest"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

const (
	chartWidthPx    = 1200
	equityHeightPx  = 420
	panelHeightPx   = 220
	colorBackground = "#0f1117"
	colorText       = "#e6e6e6"
	colorMuted      = "#8a8f98"
	colorEquity     = "#4f9dff"
	colorCash       = "#9b8cff"
	colorDrawdown   = "#ef5350"
	colorWin        = "#26a69a"
	colorLoss       = "#ef5350"
)

// Render writes the equity, drawdown and per-trade P&L charts for res to w.
func Render(w io.Writer, res backtest.Result) error {
	if len(res.EquityCurve) == 0 {
		return fmt.Errorf("report: run %s has no equity curve", res.RunID)
	}
	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("%s backtest %s", res.Symbol, res.RunID)
	page.SetLayout(components.PageFlexLayout)

	xAxis := make([]string, len(res.EquityCurve))
	for i, p := range res.EquityCurve {
		xAxis[i] = time.UnixMilli(p.Time).UTC().Format("2006-01-02 15:04")
	}
	page.AddCharts(equityChart(res, xAxis), drawdownChart(res, xAxis))
	if len(res.TradeLog) > 0 {
		page.AddCharts(tradeChart(res))
	}
	return page.Render(w)
}

// WriteFile renders res to path, creating parent directories.
func WriteFile(path string, res backtest.Result) error {
	var buf bytes.Buffer
	if err := Render(&buf, res); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func initOpts(height int) opts.Initialization {
	return opts.Initialization{
		Theme:           types.ThemeWesteros,
		Width:           fmt.Sprintf("%dpx", chartWidthPx),
		Height:          fmt.Sprintf("%dpx", height),
		BackgroundColor: colorBackground,
	}
}

func axisOpts() (opts.XAxis, opts.YAxis) {
	return opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorMuted},
			SplitLine: &opts.SplitLine{Show: opts.Bool(false)},
		}, opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorMuted},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorMuted, Opacity: opts.Float(0.2)}},
		}
}

func equityChart(res backtest.Result, xAxis []string) *charts.Line {
	m := res.Metrics
	x, y := axisOpts()
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(equityHeightPx)),
		charts.WithTitleOpts(opts.Title{
			Title: fmt.Sprintf("%s equity", strings.ToUpper(res.Symbol)),
			Subtitle: fmt.Sprintf("return %.2f%%  CAGR %.2f%%  sharpe %.2f  sortino %.2f  max dd %.2f%%  trades %d  win %.0f%%",
				m.TotalReturn*100, m.CAGR*100, m.Sharpe, m.Sortino, m.MaxDrawdown*100, m.Trades, m.WinRate*100),
			Left:          "left",
			TitleStyle:    &opts.TextStyle{Color: colorText, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorMuted},
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10", TextStyle: &opts.TextStyle{Color: colorText}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(x),
		charts.WithYAxisOpts(y),
	)
	equity := make([]opts.LineData, len(res.EquityCurve))
	cash := make([]opts.LineData, len(res.EquityCurve))
	for i, p := range res.EquityCurve {
		equity[i] = opts.LineData{Value: round2(p.Equity)}
		cash[i] = opts.LineData{Value: round2(p.Cash)}
	}
	line.SetXAxis(xAxis).
		AddSeries("Equity", equity, charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity, Width: 2})).
		AddSeries("Cash", cash, charts.WithLineStyleOpts(opts.LineStyle{Color: colorCash, Width: 1, Opacity: opts.Float(0.6)}))
	line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	return line
}

func drawdownChart(res backtest.Result, xAxis []string) *charts.Line {
	x, y := axisOpts()
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(panelHeightPx)),
		charts.WithTitleOpts(opts.Title{Title: "Drawdown %", Left: "left", TitleStyle: &opts.TextStyle{Color: colorText}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(x),
		charts.WithYAxisOpts(y),
	)
	dd := make([]opts.LineData, len(res.EquityCurve))
	for i, p := range res.EquityCurve {
		dd[i] = opts.LineData{Value: round2(p.Drawdown * 100)}
	}
	line.SetXAxis(xAxis).AddSeries("Drawdown", dd,
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorDrawdown, Width: 1}),
		charts.WithAreaStyleOpts(opts.AreaStyle{Color: colorDrawdown, Opacity: opts.Float(0.3)}),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	return line
}

func tradeChart(res backtest.Result) *charts.Bar {
	trades := append(res.TradeLog[:0:0], res.TradeLog...)
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].ExitTime.Before(trades[j].ExitTime) })
	x, y := axisOpts()
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(panelHeightPx)),
		charts.WithTitleOpts(opts.Title{Title: "Trade P&L", Left: "left", TitleStyle: &opts.TextStyle{Color: colorText}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(x),
		charts.WithYAxisOpts(y),
	)
	labels := make([]string, len(trades))
	data := make([]opts.BarData, len(trades))
	for i, tr := range trades {
		labels[i] = fmt.Sprintf("%s %s", tr.ExitTime.UTC().Format("2006-01-02"), tr.Side)
		color := colorWin
		if !tr.IsWin() {
			color = colorLoss
		}
		data[i] = opts.BarData{
			Name:      tr.ExitReason,
			Value:     round2(tr.PnL),
			ItemStyle: &opts.ItemStyle{Color: color},
		}
	}
	bar.SetXAxis(labels).AddSeries("PnL", data)
	return bar
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
