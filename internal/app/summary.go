package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"meanrev/internal/config"
)

type StartupSummary struct {
	Env      string
	Symbols  []string
	Interval string
	Strategy config.StrategyConfig
	Filters  []string
	Coverage map[string]string
	Mode     string
}

func buildSummary(ctx context.Context, a *App) *StartupSummary {
	s := a.cfg.Strategy
	sum := &StartupSummary{
		Env:      a.cfg.App.Env,
		Symbols:  a.symbols(),
		Interval: a.interval.Key,
		Strategy: s,
		Coverage: make(map[string]string, 2),
		Mode:     a.cfg.Execution.Mode,
	}
	if s.VWAPFilterEnabled {
		sum.Filters = append(sum.Filters, fmt.Sprintf("vwap(%d)", s.VWAPPeriod))
	}
	if s.BBFilterEnabled {
		sum.Filters = append(sum.Filters, fmt.Sprintf("bollinger(%d, %.1f)", s.BBPeriod, s.BBStdDev))
	}
	if s.VolumeFilterEnabled {
		sum.Filters = append(sum.Filters, fmt.Sprintf("volume(%d, >= %.2fx)", s.VolumePeriod, s.VolumeMinRatio))
	}
	if s.SMAPeriod > 0 {
		sum.Filters = append(sum.Filters, fmt.Sprintf("trend(sma %d)", s.SMAPeriod))
	}
	coverage, err := a.Coverage(ctx)
	if err != nil {
		return sum
	}
	for sym, m := range coverage {
		if m.Rows == 0 {
			sum.Coverage[sym] = "(empty)"
			continue
		}
		sum.Coverage[sym] = fmt.Sprintf("%d bars %s..%s", m.Rows,
			time.UnixMilli(m.MinTime).UTC().Format(time.DateOnly), time.UnixMilli(m.MaxTime).UTC().Format(time.DateOnly))
	}
	return sum
}

func (s *StartupSummary) Print() {
	s.Fprint(os.Stdout)
}

func (s *StartupSummary) Fprint(w io.Writer) {
	st := s.Strategy
	fmt.Fprintln(w, strings.Repeat("=", 72))
	fmt.Fprintf(w, "meanrev  env=%s  interval=%s  execution=%s\n", s.Env, s.Interval, s.Mode)
	fmt.Fprintln(w, strings.Repeat("=", 72))
	fmt.Fprintln(w, "[symbols]")
	for _, sym := range s.Symbols {
		cov := s.Coverage[sym]
		if cov == "" {
			cov = "-"
		}
		fmt.Fprintf(w, "  %-8s %s\n", sym, cov)
	}
	fmt.Fprintln(w, "[strategy]")
	fmt.Fprintf(w, "  rsi(%d) buy <= %.1f  exit >= %.1f\n", st.RSIPeriod, st.RSIOversold, st.RSIOverbought)
	fmt.Fprintf(w, "  stop %.2f%%  size %.1f%%  reserve %.1f%%\n", st.StopLossPct*100, st.PositionSizePct*100, st.CashReservePct*100)
	if st.ATRStopEnabled {
		fmt.Fprintf(w, "  atr stop %.1fx atr(%d)\n", st.ATRStopMultiplier, st.ATRPeriod)
	}
	if st.ShortEnabled {
		fmt.Fprintf(w, "  short via %s: rsi >= %.1f, cover <= %.1f, stop %.2f%%\n",
			st.HedgeSymbol(), st.RSIOverboughtShort, st.RSIOversoldShort, st.ShortStopLossPct*100)
	}
	fmt.Fprintf(w, "  filters: %s\n", formatList(s.Filters))
	fmt.Fprintln(w, strings.Repeat("=", 72))
}
