package filter

import (
	"fmt"

	"meanrev/internal/config"
	"meanrev/internal/indicator"
	"meanrev/internal/portfolio"
	"meanrev/internal/risk"
)

// RSIFilter is the required momentum gate. It fails whenever RSI is unavailable.
type RSIFilter struct {
	oversold, overbought           float64
	oversoldShort, overboughtShort float64
}

func NewRSIFilter(cfg config.StrategyConfig) *RSIFilter {
	return &RSIFilter{
		oversold:        cfg.RSIOversold,
		overbought:      cfg.RSIOverbought,
		oversoldShort:   cfg.RSIOversoldShort,
		overboughtShort: cfg.RSIOverboughtShort,
	}
}

func (f *RSIFilter) Name() string { return "rsi" }

func (f *RSIFilter) check(rsi, threshold float64, below bool) Result {
	if !indicator.Available(rsi) {
		return Fail("rsi unavailable")
	}
	if below {
		if lte(rsi, threshold) {
			return Pass(fmt.Sprintf("rsi %s<=%s", f2(rsi), f2(threshold)), rsi)
		}
		return Fail(fmt.Sprintf("rsi %s>%s", f2(rsi), f2(threshold)))
	}
	if gte(rsi, threshold) {
		return Pass(fmt.Sprintf("rsi %s>=%s", f2(rsi), f2(threshold)), rsi)
	}
	return Fail(fmt.Sprintf("rsi %s<%s", f2(rsi), f2(threshold)))
}

func (f *RSIFilter) CheckLongEntry(c Context) Result {
	return f.check(c.Snap.RSI, f.oversold, true)
}

func (f *RSIFilter) CheckLongExit(c Context) Result {
	return f.check(c.Snap.RSI, f.overbought, false)
}

func (f *RSIFilter) CheckShortEntry(c Context) Result {
	return f.check(c.Snap.RSI, f.overboughtShort, false)
}

func (f *RSIFilter) CheckShortExit(c Context) Result {
	return f.check(c.Snap.RSI, f.oversoldShort, true)
}

// SMAFilter keeps entries on the side of the long-term trend.
type SMAFilter struct {
	enabled bool
	period  int
}

func NewSMAFilter(cfg config.StrategyConfig) *SMAFilter {
	return &SMAFilter{enabled: cfg.SMAPeriod > 0, period: cfg.SMAPeriod}
}

func (f *SMAFilter) Name() string { return "sma" }

func (f *SMAFilter) CheckLongEntry(c Context) Result {
	if !f.enabled {
		return Skip("sma disabled")
	}
	if !indicator.Available(c.Snap.SMA) {
		return Skip(fmt.Sprintf("sma%d unavailable", f.period))
	}
	if gt(c.Snap.Close, c.Snap.SMA) {
		return Pass(fmt.Sprintf("close %s>sma%d %s", f2(c.Snap.Close), f.period, f2(c.Snap.SMA)), c.Snap.SMA)
	}
	return Fail(fmt.Sprintf("close %s<=sma%d %s", f2(c.Snap.Close), f.period, f2(c.Snap.SMA)))
}

func (f *SMAFilter) CheckShortEntry(c Context) Result {
	if !f.enabled {
		return Skip("sma disabled")
	}
	if !indicator.Available(c.Snap.SMA) {
		return Skip(fmt.Sprintf("sma%d unavailable", f.period))
	}
	if lt(c.Snap.Close, c.Snap.SMA) {
		return Pass(fmt.Sprintf("close %s<sma%d %s", f2(c.Snap.Close), f.period, f2(c.Snap.SMA)), c.Snap.SMA)
	}
	return Fail(fmt.Sprintf("close %s>=sma%d %s", f2(c.Snap.Close), f.period, f2(c.Snap.SMA)))
}

func (f *SMAFilter) CheckLongExit(Context) Result  { return Skip("sma has no exit rule") }
func (f *SMAFilter) CheckShortExit(Context) Result { return Skip("sma has no exit rule") }

// VWAPFilter requires price on the discounted side of VWAP (or the opposite when entryBelow is
// false).
type VWAPFilter struct {
	enabled    bool
	entryBelow bool
}

func NewVWAPFilter(cfg config.StrategyConfig) *VWAPFilter {
	return &VWAPFilter{enabled: cfg.VWAPFilterEnabled, entryBelow: cfg.VWAPEntryBelow}
}

func (f *VWAPFilter) Name() string { return "vwap" }

func (f *VWAPFilter) check(c Context, below bool) Result {
	if !f.enabled {
		return Skip("vwap disabled")
	}
	vwap := c.Snap.VWAP
	if !indicator.Available(vwap) {
		return Skip("vwap unavailable")
	}
	if below {
		if lt(c.Snap.Close, vwap) {
			return Pass(fmt.Sprintf("close %s<vwap %s", f2(c.Snap.Close), f2(vwap)), vwap)
		}
		return Fail(fmt.Sprintf("close %s>=vwap %s", f2(c.Snap.Close), f2(vwap)))
	}
	if gt(c.Snap.Close, vwap) {
		return Pass(fmt.Sprintf("close %s>vwap %s", f2(c.Snap.Close), f2(vwap)), vwap)
	}
	return Fail(fmt.Sprintf("close %s<=vwap %s", f2(c.Snap.Close), f2(vwap)))
}

func (f *VWAPFilter) CheckLongEntry(c Context) Result  { return f.check(c, f.entryBelow) }
func (f *VWAPFilter) CheckShortEntry(c Context) Result { return f.check(c, !f.entryBelow) }
func (f *VWAPFilter) CheckLongExit(Context) Result     { return Skip("vwap has no exit rule") }
func (f *VWAPFilter) CheckShortExit(Context) Result    { return Skip("vwap has no exit rule") }

// BollingerFilter asks for a close at or beyond the outer band.
type BollingerFilter struct {
	enabled bool
}

func NewBollingerFilter(cfg config.StrategyConfig) *BollingerFilter {
	return &BollingerFilter{enabled: cfg.BBFilterEnabled}
}

func (f *BollingerFilter) Name() string { return "bollinger" }

func (f *BollingerFilter) CheckLongEntry(c Context) Result {
	if !f.enabled {
		return Skip("bollinger disabled")
	}
	if !indicator.Available(c.Snap.BBLower) {
		return Skip("bollinger unavailable")
	}
	if lte(c.Snap.Close, c.Snap.BBLower) {
		return Pass(fmt.Sprintf("close %s<=bb_lower %s", f2(c.Snap.Close), f2(c.Snap.BBLower)), c.Snap.BBLower)
	}
	return Fail(fmt.Sprintf("close %s>bb_lower %s", f2(c.Snap.Close), f2(c.Snap.BBLower)))
}

func (f *BollingerFilter) CheckShortEntry(c Context) Result {
	if !f.enabled {
		return Skip("bollinger disabled")
	}
	if !indicator.Available(c.Snap.BBUpper) {
		return Skip("bollinger unavailable")
	}
	if gte(c.Snap.Close, c.Snap.BBUpper) {
		return Pass(fmt.Sprintf("close %s>=bb_upper %s", f2(c.Snap.Close), f2(c.Snap.BBUpper)), c.Snap.BBUpper)
	}
	return Fail(fmt.Sprintf("close %s<bb_upper %s", f2(c.Snap.Close), f2(c.Snap.BBUpper)))
}

func (f *BollingerFilter) CheckLongExit(Context) Result  { return Skip("bollinger has no exit rule") }
func (f *BollingerFilter) CheckShortExit(Context) Result { return Skip("bollinger has no exit rule") }

// VolumeFilter requires participation above the trailing average.
type VolumeFilter struct {
	enabled  bool
	minRatio float64
}

func NewVolumeFilter(cfg config.StrategyConfig) *VolumeFilter {
	return &VolumeFilter{enabled: cfg.VolumeFilterEnabled, minRatio: cfg.VolumeMinRatio}
}

func (f *VolumeFilter) Name() string { return "volume" }

func (f *VolumeFilter) check(c Context) Result {
	if !f.enabled {
		return Skip("volume disabled")
	}
	ratio := c.Snap.VolumeRatio
	if !indicator.Available(ratio) {
		return Skip("volume ratio unavailable")
	}
	if gte(ratio, f.minRatio) {
		return Pass(fmt.Sprintf("volume ratio %s>=%s", f2(ratio), f2(f.minRatio)), ratio)
	}
	return Fail(fmt.Sprintf("volume ratio %s<%s", f2(ratio), f2(f.minRatio)))
}

func (f *VolumeFilter) CheckLongEntry(c Context) Result  { return f.check(c) }
func (f *VolumeFilter) CheckShortEntry(c Context) Result { return f.check(c) }
func (f *VolumeFilter) CheckLongExit(Context) Result     { return Skip("volume has no exit rule") }
func (f *VolumeFilter) CheckShortExit(Context) Result    { return Skip("volume has no exit rule") }

// StopLossFilter fires when price crosses the protective stop. Hedge positions are judged on
// the hedge instrument's own price.
type StopLossFilter struct {
	cfg config.StrategyConfig
}

func NewStopLossFilter(cfg config.StrategyConfig) *StopLossFilter {
	return &StopLossFilter{cfg: cfg}
}

func (f *StopLossFilter) Name() string { return "stop_loss" }

func (f *StopLossFilter) CheckLongEntry(Context) Result  { return Skip("stop-loss has no entry rule") }
func (f *StopLossFilter) CheckShortEntry(Context) Result { return Skip("stop-loss has no entry rule") }

func (f *StopLossFilter) CheckLongExit(c Context) Result {
	if c.EntryPrice <= 0 {
		return Skip("no entry price")
	}
	stop := risk.StopPrice(f.cfg, portfolio.SideLong, c.EntryPrice, stopATR(c, c.Snap.ATR))
	if lte(c.Snap.Close, stop) {
		return Pass(fmt.Sprintf("close %s<=stop %s", f2(c.Snap.Close), f2(stop)), stop)
	}
	return Fail(fmt.Sprintf("close %s>stop %s", f2(c.Snap.Close), f2(stop)))
}

func (f *StopLossFilter) CheckShortExit(c Context) Result {
	if c.EntryPrice <= 0 {
		return Skip("no entry price")
	}
	if c.Side == portfolio.SideHedge {
		if c.Hedge == nil || !indicator.Available(c.Hedge.Close) {
			return Skip("hedge price unavailable")
		}
		stop := risk.StopPrice(f.cfg, portfolio.SideHedge, c.EntryPrice, stopATR(c, c.Hedge.ATR))
		if lte(c.Hedge.Close, stop) {
			return Pass(fmt.Sprintf("hedge %s<=stop %s", f2(c.Hedge.Close), f2(stop)), stop)
		}
		return Fail(fmt.Sprintf("hedge %s>stop %s", f2(c.Hedge.Close), f2(stop)))
	}
	stop := risk.StopPrice(f.cfg, portfolio.SideShort, c.EntryPrice, stopATR(c, c.Snap.ATR))
	if gte(c.Snap.Close, stop) {
		return Pass(fmt.Sprintf("close %s>=stop %s", f2(c.Snap.Close), f2(stop)), stop)
	}
	return Fail(fmt.Sprintf("close %s<stop %s", f2(c.Snap.Close), f2(stop)))
}

// stopATR pins an ATR stop to the level set at entry.
func stopATR(c Context, current float64) float64 {
	if indicator.Available(c.EntryATR) && c.EntryATR > 0 {
		return c.EntryATR
	}
	return current
}

// BreakoutFilter exits once price clears the prior bar's extreme in the trade's favour.
type BreakoutFilter struct {
	enabled bool
}

func NewBreakoutFilter(cfg config.StrategyConfig) *BreakoutFilter {
	return &BreakoutFilter{enabled: cfg.PriorBarExitEnabled}
}

func (f *BreakoutFilter) Name() string { return "breakout" }

func (f *BreakoutFilter) CheckLongEntry(Context) Result  { return Skip("breakout has no entry rule") }
func (f *BreakoutFilter) CheckShortEntry(Context) Result { return Skip("breakout has no entry rule") }

func (f *BreakoutFilter) CheckLongExit(c Context) Result {
	if !f.enabled {
		return Skip("breakout disabled")
	}
	if !indicator.Available(c.Snap.PrevHigh) {
		return Skip("no prior bar")
	}
	if gt(c.Snap.Close, c.Snap.PrevHigh) {
		return Pass(fmt.Sprintf("close %s>prev_high %s", f2(c.Snap.Close), f2(c.Snap.PrevHigh)), c.Snap.PrevHigh)
	}
	return Fail(fmt.Sprintf("close %s<=prev_high %s", f2(c.Snap.Close), f2(c.Snap.PrevHigh)))
}

func (f *BreakoutFilter) CheckShortExit(c Context) Result {
	if !f.enabled {
		return Skip("breakout disabled")
	}
	if !indicator.Available(c.Snap.PrevLow) {
		return Skip("no prior bar")
	}
	if lt(c.Snap.Close, c.Snap.PrevLow) {
		return Pass(fmt.Sprintf("close %s<prev_low %s", f2(c.Snap.Close), f2(c.Snap.PrevLow)), c.Snap.PrevLow)
	}
	return Fail(fmt.Sprintf("close %s>=prev_low %s", f2(c.Snap.Close), f2(c.Snap.PrevLow)))
}
