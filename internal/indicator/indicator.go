package indicator

import (
	"math"
	"time"

	"meanrev/internal/config"
	"meanrev/internal/market"

	"github.com/markcheno/go-talib"
)

// Params selects the lookbacks of every indicator and which optional ones are in use.
type Params struct {
	RSIPeriod    int
	SMAPeriod    int
	ATRPeriod    int
	BBPeriod     int
	BBStdDev     float64
	VolumePeriod int
	VWAPPeriod   int

	UseATR    bool
	UseBB     bool
	UseVolume bool
	UseVWAP   bool
}

// FromStrategy derives indicator parameters from the strategy settings.
func FromStrategy(cfg config.StrategyConfig) Params {
	return Params{
		RSIPeriod:    cfg.RSIPeriod,
		SMAPeriod:    cfg.SMAPeriod,
		ATRPeriod:    cfg.ATRPeriod,
		BBPeriod:     cfg.BBPeriod,
		BBStdDev:     cfg.BBStdDev,
		VolumePeriod: cfg.VolumePeriod,
		VWAPPeriod:   cfg.VWAPPeriod,
		UseATR:       cfg.ATRStopEnabled,
		UseBB:        cfg.BBFilterEnabled,
		UseVolume:    cfg.VolumeFilterEnabled,
		UseVWAP:      cfg.VWAPFilterEnabled,
	}
}

// Warmup returns the first bar index at which every indicator in use has a value.
func Warmup(p Params) int {
	w := 1 // prior high/low
	w = max(w, p.RSIPeriod)
	if p.SMAPeriod > 0 {
		w = max(w, p.SMAPeriod-1)
	}
	if p.UseATR {
		w = max(w, p.ATRPeriod)
	}
	if p.UseBB {
		w = max(w, p.BBPeriod-1)
	}
	if p.UseVolume {
		w = max(w, p.VolumePeriod)
	}
	if p.UseVWAP {
		w = max(w, p.VWAPPeriod-1)
	}
	return w
}

// Snapshot holds every derived value for one bar. Unavailable values are NaN.
type Snapshot struct {
	Index  int
	Time   time.Time
	Close  float64
	High   float64
	Low    float64
	Volume float64

	RSI         float64
	SMA         float64
	ATR         float64
	BBUpper     float64
	BBMid       float64
	BBLower     float64
	VolumeRatio float64
	VWAP        float64
	PrevHigh    float64
	PrevLow     float64
}

// Available reports whether v carries a usable value.
func Available(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Series computes indicator columns on first use and serves per-bar snapshots from the cache.
// A Series belongs to one run and is not safe for concurrent use.
type Series struct {
	bars   []market.Bar
	params Params

	closes, highs, lows, volumes []float64

	rsi, sma, atr           []float64
	bbUpper, bbMid, bbLower []float64
	volumeRatio, vwap       []float64
	computed                map[string]bool
}

func NewSeries(bars []market.Bar, p Params) *Series {
	s := &Series{
		bars:     bars,
		params:   p,
		closes:   make([]float64, len(bars)),
		highs:    make([]float64, len(bars)),
		lows:     make([]float64, len(bars)),
		volumes:  make([]float64, len(bars)),
		computed: make(map[string]bool),
	}
	for i, b := range bars {
		s.closes[i] = b.Close
		s.highs[i] = b.High
		s.lows[i] = b.Low
		s.volumes[i] = b.Volume
	}
	return s
}

func (s *Series) Len() int { return len(s.bars) }

func (s *Series) Bar(i int) market.Bar { return s.bars[i] }

// At returns the snapshot for bar i. Values depend only on bars[0..i].
func (s *Series) At(i int) Snapshot {
	b := s.bars[i]
	snap := Snapshot{
		Index:    i,
		Time:     b.Time,
		Close:    b.Close,
		High:     b.High,
		Low:      b.Low,
		Volume:   b.Volume,
		RSI:      s.column("rsi")[i],
		SMA:      s.column("sma")[i],
		ATR:      s.column("atr")[i],
		BBUpper:  s.column("bb_upper")[i],
		BBMid:    s.column("bb_mid")[i],
		BBLower:  s.column("bb_lower")[i],
		PrevHigh: math.NaN(),
		PrevLow:  math.NaN(),
	}
	snap.VolumeRatio = s.column("volume_ratio")[i]
	snap.VWAP = s.column("vwap")[i]
	if i > 0 {
		snap.PrevHigh = s.bars[i-1].High
		snap.PrevLow = s.bars[i-1].Low
	}
	return snap
}

func (s *Series) column(name string) []float64 {
	if !s.computed[name] {
		s.compute(name)
	}
	switch name {
	case "rsi":
		return s.rsi
	case "sma":
		return s.sma
	case "atr":
		return s.atr
	case "bb_upper":
		return s.bbUpper
	case "bb_mid":
		return s.bbMid
	case "bb_lower":
		return s.bbLower
	case "volume_ratio":
		return s.volumeRatio
	case "vwap":
		return s.vwap
	default:
		return nanSeries(len(s.bars))
	}
}

func (s *Series) compute(name string) {
	p := s.params
	switch name {
	case "rsi":
		s.rsi = RSI(s.closes, p.RSIPeriod)
		s.computed["rsi"] = true
	case "sma":
		s.sma = SMA(s.closes, p.SMAPeriod)
		s.computed["sma"] = true
	case "atr":
		s.atr = ATR(s.highs, s.lows, s.closes, p.ATRPeriod)
		s.computed["atr"] = true
	case "bb_upper", "bb_mid", "bb_lower":
		s.bbUpper, s.bbMid, s.bbLower = Bollinger(s.closes, p.BBPeriod, p.BBStdDev)
		s.computed["bb_upper"], s.computed["bb_mid"], s.computed["bb_lower"] = true, true, true
	case "volume_ratio":
		s.volumeRatio = VolumeRatio(s.volumes, p.VolumePeriod)
		s.computed["volume_ratio"] = true
	case "vwap":
		s.vwap = VWAP(s.bars, p.VWAPPeriod)
		s.computed["vwap"] = true
	}
}

// SMA wraps talib.Sma, marking the lookback region as NaN.
func SMA(in []float64, period int) []float64 {
	if period <= 0 || len(in) < period {
		return nanSeries(len(in))
	}
	out := talib.Sma(in, period)
	return maskLookback(out, period-1)
}

// ATR wraps talib.Atr (Wilder smoothing of the true range). The first value is at index period.
func ATR(highs, lows, closes []float64, period int) []float64 {
	if period <= 0 || len(closes) <= period {
		return nanSeries(len(closes))
	}
	out := talib.Atr(highs, lows, closes, period)
	return maskLookback(out, period)
}

// Bollinger returns upper, middle and lower bands: SMA ± population σ × mult.
func Bollinger(closes []float64, period int, mult float64) (upper, mid, lower []float64) {
	if period < 2 || len(closes) < period || mult <= 0 {
		n := len(closes)
		return nanSeries(n), nanSeries(n), nanSeries(n)
	}
	u, m, l := talib.BBands(closes, period, mult, mult, talib.SMA)
	return maskLookback(u, period-1), maskLookback(m, period-1), maskLookback(l, period-1)
}

// VolumeRatio divides each volume by the mean of the previous period volumes. It is 1.0 before
// period prior bars exist or when that mean is zero.
func VolumeRatio(volumes []float64, period int) []float64 {
	out := make([]float64, len(volumes))
	var window float64
	for i := range volumes {
		out[i] = 1.0
		if period > 0 && i >= period {
			avg := window / float64(period)
			if avg > 0 {
				out[i] = volumes[i] / avg
			}
		}
		window += volumes[i]
		if period > 0 && i >= period {
			window -= volumes[i-period]
		}
	}
	return out
}

// VWAP prefers the bar's own VWAP and otherwise falls back to a rolling typical-price VWAP over
// period bars. The fallback is NaN when the window volume is zero.
func VWAP(bars []market.Bar, period int) []float64 {
	out := make([]float64, len(bars))
	if period < 1 {
		period = 1
	}
	var pv, vol float64
	for i, b := range bars {
		pv += b.Typical() * b.Volume
		vol += b.Volume
		if i >= period {
			old := bars[i-period]
			pv -= old.Typical() * old.Volume
			vol -= old.Volume
		}
		switch {
		case b.HasVWAP():
			out[i] = b.VWAP
		case vol > 0:
			out[i] = pv / vol
		default:
			out[i] = math.NaN()
		}
	}
	return out
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func maskLookback(series []float64, lookback int) []float64 {
	for i := 0; i < lookback && i < len(series); i++ {
		series[i] = math.NaN()
	}
	return series
}
