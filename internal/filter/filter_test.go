package filter

import (
	"math"
	"strings"
	"testing"

	"meanrev/internal/config"
	"meanrev/internal/indicator"
	"meanrev/internal/portfolio"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nan() float64 { return math.NaN() }

func snap(close, rsi float64) indicator.Snapshot {
	return indicator.Snapshot{
		Close:       close,
		High:        close,
		Low:         close,
		RSI:         rsi,
		SMA:         nan(),
		ATR:         nan(),
		BBUpper:     nan(),
		BBMid:       nan(),
		BBLower:     nan(),
		VolumeRatio: 1,
		VWAP:        nan(),
		PrevHigh:    nan(),
		PrevLow:     nan(),
	}
}

func baseConfig() config.StrategyConfig {
	cfg := config.Defaults().Strategy
	cfg.SMAPeriod = 0
	cfg.VWAPFilterEnabled = false
	cfg.BBFilterEnabled = false
	cfg.VolumeFilterEnabled = false
	cfg.PriorBarExitEnabled = true
	return cfg
}

func TestRSIFilter(t *testing.T) {
	f := NewRSIFilter(baseConfig())

	assert.Equal(t, OutcomePass, f.CheckLongEntry(Context{Snap: snap(100, 30)}).Outcome, "boundary passes")
	assert.Equal(t, OutcomeFail, f.CheckLongEntry(Context{Snap: snap(100, 30.01)}).Outcome)
	assert.Equal(t, OutcomeFail, f.CheckLongEntry(Context{Snap: snap(100, nan())}).Outcome, "never enters blind")
	assert.Equal(t, OutcomePass, f.CheckLongExit(Context{Snap: snap(100, 70)}).Outcome)
	assert.Equal(t, OutcomePass, f.CheckShortEntry(Context{Snap: snap(100, 80)}).Outcome)
	assert.Equal(t, OutcomeFail, f.CheckShortEntry(Context{Snap: snap(100, 74)}).Outcome)
	assert.Equal(t, OutcomePass, f.CheckShortExit(Context{Snap: snap(100, 44)}).Outcome)

	res := f.CheckLongEntry(Context{Snap: snap(100, 22.5)})
	assert.Equal(t, 22.5, res.Value)
	assert.Contains(t, res.Reason, "22.50")
}

func TestOptionalFilters(t *testing.T) {
	cfg := baseConfig()

	t.Run("disabled filters skip", func(t *testing.T) {
		ctx := Context{Snap: snap(100, 20)}
		for _, f := range []Filter{NewSMAFilter(cfg), NewVWAPFilter(cfg), NewBollingerFilter(cfg), NewVolumeFilter(cfg)} {
			assert.Equal(t, OutcomeSkip, f.CheckLongEntry(ctx).Outcome, f.Name())
			assert.Equal(t, OutcomeSkip, f.CheckShortEntry(ctx).Outcome, f.Name())
			assert.Equal(t, OutcomeSkip, f.CheckLongExit(ctx).Outcome, f.Name())
		}
	})

	cfg.SMAPeriod = 50
	cfg.VWAPFilterEnabled = true
	cfg.VWAPEntryBelow = true
	cfg.BBFilterEnabled = true
	cfg.VolumeFilterEnabled = true
	cfg.VolumeMinRatio = 1.2

	t.Run("missing data skips", func(t *testing.T) {
		ctx := Context{Snap: snap(100, 20)}
		ctx.Snap.VolumeRatio = nan()
		for _, f := range []Filter{NewSMAFilter(cfg), NewVWAPFilter(cfg), NewBollingerFilter(cfg), NewVolumeFilter(cfg)} {
			assert.Equal(t, OutcomeSkip, f.CheckLongEntry(ctx).Outcome, f.Name())
		}
	})

	t.Run("sma trend", func(t *testing.T) {
		s := snap(100, 20)
		s.SMA = 95
		f := NewSMAFilter(cfg)
		assert.Equal(t, OutcomePass, f.CheckLongEntry(Context{Snap: s}).Outcome)
		assert.Equal(t, OutcomeFail, f.CheckShortEntry(Context{Snap: s}).Outcome)
		s.SMA = 100
		assert.Equal(t, OutcomeFail, f.CheckLongEntry(Context{Snap: s}).Outcome)
	})

	t.Run("vwap side", func(t *testing.T) {
		s := snap(100, 20)
		s.VWAP = 101
		f := NewVWAPFilter(cfg)
		assert.Equal(t, OutcomePass, f.CheckLongEntry(Context{Snap: s}).Outcome)
		assert.Equal(t, OutcomeFail, f.CheckShortEntry(Context{Snap: s}).Outcome)

		above := cfg
		above.VWAPEntryBelow = false
		assert.Equal(t, OutcomeFail, NewVWAPFilter(above).CheckLongEntry(Context{Snap: s}).Outcome)
	})

	t.Run("bollinger bands", func(t *testing.T) {
		s := snap(90, 20)
		s.BBLower, s.BBUpper = 90, 110
		f := NewBollingerFilter(cfg)
		assert.Equal(t, OutcomePass, f.CheckLongEntry(Context{Snap: s}).Outcome)
		assert.Equal(t, OutcomeFail, f.CheckShortEntry(Context{Snap: s}).Outcome)
	})

	t.Run("volume ratio", func(t *testing.T) {
		s := snap(100, 20)
		s.VolumeRatio = 1.19
		f := NewVolumeFilter(cfg)
		assert.Equal(t, OutcomeFail, f.CheckLongEntry(Context{Snap: s}).Outcome)
		s.VolumeRatio = 1.2
		assert.Equal(t, OutcomePass, f.CheckShortEntry(Context{Snap: s}).Outcome)
	})
}

func TestStopLossFilter(t *testing.T) {
	cfg := baseConfig()
	cfg.StopLossPct = 0.05
	cfg.ShortStopLossPct = 0.05
	f := NewStopLossFilter(cfg)

	long := Context{Snap: snap(95, 50), Side: portfolio.SideLong, EntryPrice: 100}
	assert.Equal(t, OutcomePass, f.CheckLongExit(long).Outcome)
	long.Snap.Close = 95.01
	assert.Equal(t, OutcomeFail, f.CheckLongExit(long).Outcome)

	short := Context{Snap: snap(105, 50), Side: portfolio.SideShort, EntryPrice: 100}
	assert.Equal(t, OutcomePass, f.CheckShortExit(short).Outcome)

	t.Run("hedge uses its own price", func(t *testing.T) {
		hedge := snap(18.9, 50)
		ctx := Context{Snap: snap(90, 50), Hedge: &hedge, Side: portfolio.SideHedge, EntryPrice: 20}
		assert.Equal(t, OutcomePass, f.CheckShortExit(ctx).Outcome)
		hedge.Close = 19.5
		assert.Equal(t, OutcomeFail, f.CheckShortExit(ctx).Outcome)
		ctx.Hedge = nil
		assert.Equal(t, OutcomeSkip, f.CheckShortExit(ctx).Outcome)
	})

	t.Run("atr multiple", func(t *testing.T) {
		atr := cfg
		atr.ATRStopEnabled = true
		atr.ATRStopMultiplier = 2
		ctx := Context{Snap: snap(97, 50), Side: portfolio.SideLong, EntryPrice: 100}
		ctx.Snap.ATR = 1.5
		assert.Equal(t, OutcomePass, NewStopLossFilter(atr).CheckLongExit(ctx).Outcome)

		ctx.Snap.ATR = 3
		assert.Equal(t, OutcomeFail, NewStopLossFilter(atr).CheckLongExit(ctx).Outcome, "current atr widens the stop")
		ctx.EntryATR = 1.5
		res := NewStopLossFilter(atr).CheckLongExit(ctx)
		assert.Equal(t, OutcomePass, res.Outcome, "stop stays where entry put it")
		assert.InDelta(t, 97, res.Value, 1e-9)
	})
}

func TestBreakoutFilter(t *testing.T) {
	f := NewBreakoutFilter(baseConfig())
	s := snap(101, 50)
	s.PrevHigh, s.PrevLow = 100, 98
	assert.Equal(t, OutcomePass, f.CheckLongExit(Context{Snap: s}).Outcome)
	assert.Equal(t, OutcomeFail, f.CheckShortExit(Context{Snap: s}).Outcome)

	s.PrevHigh = nan()
	assert.Equal(t, OutcomeSkip, f.CheckLongExit(Context{Snap: s}).Outcome)
}

func TestNewChain_Errors(t *testing.T) {
	cfg := baseConfig()
	exits := ExitFilters{Breakout: NewBreakoutFilter(cfg), Target: NewRSIFilter(cfg), StopLoss: NewStopLossFilter(cfg)}

	_, err := NewChain(nil, exits)
	var ce *ChainError
	assert.ErrorAs(t, err, &ce)

	_, err = NewChain([]Filter{NewRSIFilter(cfg), NewRSIFilter(cfg)}, exits)
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, "rsi", ce.Filter)

	_, err = NewChain([]Filter{NewRSIFilter(cfg)}, ExitFilters{Breakout: NewBreakoutFilter(cfg)})
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, "target", ce.Filter)
}

func TestChain_EvaluateEntry(t *testing.T) {
	cfg := baseConfig()
	cfg.SMAPeriod = 50
	cfg.BBFilterEnabled = true
	c := Build(cfg)

	t.Run("passes with skips", func(t *testing.T) {
		s := snap(90, 25)
		s.SMA = 80
		s.BBLower = 91
		d := c.EvaluateEntry(DirectionLong, Context{Snap: s})
		assert.True(t, d.Passed)
		require.Len(t, d.Steps, 5)
		assert.Equal(t, "rsi", d.Steps[0].Filter)
		assert.Equal(t, OutcomeSkip, d.Steps[2].Result.Outcome)
		assert.Equal(t, 4, strings.Count(d.Reason(), "; "))
	})

	t.Run("short-circuits on first fail", func(t *testing.T) {
		s := snap(90, 25)
		s.SMA = 95
		d := c.EvaluateEntry(DirectionLong, Context{Snap: s})
		assert.False(t, d.Passed)
		require.Len(t, d.Steps, 2)
		assert.Equal(t, "sma", d.Steps[1].Filter)
	})

	t.Run("rsi gate first", func(t *testing.T) {
		d := c.EvaluateEntry(DirectionShort, Context{Snap: snap(90, 50)})
		assert.False(t, d.Passed)
		assert.Len(t, d.Steps, 1)
	})
}

func TestChain_EvaluateExit(t *testing.T) {
	cfg := baseConfig()
	c := Build(cfg)

	t.Run("stop-loss wins over overbought and breakout", func(t *testing.T) {
		s := snap(94, 80)
		s.PrevHigh = 90
		d := c.EvaluateExit(Context{Snap: s, Side: portfolio.SideLong, EntryPrice: 100})
		assert.Equal(t, ExitStopLoss, d.Kind)
		assert.True(t, strings.HasPrefix(d.Reason, "stop_loss"))
		assert.Len(t, d.Steps, 3)
	})

	t.Run("breakout precedes rsi target", func(t *testing.T) {
		s := snap(102, 80)
		s.PrevHigh = 101
		d := c.EvaluateExit(Context{Snap: s, Side: portfolio.SideLong, EntryPrice: 100})
		assert.Equal(t, ExitBreakout, d.Kind)
	})

	t.Run("rsi target", func(t *testing.T) {
		s := snap(100.5, 75)
		s.PrevHigh = 101
		d := c.EvaluateExit(Context{Snap: s, Side: portfolio.SideLong, EntryPrice: 100})
		assert.Equal(t, ExitTarget, d.Kind)
	})

	t.Run("skip never exits", func(t *testing.T) {
		d := c.EvaluateExit(Context{Snap: snap(100, 50), Side: portfolio.SideLong})
		assert.False(t, d.Triggered())
	})

	t.Run("short mirror", func(t *testing.T) {
		s := snap(95, 40)
		s.PrevLow = 96
		d := c.EvaluateExit(Context{Snap: s, Side: portfolio.SideShort, EntryPrice: 100})
		assert.Equal(t, ExitBreakout, d.Kind)
	})
}
