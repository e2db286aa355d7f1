package signal

import (
	"math"

	"meanrev/internal/config"
	"meanrev/internal/filter"
	"meanrev/internal/indicator"
	"meanrev/internal/portfolio"
)

// minEntryStrength keeps an entry exactly at the threshold distinguishable from a forced exit.
const minEntryStrength = 0.01

// Input is the per-bar state the dispatcher decides on.
type Input struct {
	Snap indicator.Snapshot
	// Hedge is the inverse instrument's snapshot at the same bar, nil when unavailable.
	Hedge *indicator.Snapshot
	// Position is the open position on the primary or hedge symbol, nil when flat.
	Position *portfolio.Position
	// EntryATR is the ATR the open position was sized with, zero when unknown.
	EntryATR float64
}

// Dispatcher turns chain results and position state into at most one signal per bar.
type Dispatcher struct {
	cfg    config.StrategyConfig
	chain  *filter.Chain
	symbol string
	hedge  string
}

func NewDispatcher(cfg config.StrategyConfig, chain *filter.Chain) *Dispatcher {
	if chain == nil {
		chain = filter.Build(cfg)
	}
	return &Dispatcher{
		cfg:    cfg,
		chain:  chain,
		symbol: cfg.PrimarySymbol(),
		hedge:  cfg.HedgeSymbol(),
	}
}

// Dispatch returns the bar's signal. ok is false when there is nothing to do.
func (d *Dispatcher) Dispatch(in Input) (Signal, bool) {
	if in.Position == nil {
		return d.flat(in)
	}
	return d.inPosition(in)
}

func (d *Dispatcher) flat(in Input) (Signal, bool) {
	ctx := filter.Context{Snap: in.Snap, Hedge: in.Hedge}
	long := d.chain.EvaluateEntry(filter.DirectionLong, ctx)
	if long.Passed {
		return Signal{
			Time:     in.Snap.Time,
			Type:     Buy,
			Symbol:   d.symbol,
			Price:    in.Snap.Close,
			RSI:      in.Snap.RSI,
			Reason:   long.Reason(),
			Strength: entryStrength(d.cfg.RSIOversold-in.Snap.RSI, d.cfg.RSIOversold),
		}, true
	}
	if !d.cfg.ShortEnabled {
		return Signal{}, false
	}
	short := d.chain.EvaluateEntry(filter.DirectionShort, ctx)
	if !short.Passed {
		return Signal{}, false
	}
	strength := entryStrength(in.Snap.RSI-d.cfg.RSIOverboughtShort, 100-d.cfg.RSIOverboughtShort)
	if !d.cfg.UseInverseInstrument {
		return Signal{
			Time:     in.Snap.Time,
			Type:     Short,
			Symbol:   d.symbol,
			Price:    in.Snap.Close,
			RSI:      in.Snap.RSI,
			Reason:   short.Reason(),
			Strength: strength,
		}, true
	}
	if in.Hedge == nil || !indicator.Available(in.Hedge.Close) || in.Hedge.Close <= 0 {
		return Signal{}, false
	}
	return Signal{
		Time:     in.Snap.Time,
		Type:     HedgeBuy,
		Symbol:   d.hedge,
		Price:    in.Hedge.Close,
		RSI:      in.Snap.RSI,
		Reason:   short.Reason(),
		Strength: strength,
	}, true
}

func (d *Dispatcher) inPosition(in Input) (Signal, bool) {
	pos := in.Position
	exit := d.chain.EvaluateExit(filter.Context{
		Snap:       in.Snap,
		Hedge:      in.Hedge,
		Side:       pos.Side,
		EntryPrice: pos.AvgEntryPrice,
		EntryATR:   in.EntryATR,
	})
	if !exit.Triggered() {
		return Signal{}, false
	}
	out := Signal{
		Time:   in.Snap.Time,
		Symbol: pos.Symbol,
		Price:  in.Snap.Close,
		RSI:    in.Snap.RSI,
		Reason: exit.Reason,
		Exit:   exit.Kind,
	}
	switch pos.Side {
	case portfolio.SideLong:
		out.Type = Sell
	case portfolio.SideShort:
		out.Type = Cover
	case portfolio.SideHedge:
		if in.Hedge == nil || !indicator.Available(in.Hedge.Close) {
			return Signal{}, false
		}
		out.Type = HedgeSell
		out.Price = in.Hedge.Close
	default:
		return Signal{}, false
	}
	switch exit.Kind {
	case filter.ExitStopLoss:
		out.Strength = 0
	case filter.ExitBreakout, filter.ExitTarget:
		out.Strength = 1
	case filter.ExitNone:
		return Signal{}, false
	}
	return out, true
}

func entryStrength(distance, span float64) float64 {
	if span <= 0 || math.IsNaN(distance) {
		return 1
	}
	return math.Max(minEntryStrength, math.Min(1, distance/span))
}
