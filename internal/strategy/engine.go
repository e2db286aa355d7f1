package strategy

import (
	"fmt"
	"time"

	"meanrev/internal/config"
	"meanrev/internal/execution"
	"meanrev/internal/filter"
	"meanrev/internal/indicator"
	"meanrev/internal/portfolio"
	"meanrev/internal/risk"
	"meanrev/internal/signal"
)

// Engine is the decision half shared by the backtest driver and the live runner: it reads
// ledger state, asks the dispatcher for a signal and turns the signal into an order. An Engine
// belongs to one loop.
type Engine struct {
	cfg        config.StrategyConfig
	dispatcher *signal.Dispatcher
	sizer      *risk.Sizer
	// entryATR remembers the ATR each entry was sized with, keyed by symbol.
	entryATR map[string]float64
}

func New(cfg config.StrategyConfig, opts ...risk.Option) *Engine {
	return &Engine{
		cfg:        cfg,
		dispatcher: signal.NewDispatcher(cfg, filter.Build(cfg)),
		sizer:      risk.NewSizer(cfg, opts...),
		entryATR:   make(map[string]float64, 2),
	}
}

func (e *Engine) Config() config.StrategyConfig { return e.cfg }

// Symbols returns the primary symbol and, when hedging, the inverse symbol.
func (e *Engine) Symbols() []string {
	if e.cfg.ShortEnabled && e.cfg.UseInverseInstrument {
		return []string{e.cfg.PrimarySymbol(), e.cfg.HedgeSymbol()}
	}
	return []string{e.cfg.PrimarySymbol()}
}

// Holding returns the open position on the primary or hedge symbol.
func (e *Engine) Holding(l *portfolio.Ledger) *portfolio.Position {
	for _, sym := range e.Symbols() {
		if pos, ok := l.Position(sym); ok {
			return &pos
		}
	}
	return nil
}

// Decide returns the bar's signal given the ledger's current holding. A held position keeps
// the ATR it was entered with, so an ATR stop does not move while the position is open.
func (e *Engine) Decide(l *portfolio.Ledger, snap indicator.Snapshot, hedge *indicator.Snapshot) (signal.Signal, bool) {
	in := signal.Input{Snap: snap, Hedge: hedge, Position: e.Holding(l)}
	if in.Position == nil {
		clear(e.entryATR)
	} else {
		in.EntryATR = e.entryATR[in.Position.Symbol]
	}
	return e.dispatcher.Dispatch(in)
}

// OrderFor converts a signal into a pending order. Entries are sized from the ledger's equity
// and cash; exits close the full holding. ok is false when sizing rounds to zero.
func (e *Engine) OrderFor(sig signal.Signal, l *portfolio.Ledger, atr float64, at time.Time) (execution.Order, bool, error) {
	side := sig.Type.Side()
	if side == 0 {
		return execution.Order{}, false, fmt.Errorf("signal %s has no side", sig.Type)
	}
	if !sig.Type.IsEntry() {
		pos, ok := l.Position(sig.Symbol)
		if !ok {
			return execution.Order{}, false, fmt.Errorf("%w: %s", portfolio.ErrNoPosition, sig.Symbol)
		}
		o := execution.NewOrder(sig.Symbol, pos.Side, false, pos.Quantity, sig.Price, at)
		o.Reason = sig.Reason
		return o, true, nil
	}
	sizing, err := e.sizer.Size(risk.Request{
		Side:   side,
		Price:  sig.Price,
		Equity: l.Equity(),
		Cash:   l.Cash(),
		ATR:    atr,
	})
	if err != nil {
		return execution.Order{}, false, err
	}
	if sizing.Shares <= 0 {
		return execution.Order{}, false, nil
	}
	o := execution.NewOrder(sig.Symbol, side, true, sizing.Shares, sig.Price, at)
	o.Reason = sig.Reason
	e.entryATR[o.Symbol] = atr
	return o, true, nil
}
