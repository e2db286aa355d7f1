package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meanrev/internal/config"
	"meanrev/internal/execution"
	"meanrev/internal/indicator"
	"meanrev/internal/logger"
	"meanrev/internal/market"
	"meanrev/internal/metrics"
	"meanrev/internal/portfolio"
	"meanrev/internal/risk"
	"meanrev/internal/signal"
	"meanrev/internal/strategy"

	"github.com/google/uuid"
)

const endOfPeriodReason = "end of period"

var ErrInsufficientHistory = errors.New("insufficient history for indicator warmup")

// Input is the bar history of one run. HedgeBars is only consulted when trading the inverse
// instrument; its bars are matched to the primary bars by timestamp.
type Input struct {
	Bars      []market.Bar
	HedgeBars []market.Bar
}

// Result is what a run hands back to its caller. The driver never persists it.
type Result struct {
	RunID       string                  `json:"run_id"`
	Symbol      string                  `json:"symbol"`
	Start       time.Time               `json:"start"`
	End         time.Time               `json:"end"`
	Warmup      int                     `json:"warmup"`
	TradeLog    []portfolio.TradeRecord `json:"trade_log"`
	EquityCurve []EquityPoint           `json:"equity_curve"`
	Signals     []signal.Signal         `json:"signals"`
	Metrics     Metrics                 `json:"metrics"`
	// Ignored counts signals dropped by a ledger validation error or a bar-level panic.
	Ignored int `json:"ignored"`
}

// Driver replays history through the strategy engine with a deterministic fill model. A
// Driver holds no run state; each Run builds its own ledger.
type Driver struct {
	strategy config.StrategyConfig
	bt       config.BacktestConfig
	model    execution.FillModel
	metrics  *metrics.Metrics
	barHook  func(i int, l *portfolio.Ledger)
}

type Option func(*Driver)

func WithMetrics(m *metrics.Metrics) Option { return func(d *Driver) { d.metrics = m } }

func NewDriver(strategyCfg config.StrategyConfig, btCfg config.BacktestConfig, opts ...Option) *Driver {
	d := &Driver{
		strategy: strategyCfg,
		bt:       btCfg,
		model:    execution.FillModelFrom(btCfg),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type run struct {
	d       *Driver
	engine  *strategy.Engine
	ledger  *portfolio.Ledger
	series  *indicator.Series
	hedge   *indicator.Series
	hedgeAt map[int64]int
	res     *Result
	peak    float64
}

// Run executes one backtest. Bars must be strictly ascending. When there are no more bars
// than the warmup needs, an empty result and ErrInsufficientHistory are returned.
func (d *Driver) Run(ctx context.Context, in Input) (Result, error) {
	started := time.Now()
	res := Result{RunID: uuid.NewString(), Symbol: d.strategy.PrimarySymbol()}
	if err := market.ValidateSeries(in.Bars); err != nil {
		return res, fmt.Errorf("primary bars: %w", err)
	}
	params := indicator.FromStrategy(d.strategy)
	warmup := indicator.Warmup(params)
	res.Warmup = warmup
	if len(in.Bars) <= warmup {
		d.metrics.ObserveRun("insufficient_history", time.Since(started))
		return res, fmt.Errorf("%w: %d bars, warmup %d", ErrInsufficientHistory, len(in.Bars), warmup)
	}
	ledger, err := portfolio.NewLedger(d.bt.InitialCash)
	if err != nil {
		return res, err
	}
	r := &run{
		d:      d,
		engine: strategy.New(d.strategy, risk.WithCosts(risk.CostsFrom(d.bt))),
		ledger: ledger,
		series: indicator.NewSeries(in.Bars, params),
		res:    &res,
	}
	if d.strategy.ShortEnabled && d.strategy.UseInverseInstrument {
		if err := market.ValidateSeries(in.HedgeBars); err != nil {
			return res, fmt.Errorf("hedge bars: %w", err)
		}
		r.hedge = indicator.NewSeries(in.HedgeBars, params)
		r.hedgeAt = market.IndexByTime(in.HedgeBars)
	}
	res.Start = in.Bars[warmup].Time
	res.End = in.Bars[len(in.Bars)-1].Time
	res.EquityCurve = make([]EquityPoint, 0, len(in.Bars)-warmup)

	logger.Infof("[backtest] run %s %s bars=%d warmup=%d", res.RunID, res.Symbol, len(in.Bars), warmup)
	for i := warmup; i < len(in.Bars); i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := r.step(i); err != nil {
			d.metrics.ObserveRun("aborted", time.Since(started))
			return res, err
		}
	}
	if err := r.closeAll(len(in.Bars) - 1); err != nil {
		d.metrics.ObserveRun("aborted", time.Since(started))
		return res, err
	}

	res.TradeLog = ledger.Trades()
	res.Metrics = ComputeMetrics(res.EquityCurve, res.TradeLog, d.bt.PeriodsPerYear, d.bt.RiskFreeRate)
	d.metrics.ObserveRun("done", time.Since(started))
	logger.Infof("[backtest] run %s done trades=%d return=%.2f%% maxdd=%.2f%% sharpe=%.2f",
		res.RunID, res.Metrics.Trades, res.Metrics.TotalReturn*100, res.Metrics.MaxDrawdown*100, res.Metrics.Sharpe)
	return res, nil
}

// step processes bar i. Ledger validation errors and panics are logged and the bar's signal
// is ignored; an invariant violation, including one left behind by a panic, is returned and
// aborts the run.
func (r *run) step(i int) (err error) {
	snap := r.series.At(i)
	hedge := r.hedgeSnapshot(snap.Time)
	defer func() {
		if p := recover(); p != nil {
			logger.Errorf("[backtest] run %s bar %d (%s) panic: %v", r.res.RunID, i, snap.Time.Format(time.RFC3339), p)
			if ierr := r.ledger.CheckInvariants(); ierr != nil {
				logger.Errorf("[backtest] run %s aborted: %v", r.res.RunID, ierr)
				err = ierr
				return
			}
			r.res.Ignored++
			err = nil
		}
		if err == nil {
			r.recordEquity(snap.Time)
		}
	}()

	r.mark(snap, hedge)
	if r.d.barHook != nil {
		r.d.barHook(i, r.ledger)
	}
	sig, ok := r.engine.Decide(r.ledger, snap, hedge)
	if !ok {
		return nil
	}
	r.d.metrics.ObserveSignal(sig.Type.String())
	atr := snap.ATR
	if sig.Type.Side() == portfolio.SideHedge && hedge != nil {
		atr = hedge.ATR
	}
	order, ok, err := r.engine.OrderFor(sig, r.ledger, atr, snap.Time)
	if err != nil {
		return r.reject(sig, err)
	}
	if !ok {
		logger.Debugf("[backtest] %s %s sized to zero", snap.Time.Format(time.RFC3339), sig.Type)
		return nil
	}
	if err := r.fill(&order, snap.Time); err != nil {
		return r.reject(sig, err)
	}
	r.res.Signals = append(r.res.Signals, sig)
	return nil
}

func (r *run) reject(sig signal.Signal, err error) error {
	if errors.Is(err, portfolio.ErrInvariantViolated) {
		logger.Errorf("[backtest] run %s aborted: %v", r.res.RunID, err)
		return err
	}
	logger.Warnf("[backtest] %s %s %s ignored: %v", sig.Time.Format(time.RFC3339), sig.Type, sig.Symbol, err)
	r.res.Ignored++
	return nil
}

// fill executes o instantly at the modelled price and books it.
func (r *run) fill(o *execution.Order, at time.Time) error {
	price := r.d.model.Price(o.Side, o.RefPrice)
	o.RecordFill(o.Quantity, price, r.d.model.Commission(o.Quantity, price))
	if err := o.Transition(execution.StatusFilled, at); err != nil {
		return err
	}
	if _, err := execution.ApplyFill(r.ledger, *o, at); err != nil {
		return err
	}
	return r.ledger.CheckInvariants()
}

func (r *run) hedgeSnapshot(t time.Time) *indicator.Snapshot {
	if r.hedge == nil {
		return nil
	}
	idx, ok := r.hedgeAt[t.UnixMilli()]
	if !ok {
		return nil
	}
	s := r.hedge.At(idx)
	return &s
}

func (r *run) mark(snap indicator.Snapshot, hedge *indicator.Snapshot) {
	prices := map[string]float64{r.d.strategy.PrimarySymbol(): snap.Close}
	if hedge != nil {
		prices[r.d.strategy.HedgeSymbol()] = hedge.Close
	}
	r.ledger.UpdatePrices(prices)
}

func (r *run) recordEquity(t time.Time) {
	eq := r.ledger.Equity()
	r.peak = max(r.peak, eq)
	dd := 0.0
	if r.peak > 0 {
		dd = (eq - r.peak) / r.peak
	}
	r.res.EquityCurve = append(r.res.EquityCurve, EquityPoint{
		Time:     t.UnixMilli(),
		Equity:   eq,
		Cash:     r.ledger.Cash(),
		Exposed:  !r.ledger.Flat(),
		Drawdown: dd,
	})
	r.d.metrics.ObserveBar(eq)
}

// closeAll force-closes every open position at the last bar's close.
func (r *run) closeAll(last int) error {
	if r.ledger.Flat() {
		return nil
	}
	snap := r.series.At(last)
	hedge := r.hedgeSnapshot(snap.Time)
	for _, pos := range r.ledger.Positions() {
		ref := snap.Close
		if pos.Side == portfolio.SideHedge {
			mark, ok := r.ledger.Mark(pos.Symbol)
			if hedge != nil {
				mark, ok = hedge.Close, true
			}
			if !ok {
				return fmt.Errorf("no price to close %s at end of period", pos.Symbol)
			}
			ref = mark
		}
		o := execution.NewOrder(pos.Symbol, pos.Side, false, pos.Quantity, ref, snap.Time)
		o.Reason = endOfPeriodReason
		if err := r.fill(&o, snap.Time); err != nil {
			return fmt.Errorf("close %s at end of period: %w", pos.Symbol, err)
		}
		logger.Infof("[backtest] run %s closed %s %s at end of period", r.res.RunID, pos.Side, pos.Symbol)
	}
	if n := len(r.res.EquityCurve); n > 0 {
		pt := &r.res.EquityCurve[n-1]
		pt.Equity = r.ledger.Equity()
		pt.Cash = r.ledger.Cash()
		pt.Exposed = false
	}
	return nil
}
