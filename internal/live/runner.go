package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
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

	"github.com/robfig/cron/v3"
)

const closeGrace = 5 * time.Second

// OrderRecorder persists orders as they change. The result store implements it.
type OrderRecorder interface {
	SaveOrder(ctx context.Context, o execution.Order) error
}

// Deps are the collaborators of a Runner. Recorder, Metrics and Clock are optional.
type Deps struct {
	Provider market.Provider
	Adapter  *execution.Adapter
	Tracker  *execution.Tracker
	Stop     *execution.StopFlag
	Recorder OrderRecorder
	Metrics  *metrics.Metrics
	Clock    func() time.Time
}

// TickResult describes what one evaluation did.
type TickResult struct {
	BarTime time.Time
	Signal  *signal.Signal
	Order   *execution.Order
	Trade   *portfolio.TradeRecord
}

// Runner evaluates the strategy on each closed bar and routes orders through the execution
// adapter. Ticks never overlap; a tick that fires while another is running is skipped.
type Runner struct {
	cfg      config.Config
	engine   *strategy.Engine
	interval market.Interval
	deps     Deps
	ledger   *portfolio.Ledger

	mu      sync.Mutex
	running sync.Mutex
}

func NewRunner(cfg config.Config, deps Deps) (*Runner, error) {
	if deps.Provider == nil || deps.Adapter == nil || deps.Tracker == nil {
		return nil, fmt.Errorf("live runner requires provider, adapter and tracker")
	}
	iv, err := market.ParseInterval(cfg.Backtest.Interval)
	if err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Stop == nil {
		deps.Stop = &execution.StopFlag{}
	}
	return &Runner{
		cfg:      cfg,
		engine:   strategy.New(cfg.Strategy, risk.WithCosts(risk.CostsFrom(cfg.Backtest))),
		interval: iv,
		deps:     deps,
	}, nil
}

// Ledger returns the runner's local book. Nil before Reconcile.
func (r *Runner) Ledger() *portfolio.Ledger {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger
}

// Reconcile seeds the local ledger from the executor's account and open positions.
func (r *Runner) Reconcile(ctx context.Context) error {
	exec := r.deps.Adapter.Executor()
	acct, err := exec.Account(ctx)
	if err != nil {
		return fmt.Errorf("read account: %w", err)
	}
	positions := make([]*portfolio.Position, 0, 2)
	cash := acct.Cash
	for _, sym := range r.engine.Symbols() {
		pos, err := exec.Position(ctx, sym)
		if err != nil {
			return fmt.Errorf("read position %s: %w", sym, err)
		}
		if pos == nil {
			continue
		}
		if r.cfg.Strategy.UseInverseInstrument && sym == r.cfg.Strategy.HedgeSymbol() && pos.Side == portfolio.SideLong {
			pos.Side = portfolio.SideHedge
		}
		positions = append(positions, pos)
		// venue cash already reflects the open; the ledger books it again when seeded
		if pos.Side.Owns() {
			cash += pos.Quantity * pos.AvgEntryPrice
		} else {
			cash -= pos.Quantity * pos.AvgEntryPrice
		}
	}
	ledger, err := portfolio.NewLedger(cash)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		if err := ledger.OpenPosition(pos.Symbol, pos.Side, pos.Quantity, pos.AvgEntryPrice, 0, pos.EntryTime, pos.EntryReason); err != nil {
			return fmt.Errorf("seed position %s: %w", pos.Symbol, err)
		}
		logger.Infof("[live] reconciled %s %s qty=%.6f avg=%.4f", pos.Side, pos.Symbol, pos.Quantity, pos.AvgEntryPrice)
	}
	r.mu.Lock()
	r.ledger = ledger
	r.mu.Unlock()
	logger.Infof("[live] reconciled via %s: cash=%.2f equity=%.2f", exec.Name(), ledger.Cash(), acct.Equity)
	return nil
}

// Run reconciles, then evaluates on the configured cron schedule until ctx is done or the
// stop flag is raised.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Reconcile(ctx); err != nil {
		return err
	}
	sched, err := cron.ParseStandard(r.cfg.Live.Schedule)
	if err != nil {
		return fmt.Errorf("live.schedule: %w", err)
	}
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{})))
	c.Schedule(sched, cron.FuncJob(func() {
		if r.deps.Stop.Stopped() {
			return
		}
		if _, err := r.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("[live] tick failed: %v", err)
		}
	}))
	logger.Infof("[live] %s on %s, schedule %q, next %s", r.cfg.Strategy.PrimarySymbol(), r.interval.Key,
		r.cfg.Live.Schedule, sched.Next(r.deps.Clock()).Format(time.RFC3339))
	c.Start()
	defer func() {
		<-c.Stop().Done()
		logger.Infof("[live] stopped")
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.deps.Stop.Stop()
			return ctx.Err()
		case <-ticker.C:
			if r.deps.Stop.Stopped() {
				return nil
			}
		}
	}
}

// Tick evaluates the latest closed bar once.
func (r *Runner) Tick(ctx context.Context) (TickResult, error) {
	if !r.running.TryLock() {
		logger.Warnf("[live] previous tick still running, skipping")
		return TickResult{}, nil
	}
	defer r.running.Unlock()
	ledger := r.Ledger()
	if ledger == nil {
		return TickResult{}, fmt.Errorf("ledger not reconciled")
	}

	now := r.deps.Clock()
	params := indicator.FromStrategy(r.cfg.Strategy)
	need := max(r.cfg.Live.LookbackBars, indicator.Warmup(params)+2)
	bars, err := r.recentBars(ctx, r.cfg.Strategy.PrimarySymbol(), need, now)
	if err != nil {
		return TickResult{}, err
	}
	if len(bars) <= indicator.Warmup(params) {
		logger.Warnf("[live] %d closed bars, warmup needs more than %d", len(bars), indicator.Warmup(params))
		return TickResult{}, nil
	}
	series := indicator.NewSeries(bars, params)
	snap := series.At(series.Len() - 1)
	res := TickResult{BarTime: snap.Time}

	var hedge *indicator.Snapshot
	prices := map[string]float64{r.cfg.Strategy.PrimarySymbol(): snap.Close}
	if r.cfg.Strategy.ShortEnabled && r.cfg.Strategy.UseInverseInstrument {
		hbars, err := r.recentBars(ctx, r.cfg.Strategy.HedgeSymbol(), need, now)
		if err != nil {
			return res, fmt.Errorf("hedge bars: %w", err)
		}
		if idx, ok := market.IndexByTime(hbars)[snap.Time.UnixMilli()]; ok {
			hs := indicator.NewSeries(hbars, params).At(idx)
			hedge = &hs
			prices[r.cfg.Strategy.HedgeSymbol()] = hs.Close
		}
	}
	ledger.UpdatePrices(prices)
	r.deps.Metrics.ObserveBar(ledger.Equity())

	sig, ok := r.engine.Decide(ledger, snap, hedge)
	if !ok {
		logger.Debugf("[live] %s close=%.4f rsi=%.2f: no signal", snap.Time.Format(time.RFC3339), snap.Close, snap.RSI)
		return res, nil
	}
	res.Signal = &sig
	r.deps.Metrics.ObserveSignal(sig.Type.String())
	logger.Infof("[live] %s %s %s @ %.4f (%s)", snap.Time.Format(time.RFC3339), sig.Type, sig.Symbol, sig.Price, sig.Reason)

	atr := snap.ATR
	if hedge != nil && sig.Type.Side() == portfolio.SideHedge {
		atr = hedge.ATR
	}
	order, ok, err := r.engine.OrderFor(sig, ledger, atr, now)
	if err != nil {
		if portfolio.IsValidationError(err) {
			logger.Warnf("[live] %s ignored: %v", sig.Type, err)
			return res, nil
		}
		return res, err
	}
	if !ok {
		logger.Infof("[live] %s sized to zero", sig.Type)
		return res, nil
	}

	order, execErr := r.execute(ctx, order)
	res.Order = &order
	if execErr != nil {
		if order.FilledQuantity <= 0 {
			return res, execErr
		}
		logger.Warnf("[live] %s %s %s: booking %.6f/%.6f filled before error: %v",
			order.Side, order.Symbol, order.Status, order.FilledQuantity, order.Quantity, execErr)
	}
	trade, err := execution.ApplyFill(ledger, order, r.deps.Clock())
	if err != nil {
		return res, errors.Join(execErr, fmt.Errorf("book fill %s: %w", order.ID, err))
	}
	res.Trade = trade
	if err := ledger.CheckInvariants(); err != nil {
		r.deps.Stop.Stop()
		return res, errors.Join(execErr, err)
	}
	if trade != nil {
		logger.Infof("[live] closed %s %s pnl=%.2f (%.2f%%)", trade.Side, trade.Symbol, trade.PnL, trade.PnLPct)
	}
	return res, execErr
}

func (r *Runner) execute(ctx context.Context, o execution.Order) (execution.Order, error) {
	submitted, err := r.deps.Adapter.Submit(ctx, o)
	r.record(ctx, submitted)
	if err != nil {
		return submitted, fmt.Errorf("submit %s %s: %w", submitted.Side, submitted.Symbol, err)
	}
	final, err := r.deps.Tracker.Await(ctx, submitted)
	r.record(ctx, final)
	if err != nil {
		return final, fmt.Errorf("await %s: %w", final.ExternalID, err)
	}
	return final, nil
}

func (r *Runner) record(ctx context.Context, o execution.Order) {
	if r.deps.Recorder == nil {
		return
	}
	if err := r.deps.Recorder.SaveOrder(context.WithoutCancel(ctx), o); err != nil {
		logger.Warnf("[live] save order %s: %v", o.ID, err)
	}
}

// recentBars loads enough history to cover n closed bars and drops a still-forming last bar.
func (r *Runner) recentBars(ctx context.Context, symbol string, n int, now time.Time) ([]market.Bar, error) {
	start := now.Add(-time.Duration(n+1) * r.interval.Duration)
	bars, err := r.deps.Provider.GetBars(ctx, symbol, start, now)
	if err != nil {
		return nil, fmt.Errorf("load %s bars: %w", symbol, err)
	}
	bars = market.DropUnclosed(bars, r.interval.Duration, now, closeGrace)
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return bars, nil
}

type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) { logger.Debugf("[live] cron %s %v", msg, kv) }

func (cronLogger) Error(err error, msg string, kv ...any) {
	logger.Errorf("[live] cron %s: %v %v", msg, err, kv)
}
