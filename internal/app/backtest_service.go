package app

import (
	"context"
	"fmt"
	"time"

	"meanrev/internal/backtest"
	"meanrev/internal/logger"
	"meanrev/internal/market"
	"meanrev/internal/report"
	"meanrev/internal/store/resultstore"
)

// BacktestRequest selects the history window and what to do with the result.
type BacktestRequest struct {
	From time.Time
	To   time.Time
	// Save persists the run to the result store.
	Save bool
	// ChartPath, when set, receives the HTML report.
	ChartPath string
}

// OptimizeRequest runs a parameter grid over the same window as a backtest.
type OptimizeRequest struct {
	GridPath string
	From     time.Time
	To       time.Time
}

// Backtest replays the cached bars of the configured symbol through the strategy.
func (a *App) Backtest(ctx context.Context, req BacktestRequest) (backtest.Result, error) {
	in, err := a.loadInput(ctx, req.From, req.To)
	if err != nil {
		return backtest.Result{}, err
	}
	driver := backtest.NewDriver(a.cfg.Strategy, a.cfg.Backtest, backtest.WithMetrics(a.metrics))
	res, err := driver.Run(ctx, in)
	if err != nil {
		if req.Save && res.RunID != "" {
			if serr := a.results.SaveFailedRun(context.WithoutCancel(ctx), res.RunID, a.cfg.Strategy.PrimarySymbol(), a.interval.Key, err); serr != nil {
				logger.Warnf("[backtest] record failed run: %v", serr)
			}
		}
		return res, err
	}
	if req.Save {
		if err := a.results.SaveRun(ctx, res, a.interval.Key, a.cfg.Strategy); err != nil {
			return res, fmt.Errorf("save run %s: %w", res.RunID, err)
		}
	}
	if req.ChartPath != "" {
		if err := report.WriteFile(req.ChartPath, res); err != nil {
			return res, fmt.Errorf("write chart: %w", err)
		}
		logger.Infof("[backtest] chart written to %s", req.ChartPath)
	}
	return res, nil
}

// Optimize sweeps the grid at req.GridPath and returns ranked trials.
func (a *App) Optimize(ctx context.Context, req OptimizeRequest) ([]backtest.Trial, error) {
	grid, err := backtest.LoadGrid(req.GridPath)
	if err != nil {
		return nil, err
	}
	in, err := a.loadInput(ctx, req.From, req.To)
	if err != nil {
		return nil, err
	}
	return backtest.NewOptimizer(*a.cfg, a.metrics).Optimize(ctx, grid, in)
}

// Runs lists stored backtests for the configured symbol, newest first.
func (a *App) Runs(ctx context.Context, limit int) ([]resultstore.RunSummary, error) {
	return a.results.ListRuns(ctx, a.cfg.Strategy.PrimarySymbol(), limit)
}

// LoadRun reads one stored backtest back.
func (a *App) LoadRun(ctx context.Context, id string) (resultstore.StoredRun, error) {
	return a.results.LoadRun(ctx, id)
}

func (a *App) loadInput(ctx context.Context, from, to time.Time) (backtest.Input, error) {
	if !to.IsZero() && !from.IsZero() && !to.After(from) {
		return backtest.Input{}, fmt.Errorf("invalid range: %s is not after %s", to.Format(time.DateOnly), from.Format(time.DateOnly))
	}
	var in backtest.Input
	var err error
	if in.Bars, err = a.provider.GetBars(ctx, a.cfg.Strategy.PrimarySymbol(), from, to); err != nil {
		return in, fmt.Errorf("load %s: %w", a.cfg.Strategy.PrimarySymbol(), err)
	}
	if len(in.Bars) == 0 {
		return in, fmt.Errorf("no cached %s %s bars in range; run sync or import first", a.cfg.Strategy.PrimarySymbol(), a.interval.Key)
	}
	s := a.cfg.Strategy
	if s.ShortEnabled && s.UseInverseInstrument {
		if in.HedgeBars, err = a.provider.GetBars(ctx, s.HedgeSymbol(), from, to); err != nil {
			return in, fmt.Errorf("load %s: %w", s.HedgeSymbol(), err)
		}
		if len(in.HedgeBars) == 0 {
			logger.Warnf("[backtest] no %s bars cached; hedge entries will be skipped", s.HedgeSymbol())
		}
	}
	logger.Debugf("[backtest] loaded %d %s bars (%s)", len(in.Bars), s.PrimarySymbol(), spanOf(in.Bars))
	return in, nil
}

func spanOf(bars []market.Bar) string {
	if len(bars) == 0 {
		return "-"
	}
	return bars[0].Time.Format(time.DateOnly) + ".." + bars[len(bars)-1].Time.Format(time.DateOnly)
}
