package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meanrev/internal/execution"
	"meanrev/internal/live"
	"meanrev/internal/logger"
	"meanrev/internal/market"
	"meanrev/internal/pkg/circuit"

	"golang.org/x/sync/errgroup"
)

// LiveOptions tune a live session.
type LiveOptions struct {
	// Paper forces the in-process paper executor regardless of execution.mode.
	Paper bool
	// Provider overrides the bar source; the bar cache is used when nil.
	Provider market.Provider
}

// Live runs the scheduled strategy loop and the metrics endpoint until ctx is cancelled.
func (a *App) Live(ctx context.Context, opts LiveOptions) error {
	runner, err := a.newRunner(opts)
	if err != nil {
		return err
	}
	group, ctx := errgroup.WithContext(ctx)
	if addr := a.cfg.Live.MetricsAddr; addr != "" {
		group.Go(func() error {
			if err := a.metrics.Serve(ctx, addr); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		err := runner.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return group.Wait()
}

func (a *App) newRunner(opts LiveOptions) (*live.Runner, error) {
	venue, err := a.executorFn(*a.cfg, opts.Paper)
	if err != nil {
		return nil, fmt.Errorf("build executor: %w", err)
	}
	provider := opts.Provider
	if provider == nil {
		provider = a.provider
	}
	if venue.paper != nil {
		provider = &pricingProvider{Provider: provider, paper: venue.paper}
	}
	execCfg := a.cfg.Execution
	stop := &execution.StopFlag{}
	breaker := circuit.New(venue.exec.Name(), execCfg.BreakerThreshold, execCfg.BreakerCooldown())
	breaker.OnStateChange(func(name string, from, to circuit.State) {
		a.metrics.ObserveBreaker(name, int(to))
		logger.Warnf("[live] breaker %s: %s -> %s", name, from, to)
	})
	adapter := execution.NewAdapter(venue.exec, execution.PolicyFromConfig(execCfg.Retry),
		execution.WithBreaker(breaker),
		execution.WithMetrics(a.metrics),
		execution.WithStopFlag(stop),
	)
	tracker := execution.NewTracker(venue.exec, execution.TrackerConfigFrom(execCfg),
		execution.TrackWithStopFlag(stop),
		execution.TrackWithMetrics(a.metrics),
	)
	return live.NewRunner(*a.cfg, live.Deps{
		Provider: provider,
		Adapter:  adapter,
		Tracker:  tracker,
		Stop:     stop,
		Recorder: a.results,
		Metrics:  a.metrics,
	})
}

// pricingProvider feeds the latest close of every bar request to the paper venue so its
// marks follow the data the strategy sees.
type pricingProvider struct {
	market.Provider
	paper *execution.PaperExecutor
}

func (p *pricingProvider) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]market.Bar, error) {
	bars, err := p.Provider.GetBars(ctx, symbol, start, end)
	if err == nil && len(bars) > 0 {
		p.paper.SetPrice(symbol, bars[len(bars)-1].Close)
	}
	return bars, err
}
