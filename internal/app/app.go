package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"meanrev/internal/config"
	"meanrev/internal/logger"
	"meanrev/internal/market"
	"meanrev/internal/metrics"
	"meanrev/internal/store/barstore"
	"meanrev/internal/store/resultstore"
)

// App wires the bar cache, result store and strategy configuration behind the CLI commands.
// It is built once per configuration and closed on exit.
type App struct {
	cfg      *config.Config
	interval market.Interval
	bars     *barstore.Store
	results  *resultstore.Store
	provider market.Provider
	metrics  *metrics.Metrics

	fetcherFn  func(config.MarketConfig, market.Interval) (market.Fetcher, error)
	executorFn func(config.Config, bool) (executorHandle, error)

	Summary *StartupSummary
}

// NewApp builds the application for cfg (without starting anything).
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(ctx, cfg)
}

// Config returns the configuration the app was built with.
func (a *App) Config() config.Config {
	return *a.cfg
}

// Metrics exposes the app's collectors.
func (a *App) Metrics() *metrics.Metrics {
	return a.metrics
}

// Close releases the stores. It is safe to call on a partially built app.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.results != nil {
		errs = append(errs, a.results.Close())
	}
	if a.bars != nil {
		errs = append(errs, a.bars.Close())
	}
	return errors.Join(errs...)
}

func (a *App) symbols() []string {
	s := a.cfg.Strategy
	out := []string{s.PrimarySymbol()}
	if s.ShortEnabled && s.UseInverseInstrument {
		out = append(out, s.HedgeSymbol())
	}
	return out
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
