package app

import (
	"context"
	"fmt"
	"time"

	"meanrev/internal/config"
	"meanrev/internal/execution"
	"meanrev/internal/execution/freqtrade"
	"meanrev/internal/logger"
	"meanrev/internal/market"
	"meanrev/internal/market/binance"
	"meanrev/internal/metrics"
	"meanrev/internal/store/barstore"
	"meanrev/internal/store/resultstore"
)

// executorHandle is an executor plus, for the paper venue, the hook used to feed it prices.
type executorHandle struct {
	exec  execution.Executor
	paper *execution.PaperExecutor
}

type AppBuilder struct {
	cfg *config.Config

	barStoreFn    func(string) (*barstore.Store, error)
	resultStoreFn func(string) (*resultstore.Store, error)
	fetcherFn     func(config.MarketConfig, market.Interval) (market.Fetcher, error)
	executorFn    func(config.Config, bool) (executorHandle, error)
}

type AppBuilderOption func(*AppBuilder)

// WithFetcher replaces the remote bar source used by Sync.
func WithFetcher(fn func(config.MarketConfig, market.Interval) (market.Fetcher, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.fetcherFn = fn }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:           cfg,
		barStoreFn:    barstore.New,
		resultStoreFn: resultstore.Open,
		fetcherFn:     buildBinanceFetcher,
		executorFn:    buildExecutor,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	iv, err := market.ParseInterval(cfg.Backtest.Interval)
	if err != nil {
		return nil, fmt.Errorf("backtest.interval: %w", err)
	}
	bars, err := b.barStoreFn(cfg.Store.BarDir)
	if err != nil {
		return nil, fmt.Errorf("open bar store: %w", err)
	}
	results, err := b.resultStoreFn(cfg.Store.ResultDBPath)
	if err != nil {
		_ = bars.Close()
		return nil, fmt.Errorf("open result store: %w", err)
	}
	app := &App{
		cfg:        cfg,
		interval:   iv,
		bars:       bars,
		results:    results,
		provider:   barstore.NewProvider(bars, iv),
		metrics:    metrics.New(),
		fetcherFn:  b.fetcherFn,
		executorFn: b.executorFn,
	}
	app.Summary = buildSummary(ctx, app)
	logger.Debugf("[app] built: bars=%s results=%s interval=%s", cfg.Store.BarDir, cfg.Store.ResultDBPath, iv.Key)
	return app, nil
}

func buildBinanceFetcher(cfg config.MarketConfig, iv market.Interval) (market.Fetcher, error) {
	return binance.New(binance.Config{
		RESTBaseURL:       cfg.RESTBaseURL,
		HTTPTimeout:       time.Duration(cfg.HTTPTimeoutSeconds) * time.Second,
		ProxyURL:          cfg.ProxyURL,
		Interval:          iv.Key,
		PageLimit:         cfg.PageLimit,
		RequestsPerMinute: cfg.RequestsPerMinute,
	})
}

// buildExecutor selects the venue from execution.mode. forcePaper overrides the mode.
func buildExecutor(cfg config.Config, forcePaper bool) (executorHandle, error) {
	mode := cfg.Execution.Mode
	if forcePaper {
		mode = "paper"
	}
	switch mode {
	case "", "paper":
		paper, err := execution.NewPaperExecutor(cfg.Backtest.InitialCash, execution.FillModelFrom(cfg.Backtest))
		if err != nil {
			return executorHandle{}, err
		}
		return executorHandle{exec: paper, paper: paper}, nil
	case "freqtrade":
		client, err := freqtrade.NewClient(cfg.Execution.Freqtrade)
		if err != nil {
			return executorHandle{}, err
		}
		return executorHandle{exec: freqtrade.NewExecutor(client, cfg.Execution.Freqtrade)}, nil
	default:
		return executorHandle{}, fmt.Errorf("unknown execution.mode %q", mode)
	}
}

func provideAppBuilder(cfg *config.Config) *AppBuilder {
	return NewAppBuilder(cfg)
}

func provideAppFromBuilder(ctx context.Context, b *AppBuilder) (*App, error) {
	return b.Build(ctx)
}
