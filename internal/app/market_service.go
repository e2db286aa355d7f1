package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"meanrev/internal/logger"
	"meanrev/internal/market"
	"meanrev/internal/store/barstore"
)

// Sync fills the bar cache for the configured symbols over [from, to] from the remote source.
func (a *App) Sync(ctx context.Context, from, to time.Time) (map[string]barstore.SyncResult, error) {
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if !to.After(from) {
		return nil, fmt.Errorf("invalid range: %s is not after %s", to.Format(time.DateOnly), from.Format(time.DateOnly))
	}
	fetcher, err := a.fetcherFn(a.cfg.Market, a.interval)
	if err != nil {
		return nil, fmt.Errorf("build fetcher: %w", err)
	}
	out := make(map[string]barstore.SyncResult, 2)
	for _, sym := range a.symbols() {
		res, err := a.bars.Sync(ctx, fetcher, sym, a.interval, from, to, a.cfg.Market.PageLimit)
		out[sym] = res
		if err != nil {
			return out, fmt.Errorf("sync %s: %w", sym, err)
		}
		for _, w := range res.Warnings {
			logger.Warnf("[sync] %s: %s", sym, w)
		}
		logger.Infof("[sync] %s %s inserted=%d present=%d/%d gaps=%d", sym, a.interval.Key,
			res.Inserted, res.After.Present, res.After.Expected, len(res.After.Gaps))
	}
	return out, nil
}

// Import loads bars for symbol from a CSV reader into the cache. An empty symbol means the
// configured primary symbol.
func (a *App) Import(ctx context.Context, symbol string, r io.Reader) (int, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		symbol = a.cfg.Strategy.PrimarySymbol()
	}
	bars, err := market.ReadCSV(r)
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, fmt.Errorf("csv contains no bars")
	}
	if floor := a.cfg.Market.MinVolume; floor > 0 {
		kept := bars[:0]
		for _, b := range bars {
			if b.Volume >= floor {
				kept = append(kept, b)
			}
		}
		if dropped := len(bars) - len(kept); dropped > 0 {
			logger.Warnf("[import] %s: dropped %d bars below min volume %.0f", symbol, dropped, floor)
		}
		bars = kept
	}
	n, err := a.bars.InsertBars(ctx, symbol, a.interval.Key, bars)
	if err != nil {
		return n, fmt.Errorf("insert %s bars: %w", symbol, err)
	}
	logger.Infof("[import] %s %s: %d bars (%s)", symbol, a.interval.Key, n, spanOf(bars))
	return n, nil
}

// Coverage reports the cached range of each configured symbol.
func (a *App) Coverage(ctx context.Context) (map[string]barstore.Manifest, error) {
	out := make(map[string]barstore.Manifest, 2)
	for _, sym := range a.symbols() {
		m, err := a.bars.Manifest(ctx, sym, a.interval.Key)
		if err != nil {
			return out, err
		}
		out[sym] = m
	}
	return out, nil
}
