package barstore

import (
	"context"
	"strings"
	"time"

	"meanrev/internal/market"
)

// Provider serves cached bars for one interval as a market.Provider.
type Provider struct {
	store    *Store
	interval market.Interval
}

func NewProvider(store *Store, iv market.Interval) *Provider {
	return &Provider{store: store, interval: iv}
}

func (p *Provider) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]market.Bar, error) {
	var from, to int64
	if !start.IsZero() {
		from = start.UnixMilli()
	}
	if !end.IsZero() {
		to = end.UnixMilli()
	}
	bars, err := p.store.RangeBars(ctx, strings.ToUpper(strings.TrimSpace(symbol)), p.interval.Key, from, to)
	if err != nil {
		return nil, err
	}
	if err := market.ValidateSeries(bars); err != nil {
		return nil, err
	}
	return bars, nil
}
