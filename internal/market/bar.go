package market

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrUnsortedBars = errors.New("bars are not strictly ascending")
	ErrInvalidBar   = errors.New("bar has invalid prices")
)

// Bar is one OHLCV sample. VWAP is zero when the source does not provide it.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
	VWAP   float64   `json:"vwap,omitempty"`
}

// HasVWAP reports whether the bar carries its own VWAP.
func (b Bar) HasVWAP() bool {
	return b.VWAP > 0 && !math.IsNaN(b.VWAP) && !math.IsInf(b.VWAP, 0)
}

// Typical returns (high+low+close)/3.
func (b Bar) Typical() float64 {
	return (b.High + b.Low + b.Close) / 3
}

// Provider supplies historical bars for a symbol. Implementations return bars that pass
// ValidateSeries and lie inside [start, end].
type Provider interface {
	GetBars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error)
}

// ValidateSeries checks that timestamps are strictly ascending and prices are usable.
func ValidateSeries(bars []Bar) error {
	for i, b := range bars {
		if b.Time.IsZero() {
			return fmt.Errorf("%w: bar %d has no timestamp", ErrInvalidBar, i)
		}
		if !finitePositive(b.Close) || !finitePositive(b.High) || !finitePositive(b.Low) {
			return fmt.Errorf("%w: bar %d at %s", ErrInvalidBar, i, b.Time.Format(time.RFC3339))
		}
		if b.Volume < 0 || math.IsNaN(b.Volume) {
			return fmt.Errorf("%w: bar %d has negative volume", ErrInvalidBar, i)
		}
		if i > 0 && !b.Time.After(bars[i-1].Time) {
			return fmt.Errorf("%w: %s follows %s", ErrUnsortedBars,
				b.Time.Format(time.RFC3339), bars[i-1].Time.Format(time.RFC3339))
		}
	}
	return nil
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// IndexByTime maps each bar timestamp (unix ms) to its position in the series.
func IndexByTime(bars []Bar) map[int64]int {
	out := make(map[int64]int, len(bars))
	for i, b := range bars {
		out[b.Time.UnixMilli()] = i
	}
	return out
}

// Window returns the bars whose time lies in [start, end]. A zero end means open-ended.
func Window(bars []Bar, start, end time.Time) []Bar {
	out := make([]Bar, 0, len(bars))
	for _, b := range bars {
		if !start.IsZero() && b.Time.Before(start) {
			continue
		}
		if !end.IsZero() && b.Time.After(end) {
			continue
		}
		out = append(out, b)
	}
	return out
}
