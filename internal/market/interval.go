package market

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Interval describes a bar period and the name the exchange uses for it.
type Interval struct {
	Key            string
	Duration       time.Duration
	SourceInterval string
}

var supportedIntervals = map[string]Interval{
	"1m":  {Key: "1m", Duration: time.Minute, SourceInterval: "1m"},
	"5m":  {Key: "5m", Duration: 5 * time.Minute, SourceInterval: "5m"},
	"15m": {Key: "15m", Duration: 15 * time.Minute, SourceInterval: "15m"},
	"30m": {Key: "30m", Duration: 30 * time.Minute, SourceInterval: "30m"},
	"1h":  {Key: "1h", Duration: time.Hour, SourceInterval: "1h"},
	"4h":  {Key: "4h", Duration: 4 * time.Hour, SourceInterval: "4h"},
	"1d":  {Key: "1d", Duration: 24 * time.Hour, SourceInterval: "1d"},
	"1w":  {Key: "1w", Duration: 7 * 24 * time.Hour, SourceInterval: "1w"},
}

// ParseInterval returns the normalized definition for input ("1d", "4H", ...).
func ParseInterval(input string) (Interval, error) {
	key := strings.ToLower(strings.TrimSpace(input))
	iv, ok := supportedIntervals[key]
	if !ok {
		return Interval{}, fmt.Errorf("unsupported interval: %s", input)
	}
	return iv, nil
}

// SupportedIntervals lists the accepted keys in sorted order.
func SupportedIntervals() []string {
	keys := make([]string, 0, len(supportedIntervals))
	for k := range supportedIntervals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ParseDuration converts any "<n><m|h|d|w>" string, supported or not, to a duration.
func ParseDuration(interval string) (time.Duration, bool) {
	interval = strings.ToLower(strings.TrimSpace(interval))
	if len(interval) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return 0, false
	}
	switch interval[len(interval)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, true
	case 'h':
		return time.Duration(n) * time.Hour, true
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

func alignDown(ts, step int64) int64 {
	if step <= 0 {
		return ts
	}
	rem := ts % step
	if rem < 0 {
		rem += step
	}
	return ts - rem
}

// AlignRange snaps start/end (unix ms) onto the interval grid and guarantees start <= end.
func (iv Interval) AlignRange(start, end int64) (int64, int64) {
	step := iv.Duration.Milliseconds()
	if end < start {
		start, end = end, start
	}
	alStart := alignDown(start, step)
	alEnd := alignDown(end, step)
	if alEnd < alStart {
		alEnd = alStart
	}
	return alStart, alEnd
}

// ExpectedBars counts the grid points in [start, end] (unix ms, inclusive).
func (iv Interval) ExpectedBars(start, end int64) int64 {
	if end < start {
		return 0
	}
	step := iv.Duration.Milliseconds()
	if step == 0 {
		return 0
	}
	return ((end - start) / step) + 1
}

// DropUnclosed removes the trailing bar when it has not closed yet at now (plus grace).
func DropUnclosed(bars []Bar, period time.Duration, now time.Time, grace time.Duration) []Bar {
	if len(bars) == 0 || period <= 0 {
		return bars
	}
	if grace < 0 {
		grace = 0
	}
	last := bars[len(bars)-1]
	if last.Time.IsZero() {
		return bars
	}
	if now.Before(last.Time.Add(period + grace)) {
		return bars[:len(bars)-1]
	}
	return bars
}
