package barstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"meanrev/internal/logger"
	"meanrev/internal/market"
)

// Gap is a run of missing grid points, inclusive on both ends (unix ms).
type Gap struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// IntegrityReport compares the stored open times with the interval grid.
type IntegrityReport struct {
	Expected int64 `json:"expected"`
	Present  int64 `json:"present"`
	Gaps     []Gap `json:"gaps"`
}

func (r IntegrityReport) Complete() bool {
	return len(r.Gaps) == 0
}

// CheckIntegrity lists the grid points in [start, end] that have no stored bar.
func (s *Store) CheckIntegrity(ctx context.Context, symbol string, iv market.Interval, start, end int64) (IntegrityReport, error) {
	start, end = iv.AlignRange(start, end)
	times, err := s.OpenTimes(ctx, symbol, iv.Key, start, end)
	if err != nil {
		return IntegrityReport{}, err
	}
	report := IntegrityReport{Expected: iv.ExpectedBars(start, end), Present: int64(len(times))}
	step := iv.Duration.Milliseconds()
	if step <= 0 {
		return report, nil
	}
	present := make(map[int64]struct{}, len(times))
	for _, ts := range times {
		present[ts] = struct{}{}
	}
	var open *Gap
	for ts := start; ts <= end; ts += step {
		if _, ok := present[ts]; ok {
			if open != nil {
				report.Gaps = append(report.Gaps, *open)
				open = nil
			}
			continue
		}
		if open == nil {
			open = &Gap{From: ts, To: ts}
		} else {
			open.To = ts
		}
	}
	if open != nil {
		report.Gaps = append(report.Gaps, *open)
	}
	return report, nil
}

// SyncResult reports what one Sync call changed.
type SyncResult struct {
	Inserted int
	Before   IntegrityReport
	After    IntegrityReport
	Warnings []string
}

// Sync fills the gaps of [start, end] from fetcher page by page. Gaps the source cannot fill
// (market holidays, listing dates) are reported as warnings rather than errors.
func (s *Store) Sync(ctx context.Context, fetcher market.Fetcher, symbol string, iv market.Interval, start, end time.Time, pageLimit int) (SyncResult, error) {
	if fetcher == nil {
		return SyncResult{}, fmt.Errorf("fetcher is required")
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if pageLimit <= 0 {
		pageLimit = 1000
	}
	before, err := s.CheckIntegrity(ctx, symbol, iv, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return SyncResult{}, err
	}
	res := SyncResult{Before: before}
	logger.Infof("[barstore] sync %s %s expected=%d present=%d gaps=%d",
		symbol, iv.Key, before.Expected, before.Present, len(before.Gaps))

	step := iv.Duration.Milliseconds()
	for _, gap := range before.Gaps {
		cursor := gap.From
		for cursor <= gap.To {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			remaining := int((gap.To-cursor)/step) + 1
			if remaining > pageLimit {
				remaining = pageLimit
			}
			data, err := fetcher.Fetch(ctx, market.FetchRequest{
				Symbol:   symbol,
				Interval: iv.SourceInterval,
				Start:    cursor,
				End:      gap.To,
				Limit:    remaining,
			})
			if err != nil {
				return res, fmt.Errorf("%s fetch failed: %w", fetcher.Name(), err)
			}
			if len(data) == 0 {
				res.Warnings = append(res.Warnings, fmt.Sprintf("range [%d,%d] returned no bars", cursor, gap.To))
				break
			}
			inserted, err := s.InsertBars(ctx, symbol, iv.Key, data)
			if err != nil {
				return res, fmt.Errorf("insert failed: %w", err)
			}
			res.Inserted += inserted
			next := data[len(data)-1].Time.UnixMilli() + step
			if inserted == 0 || next <= cursor {
				break
			}
			cursor = next
		}
	}
	after, err := s.CheckIntegrity(ctx, symbol, iv, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		res.Warnings = append(res.Warnings, "integrity check failed: "+err.Error())
	}
	res.After = after
	logger.Infof("[barstore] sync %s %s done inserted=%d gaps=%d", symbol, iv.Key, res.Inserted, len(after.Gaps))
	return res, nil
}
