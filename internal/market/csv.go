package market

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ReadCSV parses bars from a header-led CSV with columns time,open,high,low,close,volume and an
// optional vwap. Column order follows the header; the result is sorted and validated.
func ReadCSV(r io.Reader) ([]Bar, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"time", "open", "high", "low", "close", "volume"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("csv missing column %q", required)
		}
	}
	vwapCol, hasVWAP := cols["vwap"]

	var out []Bar
	line := 1
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		ts, err := parseTime(rec[cols["time"]])
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		bar := Bar{Time: ts}
		fields := []struct {
			col    string
			target *float64
		}{
			{"open", &bar.Open}, {"high", &bar.High}, {"low", &bar.Low},
			{"close", &bar.Close}, {"volume", &bar.Volume},
		}
		for _, f := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[cols[f.col]]), 64)
			if err != nil {
				return nil, fmt.Errorf("csv line %d column %s: %w", line, f.col, err)
			}
			*f.target = v
		}
		if hasVWAP && vwapCol < len(rec) {
			if raw := strings.TrimSpace(rec[vwapCol]); raw != "" {
				v, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					return nil, fmt.Errorf("csv line %d column vwap: %w", line, err)
				}
				bar.VWAP = v
			}
		}
		out = append(out, bar)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	if err := ValidateSeries(out); err != nil {
		return nil, err
	}
	return out, nil
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms < 1e11 {
			return time.Unix(ms, 0).UTC(), nil
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}
