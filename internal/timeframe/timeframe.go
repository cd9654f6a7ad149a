// Package timeframe maps timeframe tags ("5m", "1h", "1d") to interval
// lengths and provides the timestamp helpers shared by the fetcher, the
// gap filler and the web layer.
package timeframe

import (
	"fmt"
	"time"
)

// intervalsMs enumerates every supported tag. 1M is the Binance calendar
// month approximated as 30 days, matching the exchange's kline spacing.
var intervalsMs = map[string]int64{
	"1m":  60_000,
	"3m":  180_000,
	"5m":  300_000,
	"15m": 900_000,
	"30m": 1_800_000,
	"1h":  3_600_000,
	"2h":  7_200_000,
	"4h":  14_400_000,
	"6h":  21_600_000,
	"8h":  28_800_000,
	"12h": 43_200_000,
	"1d":  86_400_000,
	"3d":  259_200_000,
	"1w":  604_800_000,
	"1M":  2_592_000_000,
}

// defaultBackfill is the timeframe set the backfill driver walks when the
// caller does not restrict it.
var defaultBackfill = []string{
	"3m", "5m", "15m", "30m", "1h", "2h", "4h", "6h", "8h", "12h", "1d", "3d",
}

// Interval returns the tag's interval in milliseconds. Unknown tags map to
// 5m instead of erroring.
func Interval(tag string) int64 {
	if ms, ok := intervalsMs[tag]; ok {
		return ms
	}
	return 300_000
}

// IntervalSeconds returns the tag's interval in seconds.
func IntervalSeconds(tag string) int64 {
	return Interval(tag) / 1000
}

// Known reports whether the tag is one of the enumerated timeframes.
func Known(tag string) bool {
	_, ok := intervalsMs[tag]
	return ok
}

// Supported returns the default backfill timeframes, smallest first.
func Supported() []string {
	out := make([]string, len(defaultBackfill))
	copy(out, defaultBackfill)
	return out
}

// All returns every known tag ordered by interval, smallest first.
func All() []string {
	return []string{
		"1m", "3m", "5m", "15m", "30m", "1h", "2h", "4h",
		"6h", "8h", "12h", "1d", "3d", "1w", "1M",
	}
}

// FormatMs renders a millisecond timestamp as "2006-01-02 15:04:05" UTC
// for log lines.
func FormatMs(tsMs int64) string {
	return time.UnixMilli(tsMs).UTC().Format("2006-01-02 15:04:05")
}

// ParseStartDate parses "YYYY-MM-DD" as UTC midnight and returns epoch
// milliseconds.
func ParseStartDate(date string) (int64, error) {
	t, err := time.ParseInLocation("2006-01-02", date, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("parse start date %q: %w", date, err)
	}
	return t.UnixMilli(), nil
}
