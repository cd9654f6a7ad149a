package web

import (
	"log"

	"candlestream/internal/model"
	"candlestream/internal/store/sqlite"
	"candlestream/internal/timeframe"
)

// downsampleScanLimit bounds how many source rows one fallback read may
// aggregate.
const downsampleScanLimit = 50000

// downsample serves a timeframe with no stored rows by aggregating the
// largest stored timeframe strictly smaller than the target. No source
// candidate means an empty response, not an error.
func (s *Server) downsample(store *sqlite.Store, key model.SeriesKey, startMs, endMs int64, limit int) ([]model.APICandle, error) {
	targetMs := timeframe.Interval(key.Timeframe)

	stored, err := store.DistinctTimeframes(key.Provider, key.Symbol)
	if err != nil {
		return nil, err
	}

	sourceTf := ""
	var sourceMs int64
	for _, tf := range stored {
		ms := timeframe.Interval(tf)
		if ms < targetMs && ms > sourceMs {
			sourceTf = tf
			sourceMs = ms
		}
	}
	if sourceTf == "" {
		return []model.APICandle{}, nil
	}

	srcKey := key
	srcKey.Timeframe = sourceTf
	rows, err := store.Page(srcKey, startMs, endMs, downsampleScanLimit, 0)
	if err != nil {
		return nil, err
	}

	out := aggregate(rows, targetMs)
	if len(out) > limit {
		out = out[:limit]
	}
	log.Printf("[web] downsampled %s %s from %s: %d source rows -> %d bars",
		key.Symbol, key.Timeframe, sourceTf, len(rows), len(out))
	return out, nil
}

// aggregate folds ascending source candles into target-interval buckets:
// open is the first sub-bar's, close the last's, high/low the extremes,
// volume the sum. Bucket start is open_time floored to the target interval.
func aggregate(rows []model.Candle, targetMs int64) []model.APICandle {
	out := make([]model.APICandle, 0)
	var curBucket int64 = -1

	for _, c := range rows {
		bucket := (c.OpenTime / targetMs) * targetMs
		if bucket != curBucket {
			out = append(out, model.APICandle{
				Time:   bucket / 1000,
				Open:   c.Open,
				High:   c.High,
				Low:    c.Low,
				Close:  c.Close,
				Volume: c.Volume,
			})
			curBucket = bucket
			continue
		}

		bar := &out[len(out)-1]
		if c.High > bar.High {
			bar.High = c.High
		}
		if c.Low < bar.Low {
			bar.Low = c.Low
		}
		bar.Close = c.Close
		bar.Volume += c.Volume
	}
	return out
}
