package models

import (
	"fmt"
)

// Resample aggregates a series into a coarser timeframe. Buckets are aligned to
// the target interval: open is the first open, high the max, low the min, close
// the last close and volume the sum.
func Resample(s Series, from, to Timeframe) (Series, error) {
	if !from.Valid() || !to.Valid() {
		return nil, &ValidationError{Field: "timeframe", Message: fmt.Sprintf("cannot resample %q to %q", from, to)}
	}
	if to.Duration() < from.Duration() {
		return nil, &ValidationError{Field: "timeframe", Message: fmt.Sprintf("target %s is finer than source %s", to, from)}
	}
	if to.Duration()%from.Duration() != 0 {
		return nil, &ValidationError{Field: "timeframe", Message: fmt.Sprintf("%s is not a multiple of %s", to, from)}
	}
	if to == from {
		return s.Clone(), nil
	}

	out := make(Series, 0, len(s)/int(to.Duration()/from.Duration())+1)
	for _, c := range s {
		bucket := to.Truncate(c.Timestamp)
		n := len(out)
		if n == 0 || !out[n-1].Timestamp.Equal(bucket) {
			c.Timestamp = bucket
			out = append(out, c)
			continue
		}
		agg := &out[n-1]
		if c.High.GreaterThan(agg.High) {
			agg.High = c.High
		}
		if c.Low.LessThan(agg.Low) {
			agg.Low = c.Low
		}
		agg.Close = c.Close
		agg.Volume = agg.Volume.Add(c.Volume)
	}
	return out, nil
}
