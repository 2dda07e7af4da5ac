package models

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe is the fixed interval covered by each candle of a series.
type Timeframe string

const (
	Timeframe1m Timeframe = "1m"
	Timeframe5m Timeframe = "5m"
	Timeframe1h Timeframe = "1h"
	Timeframe1d Timeframe = "1d"
)

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m: time.Minute,
	Timeframe5m: 5 * time.Minute,
	Timeframe1h: time.Hour,
	Timeframe1d: 24 * time.Hour,
}

// ParseTimeframe accepts the canonical names plus the common long forms
// ("1min", "1hour", "1day").
func ParseTimeframe(s string) (Timeframe, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1m", "1min":
		return Timeframe1m, nil
	case "5m", "5min":
		return Timeframe5m, nil
	case "1h", "1hour", "60min":
		return Timeframe1h, nil
	case "1d", "1day":
		return Timeframe1d, nil
	default:
		return "", &ValidationError{Field: "timeframe", Message: fmt.Sprintf("unsupported timeframe: %q", s)}
	}
}

// Duration returns the length of one candle interval, or zero for an unknown timeframe.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// Valid reports whether tf is one of the supported timeframes.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// Truncate aligns t down to the start of its interval.
func (tf Timeframe) Truncate(t time.Time) time.Time {
	d := tf.Duration()
	if d == 0 {
		return t.UTC()
	}
	return t.UTC().Truncate(d)
}

func (tf Timeframe) String() string { return string(tf) }
