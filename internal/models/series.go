package models

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrDuplicateTimestamp is returned when two candles of a series share a timestamp.
	ErrDuplicateTimestamp = errors.New("duplicate candle timestamp")
	// ErrUnordered is returned when candle timestamps are not strictly increasing.
	ErrUnordered = errors.New("candle timestamps are not increasing")
)

// Series is an ordered candle sequence for one (exchange, symbol).
type Series []Candle

// Gap describes a run of missing candles between two stored neighbours.
type Gap struct {
	// StartTime is the first missing candle timestamp
	StartTime time.Time `json:"start_time"`

	// EndTime is the last missing candle timestamp
	EndTime time.Time `json:"end_time"`

	// Missing is the number of absent intervals
	Missing int `json:"missing"`
}

// Duration returns the covered span of the gap, inclusive of both ends.
func (g Gap) Duration(tf Timeframe) time.Duration {
	return g.EndTime.Sub(g.StartTime) + tf.Duration()
}

// First returns the earliest candle, or false for an empty series.
func (s Series) First() (Candle, bool) {
	if len(s) == 0 {
		return Candle{}, false
	}
	return s[0], true
}

// Last returns the newest candle, or false for an empty series.
func (s Series) Last() (Candle, bool) {
	if len(s) == 0 {
		return Candle{}, false
	}
	return s[len(s)-1], true
}

// Sort orders the series by timestamp in place.
func (s Series) Sort() {
	sort.SliceStable(s, func(i, j int) bool {
		return s[i].Timestamp.Before(s[j].Timestamp)
	})
}

// Index returns the position of the candle stamped t, or -1.
func (s Series) Index(t time.Time) int {
	i := sort.Search(len(s), func(i int) bool {
		return !s[i].Timestamp.Before(t)
	})
	if i < len(s) && s[i].Timestamp.Equal(t) {
		return i
	}
	return -1
}

// Validate checks that every candle is well formed and that timestamps are
// strictly increasing without duplicates. Gaps are not an error here; use Gaps.
func (s Series) Validate() error {
	for i := range s {
		if err := s[i].Validate(); err != nil {
			return fmt.Errorf("candle %d (%s): %w", i, s[i].Timestamp.Format(time.RFC3339), err)
		}
		if i == 0 {
			continue
		}
		prev, cur := s[i-1].Timestamp, s[i].Timestamp
		if cur.Equal(prev) {
			return fmt.Errorf("%w at %s", ErrDuplicateTimestamp, cur.Format(time.RFC3339))
		}
		if cur.Before(prev) {
			return fmt.Errorf("%w: %s follows %s", ErrUnordered, cur.Format(time.RFC3339), prev.Format(time.RFC3339))
		}
	}
	return nil
}

// Gaps lists the missing intervals of an ordered series for the given timeframe.
func (s Series) Gaps(tf Timeframe) []Gap {
	step := tf.Duration()
	if step == 0 || len(s) < 2 {
		return nil
	}

	var gaps []Gap
	for i := 1; i < len(s); i++ {
		delta := s[i].Timestamp.Sub(s[i-1].Timestamp)
		if delta <= step {
			continue
		}
		missing := int(delta/step) - 1
		if missing <= 0 {
			continue
		}
		gaps = append(gaps, Gap{
			StartTime: s[i-1].Timestamp.Add(step),
			EndTime:   s[i].Timestamp.Add(-step),
			Missing:   missing,
		})
	}
	return gaps
}

// Contiguous reports whether adjacent candles are exactly one interval apart.
func (s Series) Contiguous(tf Timeframe) bool {
	step := tf.Duration()
	for i := 1; i < len(s); i++ {
		if s[i].Timestamp.Sub(s[i-1].Timestamp) != step {
			return false
		}
	}
	return true
}

// Clone returns a copy that does not share backing storage with s.
func (s Series) Clone() Series {
	if s == nil {
		return nil
	}
	out := make(Series, len(s))
	copy(out, s)
	return out
}
