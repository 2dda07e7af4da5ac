package ingest

import (
	"fmt"
	"time"

	apperrors "github.com/johnayoung/go-ohlcv-ingestor/internal/errors"
)

// Mode is how an ingest call combines fetched candles with the stored series.
type Mode string

const (
	// ModeInitialLoad fetches the requested range and writes it as a new series.
	ModeInitialLoad Mode = "INITIAL_LOAD"
	// ModeAppendLatest fetches from the newest stored candle to now.
	ModeAppendLatest Mode = "APPEND_LATEST"
	// ModeBackfill fetches from the requested start to the earliest stored candle.
	ModeBackfill Mode = "BACKFILL"
	// ModeRangeOverwrite fetches an exact range and rewrites the series with it.
	ModeRangeOverwrite Mode = "RANGE_OVERWRITE"
)

// SelectMode picks the mode from series presence and the requested bounds:
//
//	exists  start  end   mode
//	no      any    any   INITIAL_LOAD
//	yes     no     no    APPEND_LATEST
//	yes     yes    no    BACKFILL
//	yes     yes    yes   RANGE_OVERWRITE
//	yes     no     yes   ErrInvalidRange
func SelectMode(exists bool, start, end *time.Time) (Mode, error) {
	if start != nil && end != nil && start.After(*end) {
		return "", fmt.Errorf("%w: start %s is after end %s",
			apperrors.ErrInvalidRange, start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	}
	if !exists {
		return ModeInitialLoad, nil
	}
	switch {
	case start == nil && end == nil:
		return ModeAppendLatest, nil
	case start != nil && end == nil:
		return ModeBackfill, nil
	case start != nil && end != nil:
		return ModeRangeOverwrite, nil
	default:
		return "", fmt.Errorf("%w: an end bound without a start cannot be applied to an existing series", apperrors.ErrInvalidRange)
	}
}
