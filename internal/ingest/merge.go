package ingest

import (
	"fmt"
	"time"

	apperrors "github.com/johnayoung/go-ohlcv-ingestor/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/models"
)

// MergeAppend extends existing with the fetched candles newer than its last
// one. Stored candles win on a shared timestamp. The fetched block must start
// no later than one interval after the stored block ends.
func MergeAppend(existing, fetched models.Series, tf models.Timeframe) (models.Series, int, error) {
	last, ok := existing.Last()
	if !ok {
		return fetched.Clone(), len(fetched), nil
	}
	first, ok := fetched.First()
	if !ok {
		return existing, 0, nil
	}
	if first.Timestamp.After(last.Timestamp.Add(tf.Duration())) {
		return nil, 0, fmt.Errorf("%w: stored series ends %s, fetched block starts %s",
			apperrors.ErrDiscontinuous, last.Timestamp.Format(time.RFC3339), first.Timestamp.Format(time.RFC3339))
	}

	merged := existing.Clone()
	added := 0
	for _, c := range fetched {
		if c.Timestamp.After(last.Timestamp) {
			merged = append(merged, c)
			added++
		}
	}
	return merged, added, nil
}

// MergeBackfill prepends the fetched candles older than existing's first one.
// Stored candles win on a shared timestamp. The fetched block must end no
// earlier than one interval before the stored block begins.
func MergeBackfill(existing, fetched models.Series, tf models.Timeframe) (models.Series, int, error) {
	first, ok := existing.First()
	if !ok {
		return fetched.Clone(), len(fetched), nil
	}
	last, ok := fetched.Last()
	if !ok {
		return existing, 0, nil
	}
	if last.Timestamp.Before(first.Timestamp.Add(-tf.Duration())) {
		return nil, 0, fmt.Errorf("%w: fetched block ends %s, stored series starts %s",
			apperrors.ErrDiscontinuous, last.Timestamp.Format(time.RFC3339), first.Timestamp.Format(time.RFC3339))
	}

	var older models.Series
	for _, c := range fetched {
		if c.Timestamp.Before(first.Timestamp) {
			older = append(older, c)
		}
	}
	merged := make(models.Series, 0, len(older)+len(existing))
	merged = append(merged, older...)
	merged = append(merged, existing...)
	return merged, len(older), nil
}
