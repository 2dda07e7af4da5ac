package ingest

import (
	"testing"
	"time"

	apperrors "github.com/johnayoung/go-ohlcv-ingestor/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func candleAt(ts time.Time, price int64) models.Candle {
	p := decimal.NewFromInt(price)
	return models.Candle{Timestamp: ts, Open: p, High: p, Low: p, Close: p, Volume: decimal.NewFromInt(1)}
}

// span returns n one-minute candles from day+offset minutes, priced price.
func span(offset, n int, price int64) models.Series {
	out := make(models.Series, n)
	for i := range out {
		out[i] = candleAt(day.Add(time.Duration(offset+i)*time.Minute), price)
	}
	return out
}

func TestMergeAppend(t *testing.T) {
	existing := span(0, 10, 100)

	t.Run("overlap keeps stored candles", func(t *testing.T) {
		merged, added, err := MergeAppend(existing, span(8, 5, 200), models.Timeframe1m)
		require.NoError(t, err)
		assert.Equal(t, 3, added)
		require.Len(t, merged, 13)
		require.NoError(t, merged.Validate())
		assert.True(t, merged[9].Close.Equal(decimal.NewFromInt(100)), "stored candle wins")
		assert.True(t, merged[10].Close.Equal(decimal.NewFromInt(200)))
	})

	t.Run("adjacent block", func(t *testing.T) {
		merged, added, err := MergeAppend(existing, span(10, 2, 200), models.Timeframe1m)
		require.NoError(t, err)
		assert.Equal(t, 2, added)
		assert.True(t, merged.Contiguous(models.Timeframe1m))
	})

	t.Run("disjoint block", func(t *testing.T) {
		_, _, err := MergeAppend(existing, span(12, 2, 200), models.Timeframe1m)
		require.ErrorIs(t, err, apperrors.ErrDiscontinuous)
	})

	t.Run("nothing newer", func(t *testing.T) {
		merged, added, err := MergeAppend(existing, span(9, 1, 200), models.Timeframe1m)
		require.NoError(t, err)
		assert.Zero(t, added)
		assert.Equal(t, existing, merged)
	})

	t.Run("empty fetch", func(t *testing.T) {
		merged, added, err := MergeAppend(existing, nil, models.Timeframe1m)
		require.NoError(t, err)
		assert.Zero(t, added)
		assert.Len(t, merged, 10)
	})

	t.Run("does not alias existing", func(t *testing.T) {
		base := span(0, 3, 100)
		merged, _, err := MergeAppend(base[:2], span(2, 1, 200), models.Timeframe1m)
		require.NoError(t, err)
		merged[0].Close = decimal.NewFromInt(1)
		assert.True(t, base[0].Close.Equal(decimal.NewFromInt(100)))
		assert.True(t, base[2].Close.Equal(decimal.NewFromInt(100)))
	})
}

func TestMergeBackfill(t *testing.T) {
	existing := span(20, 10, 100)

	t.Run("overlap keeps stored candles", func(t *testing.T) {
		merged, added, err := MergeBackfill(existing, span(15, 7, 200), models.Timeframe1m)
		require.NoError(t, err)
		assert.Equal(t, 5, added)
		require.Len(t, merged, 15)
		require.NoError(t, merged.Validate())
		assert.True(t, merged[5].Close.Equal(decimal.NewFromInt(100)), "stored candle wins")
		assert.True(t, merged[0].Close.Equal(decimal.NewFromInt(200)))
	})

	t.Run("adjacent block", func(t *testing.T) {
		merged, added, err := MergeBackfill(existing, span(18, 2, 200), models.Timeframe1m)
		require.NoError(t, err)
		assert.Equal(t, 2, added)
		assert.True(t, merged.Contiguous(models.Timeframe1m))
	})

	t.Run("disjoint block", func(t *testing.T) {
		_, _, err := MergeBackfill(existing, span(10, 5, 200), models.Timeframe1m)
		require.ErrorIs(t, err, apperrors.ErrDiscontinuous)
	})

	t.Run("internal gaps are kept", func(t *testing.T) {
		fetched := append(span(12, 3, 200), span(17, 3, 200)...)
		merged, added, err := MergeBackfill(existing, fetched, models.Timeframe1m)
		require.NoError(t, err)
		assert.Equal(t, 6, added)
		gaps := merged.Gaps(models.Timeframe1m)
		require.Len(t, gaps, 1)
		assert.Equal(t, day.Add(15*time.Minute), gaps[0].StartTime)
	})
}
