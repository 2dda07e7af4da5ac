package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/johnayoung/go-ohlcv-ingestor/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/models"
)

func TestParseTime(t *testing.T) {
	got, err := parseTime("2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), *got)

	got, err = parseTime("2024-03-01T12:30:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC), *got)
	assert.Equal(t, time.UTC, got.Location())

	_, err = parseTime("yesterday")
	assert.ErrorIs(t, err, errUsage)
}

func TestParseIngestFlags(t *testing.T) {
	flags, err := parseIngestFlags([]string{"-x", "bitmex", "--symbol", "xbtusd", "--start", "2024-01-01", "-i", "1m"})
	require.NoError(t, err)
	assert.Equal(t, "bitmex", flags.Exchange)
	assert.Equal(t, "xbtusd", flags.Symbol)
	assert.Equal(t, models.Timeframe1m, flags.Timeframe)
	require.NotNil(t, flags.Start)
	assert.Nil(t, flags.End)

	flags, err = parseIngestFlags([]string{"--targets", "bitmex:XBTUSD, kucoin:BTC-USDT,"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bitmex:XBTUSD", "kucoin:BTC-USDT"}, flags.Targets)

	_, err = parseIngestFlags([]string{"--targets", "bitmex:XBTUSD", "--symbol", "ETHUSD"})
	assert.ErrorIs(t, err, errUsage)

	_, err = parseIngestFlags([]string{"--symbol"})
	assert.ErrorIs(t, err, errUsage)

	_, err = parseIngestFlags([]string{"--bogus", "1"})
	assert.ErrorIs(t, err, errUsage)
}

func TestParseSeriesFlags(t *testing.T) {
	flags, err := parseSeriesFlags([]string{"-x", "kucoin", "-s", "BTC-USDT", "-l", "10", "-f", "CSV"})
	require.NoError(t, err)
	assert.Equal(t, 10, flags.Limit)
	assert.Equal(t, "csv", flags.Format)

	_, err = parseSeriesFlags([]string{"-x", "kucoin"})
	assert.ErrorIs(t, err, errUsage)

	_, err = parseSeriesFlags([]string{"-x", "kucoin", "-s", "BTC-USDT", "-f", "xml"})
	assert.ErrorIs(t, err, errUsage)

	_, err = parseSeriesFlags([]string{"-x", "kucoin", "-s", "BTC-USDT", "-l", "-3"})
	assert.ErrorIs(t, err, errUsage)
}

func TestParseOrdersFlags(t *testing.T) {
	t.Run("market order defaults", func(t *testing.T) {
		flags, err := parseOrdersFlags([]string{"place", "-x", "bitmex", "-s", "XBTUSD", "--side", "buy", "-n", "10"})
		require.NoError(t, err)
		assert.Equal(t, models.OrderTypeMarket, flags.Order.Type)
		assert.Equal(t, models.OrderSideBuy, flags.Order.Side)
		assert.True(t, flags.Order.Contracts.Equal(decimal.NewFromInt(10)))
	})

	t.Run("limit order needs a price", func(t *testing.T) {
		_, err := parseOrdersFlags([]string{"place", "-x", "bitmex", "-s", "XBTUSD", "--side", "sell", "-n", "1", "--type", "limit"})
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.Classify(err))

		flags, err := parseOrdersFlags([]string{"place", "-x", "bitmex", "-s", "XBTUSD", "--side", "sell", "-n", "1", "--type", "limit", "-p", "65000.5"})
		require.NoError(t, err)
		require.NotNil(t, flags.Order.Price)
		assert.Equal(t, "65000.5", flags.Order.Price.String())
	})

	t.Run("cancel needs one target", func(t *testing.T) {
		_, err := parseOrdersFlags([]string{"cancel", "-x", "kucoin"})
		assert.ErrorIs(t, err, errUsage)

		_, err = parseOrdersFlags([]string{"cancel", "-x", "kucoin", "--all", "--id", "abc"})
		assert.ErrorIs(t, err, errUsage)

		flags, err := parseOrdersFlags([]string{"cancel", "--all", "-x", "kucoin"})
		require.NoError(t, err)
		assert.Empty(t, flags.OrderID)

		flags, err = parseOrdersFlags([]string{"cancel", "-x", "kucoin", "--id", "abc"})
		require.NoError(t, err)
		assert.Equal(t, "abc", flags.OrderID)
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := parseOrdersFlags([]string{"amend", "-x", "kucoin"})
		assert.ErrorIs(t, err, errUsage)

		_, err = parseOrdersFlags(nil)
		assert.ErrorIs(t, err, errUsage)
	})
}

func TestFilterSeries(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var s models.Series
	for i := 0; i < 10; i++ {
		s = append(s, models.Candle{Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}

	start := base.Add(2 * time.Minute)
	end := base.Add(7 * time.Minute)
	got := filterSeries(s, &start, &end, 0)
	require.Len(t, got, 6)
	assert.Equal(t, start, got[0].Timestamp)
	assert.Equal(t, end, got[5].Timestamp)

	got = filterSeries(s, nil, nil, 3)
	require.Len(t, got, 3)
	assert.Equal(t, base.Add(7*time.Minute), got[0].Timestamp)
}

func TestOutputTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, outputTable(&buf, nil))
	assert.Contains(t, buf.String(), "No candles found.")

	buf.Reset()
	s := models.Series{{
		Timestamp: time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
		Open:      decimal.RequireFromString("1"),
		High:      decimal.RequireFromString("2"),
		Low:       decimal.RequireFromString("0.5"),
		Close:     decimal.RequireFromString("1.5"),
		Volume:    decimal.RequireFromString("100"),
	}}
	require.NoError(t, outputTable(&buf, s))
	assert.Contains(t, buf.String(), "2024-03-01 09:30")
	assert.Contains(t, buf.String(), "1 candles")
}

func TestExitCode(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ExitSuccess, exitCode(ctx, nil))
	assert.Equal(t, ExitUsageError, exitCode(ctx, fmt.Errorf("%w: bad", errUsage)))
	assert.Equal(t, ExitUsageError, exitCode(ctx, &models.ValidationError{Field: "symbol", Message: "unknown"}))
	assert.Equal(t, ExitConnectionErr, exitCode(ctx, &apperrors.TransportError{Exchange: "Bitmex", Op: "candles", Status: 503}))
	assert.Equal(t, ExitDataError, exitCode(ctx, errors.New("disk full")))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Equal(t, ExitInterrupt, exitCode(cancelled, errors.New("stopped")))
}
