// Package models provides the data structures shared by the exchange connectors,
// the historical fetcher and the time-series store: candles, series, timeframes,
// instruments and order state.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents OHLCV price and volume data for one fixed time interval.
// Timestamp is the unique key of a candle inside a series and is always UTC.
type Candle struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// ValidationError represents a model validation error with specific field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message explains the validation failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks a single candle: the timestamp must be set, volume must be
// non-negative and the high/low must bracket open and close.
func (c *Candle) Validate() error {
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be zero"}
	}

	if c.Volume.IsNegative() {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	maxOpenClose := decimal.Max(c.Open, c.Close)
	if c.High.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", c.High, maxOpenClose),
		}
	}

	minOpenClose := decimal.Min(c.Open, c.Close)
	if c.Low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", c.Low, minOpenClose),
		}
	}

	return nil
}

// Equal reports whether two candles carry the same timestamp and values.
// Decimal comparison ignores representation differences such as "1.50" vs "1.5".
func (c Candle) Equal(other Candle) bool {
	return c.Timestamp.Equal(other.Timestamp) &&
		c.Open.Equal(other.Open) &&
		c.High.Equal(other.High) &&
		c.Low.Equal(other.Low) &&
		c.Close.Equal(other.Close) &&
		c.Volume.Equal(other.Volume)
}

// String returns a human-readable representation of the candle.
func (c Candle) String() string {
	return fmt.Sprintf("Candle{Timestamp: %s, O: %s, H: %s, L: %s, C: %s, V: %s}",
		c.Timestamp.Format(time.RFC3339), c.Open, c.High, c.Low, c.Close, c.Volume)
}

// NewCandle builds a candle from decimal strings and validates it.
//
// Example:
//
//	candle, err := NewCandle(time.Now(), "100.50", "101.00", "100.00", "100.75", "1000.5")
func NewCandle(timestamp time.Time, open, high, low, close, volume string) (*Candle, error) {
	candle := &Candle{Timestamp: timestamp.UTC()}

	fields := []struct {
		name  string
		value string
		dst   *decimal.Decimal
	}{
		{"open", open, &candle.Open},
		{"high", high, &candle.High},
		{"low", low, &candle.Low},
		{"close", close, &candle.Close},
		{"volume", volume, &candle.Volume},
	}

	for _, f := range fields {
		d, err := decimal.NewFromString(f.value)
		if err != nil {
			return nil, &ValidationError{Field: f.name, Message: fmt.Sprintf("invalid %s format: %v", f.name, err)}
		}
		*f.dst = d
	}

	if err := candle.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create candle: %w", err)
	}

	return candle, nil
}
