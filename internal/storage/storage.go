// Package storage persists candle series. One series exists per (exchange,
// symbol) key and is always replaced as a whole, so readers observe either
// the previous or the new series, never a mixture.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/johnayoung/go-ohlcv-ingestor/internal/config"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/models"
)

// ErrSeriesNotFound is returned by Load when no series exists for the key.
var ErrSeriesNotFound = errors.New("series not found")

// SeriesKey identifies one persisted series.
type SeriesKey struct {
	Exchange string
	Symbol   string
}

// NewSeriesKey normalizes the symbol the way connectors do.
func NewSeriesKey(exchange, symbol string) SeriesKey {
	return SeriesKey{Exchange: exchange, Symbol: models.NormalizeSymbol(symbol)}
}

// String renders the key as "{Exchange}_{SYMBOL}", the file stem used by the
// CSV backend.
func (k SeriesKey) String() string {
	return k.Exchange + "_" + k.Symbol
}

// SeriesRepository is the persistence contract shared by every backend.
type SeriesRepository interface {
	// Exists reports whether a series has been written for key.
	Exists(ctx context.Context, key SeriesKey) (bool, error)

	// Load returns the stored series in ascending order, or ErrSeriesNotFound.
	Load(ctx context.Context, key SeriesKey) (models.Series, error)

	// Replace atomically swaps the stored series for s.
	Replace(ctx context.Context, key SeriesKey, s models.Series) error
}

// HealthChecker is implemented by backends that can verify their own state.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StorageError represents errors that occur during storage operations.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "load", "replace")
	Operation string

	// Key is the series involved, empty for backend-wide operations
	Key string

	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage operation %s on %s failed: %v", e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation string, key SeriesKey, err error) *StorageError {
	k := ""
	if key != (SeriesKey{}) {
		k = key.String()
	}
	return &StorageError{Operation: operation, Key: k, Err: err}
}

// Open builds the repository selected by cfg.Backend. Callers should close the
// result when it implements io.Closer.
func Open(cfg config.StorageConfig, logger *slog.Logger) (SeriesRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(cfg.Backend) {
	case "", "csv":
		return NewCSVRepository(cfg.DataDir, logger)
	case "duckdb":
		return NewDuckDBRepository(cfg.DuckDBPath, cfg.QueryTimeout, logger)
	case "sqlite":
		return NewSQLiteRepository(cfg.SQLitePath, cfg.QueryTimeout, logger)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}
