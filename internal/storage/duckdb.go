package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/johnayoung/go-ohlcv-ingestor/internal/models"
	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"
)

const defaultQueryTimeout = 30 * time.Second

// DuckDBRepository stores every series in one DuckDB table keyed by
// (exchange, symbol, ts). Prices are kept as VARCHAR so decimals round-trip
// exactly. Replace deletes and re-inserts a key inside one transaction.
type DuckDBRepository struct {
	db      *sql.DB
	dbPath  string
	timeout time.Duration
	logger  *slog.Logger
	mu      sync.RWMutex
}

// NewDuckDBRepository opens (or creates) the database and its schema.
// The dbPath can be "" or ":memory:" for an in-memory database.
func NewDuckDBRepository(dbPath string, timeout time.Duration, logger *slog.Logger) (*DuckDBRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath == ":memory:" {
		dbPath = ""
	}
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", SeriesKey{}, fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// Single writer pattern as recommended for DuckDB; also keeps an
	// in-memory database alive on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &DuckDBRepository{
		db:      db,
		dbPath:  dbPath,
		timeout: timeout,
		logger:  logger.With("component", "storage", "backend", "duckdb"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := r.initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *DuckDBRepository) initialize(ctx context.Context) error {
	r.logger.Info("initializing DuckDB storage", "db_path", r.dbPath)

	schema := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			exchange VARCHAR NOT NULL,
			symbol VARCHAR NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			open VARCHAR NOT NULL,
			high VARCHAR NOT NULL,
			low VARCHAR NOT NULL,
			close VARCHAR NOT NULL,
			volume VARCHAR NOT NULL,
			PRIMARY KEY (exchange, symbol, ts)
		)`,
		`CREATE TABLE IF NOT EXISTS series (
			exchange VARCHAR NOT NULL,
			symbol VARCHAR NOT NULL,
			candles INTEGER NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (exchange, symbol)
		)`,
	}
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return NewStorageError("initialize", SeriesKey{}, fmt.Errorf("failed to create schema: %w", err))
		}
	}
	return nil
}

// Exists implements SeriesRepository. A series written empty still exists.
func (r *DuckDBRepository) Exists(ctx context.Context, key SeriesKey) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	db, err := r.conn()
	if err != nil {
		return false, NewStorageError("exists", key, err)
	}
	var n int
	err = db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM series WHERE exchange = ? AND symbol = ?",
		key.Exchange, key.Symbol).Scan(&n)
	if err != nil {
		return false, NewStorageError("exists", key, err)
	}
	return n > 0, nil
}

// Load implements SeriesRepository.
func (r *DuckDBRepository) Load(ctx context.Context, key SeriesKey) (models.Series, error) {
	ok, err := r.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, NewStorageError("load", key, ErrSeriesNotFound)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	db, err := r.conn()
	if err != nil {
		return nil, NewStorageError("load", key, err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT ts, open, high, low, close, volume
		FROM candles
		WHERE exchange = ? AND symbol = ?
		ORDER BY ts ASC`, key.Exchange, key.Symbol)
	if err != nil {
		return nil, NewStorageError("load", key, err)
	}
	defer rows.Close()

	s := models.Series{}
	for rows.Next() {
		var (
			ts   time.Time
			cols [5]string
		)
		if err := rows.Scan(&ts, &cols[0], &cols[1], &cols[2], &cols[3], &cols[4]); err != nil {
			return nil, NewStorageError("load", key, err)
		}
		c, err := candleFromStrings(ts, cols)
		if err != nil {
			return nil, NewStorageError("load", key, err)
		}
		s = append(s, c)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStorageError("load", key, err)
	}
	return s, nil
}

// Replace implements SeriesRepository.
func (r *DuckDBRepository) Replace(ctx context.Context, key SeriesKey, s models.Series) error {
	if err := s.Validate(); err != nil {
		return NewStorageError("replace", key, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	db, err := r.conn()
	if err != nil {
		return NewStorageError("replace", key, err)
	}

	start := time.Now()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return NewStorageError("replace", key, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM candles WHERE exchange = ? AND symbol = ?", key.Exchange, key.Symbol); err != nil {
		return NewStorageError("replace", key, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM series WHERE exchange = ? AND symbol = ?", key.Exchange, key.Symbol); err != nil {
		return NewStorageError("replace", key, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (exchange, symbol, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return NewStorageError("replace", key, err)
	}
	defer stmt.Close()

	for _, c := range s {
		if _, err := stmt.ExecContext(ctx,
			key.Exchange, key.Symbol, c.Timestamp.UTC(),
			c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String(),
		); err != nil {
			return NewStorageError("replace", key, fmt.Errorf("insert %s: %w", c.Timestamp.Format(time.RFC3339), err))
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO series (exchange, symbol, candles, updated_at) VALUES (?, ?, ?, ?)",
		key.Exchange, key.Symbol, len(s), time.Now().UTC()); err != nil {
		return NewStorageError("replace", key, err)
	}

	if err := tx.Commit(); err != nil {
		return NewStorageError("replace", key, err)
	}

	r.logger.Debug("stored series",
		"series", key.String(),
		"count", len(s),
		"duration", time.Since(start))
	return nil
}

// HealthCheck implements HealthChecker.
func (r *DuckDBRepository) HealthCheck(ctx context.Context) error {
	db, err := r.conn()
	if err != nil {
		return err
	}
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return NewStorageError("health_check", SeriesKey{}, fmt.Errorf("database health check failed: %w", err))
	}
	return nil
}

// Close releases the database.
func (r *DuckDBRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.db != nil {
		r.logger.Info("closing DuckDB storage")
		if err := r.db.Close(); err != nil {
			return NewStorageError("close", SeriesKey{}, fmt.Errorf("failed to close database: %w", err))
		}
		r.db = nil
	}
	return nil
}

func (r *DuckDBRepository) conn() (*sql.DB, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.db == nil {
		return nil, errors.New("database connection is closed")
	}
	return r.db, nil
}

// candleFromStrings rebuilds a candle from its textual columns
// (open, high, low, close, volume).
func candleFromStrings(ts time.Time, cols [5]string) (models.Candle, error) {
	var vals [5]decimal.Decimal
	for i, raw := range cols {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return models.Candle{}, fmt.Errorf("column %s %q: %w", csvHeader[i+1], raw, err)
		}
		vals[i] = d
	}
	return models.Candle{
		Timestamp: ts.UTC(),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}
