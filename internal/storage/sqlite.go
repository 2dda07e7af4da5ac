package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/johnayoung/go-ohlcv-ingestor/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// CandleModel is the GORM row for one stored candle.
type CandleModel struct {
	Exchange  string    `gorm:"primaryKey;size:32"`
	Symbol    string    `gorm:"primaryKey;size:64"`
	Timestamp time.Time `gorm:"primaryKey"`
	Open      string    `gorm:"not null"`
	High      string    `gorm:"not null"`
	Low       string    `gorm:"not null"`
	Close     string    `gorm:"not null"`
	Volume    string    `gorm:"not null"`
}

func (CandleModel) TableName() string { return "candles" }

// SeriesModel marks that a series exists, including an empty one.
type SeriesModel struct {
	Exchange  string `gorm:"primaryKey;size:32"`
	Symbol    string `gorm:"primaryKey;size:64"`
	Candles   int    `gorm:"not null"`
	UpdatedAt time.Time
}

func (SeriesModel) TableName() string { return "series" }

// SQLiteRepository stores series through GORM on SQLite.
type SQLiteRepository struct {
	db      *gorm.DB
	timeout time.Duration
	logger  *slog.Logger
}

// NewSQLiteRepository opens path (":memory:" for an in-memory database) and
// migrates the schema.
func NewSQLiteRepository(path string, timeout time.Duration, log *slog.Logger) (*SQLiteRepository, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, NewStorageError("open", SeriesKey{}, err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, NewStorageError("open", SeriesKey{}, err)
	}
	return NewSQLiteRepositoryFromDB(db, timeout, log)
}

// NewSQLiteRepositoryFromDB wraps an existing GORM handle.
func NewSQLiteRepositoryFromDB(db *gorm.DB, timeout time.Duration, log *slog.Logger) (*SQLiteRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	if err := db.AutoMigrate(&CandleModel{}, &SeriesModel{}); err != nil {
		return nil, NewStorageError("migrate", SeriesKey{}, err)
	}
	if sqlDB, err := db.DB(); err == nil {
		// one connection keeps ":memory:" databases shared
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}
	return &SQLiteRepository{
		db:      db,
		timeout: timeout,
		logger:  log.With("component", "storage", "backend", "sqlite"),
	}, nil
}

// Exists implements SeriesRepository.
func (r *SQLiteRepository) Exists(ctx context.Context, key SeriesKey) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var n int64
	err := r.db.WithContext(ctx).Model(&SeriesModel{}).
		Where("exchange = ? AND symbol = ?", key.Exchange, key.Symbol).
		Count(&n).Error
	if err != nil {
		return false, NewStorageError("exists", key, err)
	}
	return n > 0, nil
}

// Load implements SeriesRepository.
func (r *SQLiteRepository) Load(ctx context.Context, key SeriesKey) (models.Series, error) {
	ok, err := r.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, NewStorageError("load", key, ErrSeriesNotFound)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []CandleModel
	err = r.db.WithContext(ctx).
		Where("exchange = ? AND symbol = ?", key.Exchange, key.Symbol).
		Order("timestamp ASC").
		Find(&rows).Error
	if err != nil {
		return nil, NewStorageError("load", key, err)
	}

	s := make(models.Series, 0, len(rows))
	for _, m := range rows {
		c, err := candleFromStrings(m.Timestamp, [5]string{m.Open, m.High, m.Low, m.Close, m.Volume})
		if err != nil {
			return nil, NewStorageError("load", key, err)
		}
		s = append(s, c)
	}
	return s, nil
}

// Replace implements SeriesRepository.
func (r *SQLiteRepository) Replace(ctx context.Context, key SeriesKey, s models.Series) error {
	if err := s.Validate(); err != nil {
		return NewStorageError("replace", key, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows := make([]CandleModel, 0, len(s))
	for _, c := range s {
		rows = append(rows, CandleModel{
			Exchange:  key.Exchange,
			Symbol:    key.Symbol,
			Timestamp: c.Timestamp.UTC(),
			Open:      c.Open.String(),
			High:      c.High.String(),
			Low:       c.Low.String(),
			Close:     c.Close.String(),
			Volume:    c.Volume.String(),
		})
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("exchange = ? AND symbol = ?", key.Exchange, key.Symbol).Delete(&CandleModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("exchange = ? AND symbol = ?", key.Exchange, key.Symbol).Delete(&SeriesModel{}).Error; err != nil {
			return err
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, 500).Error; err != nil {
				return err
			}
		}
		return tx.Create(&SeriesModel{Exchange: key.Exchange, Symbol: key.Symbol, Candles: len(s)}).Error
	})
	if err != nil {
		return NewStorageError("replace", key, err)
	}
	r.logger.Debug("stored series", "series", key.String(), "count", len(s))
	return nil
}

// HealthCheck implements HealthChecker.
func (r *SQLiteRepository) HealthCheck(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database.
func (r *SQLiteRepository) Close() error {
	if r.db == nil {
		return nil
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
