package storage

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/johnayoung/go-ohlcv-ingestor/internal/models"
	"github.com/shopspring/decimal"
)

// TimestampLayout is the on-disk timestamp format: RFC 3339, UTC, milliseconds.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

var csvHeader = []string{"date", "open", "high", "low", "close", "volume"}

// CSVRepository stores each series as {dir}/{Exchange}_{SYMBOL}.csv. A write
// goes to a temporary file in the same directory that is renamed over the
// target, so a crash leaves either the old or the new file.
type CSVRepository struct {
	dir    string
	logger *slog.Logger
}

// NewCSVRepository creates dir if needed.
func NewCSVRepository(dir string, logger *slog.Logger) (*CSVRepository, error) {
	if dir == "" {
		dir = "."
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, NewStorageError("open", SeriesKey{}, fmt.Errorf("create data dir: %w", err))
	}
	return &CSVRepository{dir: dir, logger: logger.With("component", "storage", "backend", "csv")}, nil
}

// Path returns the file backing key.
func (r *CSVRepository) Path(key SeriesKey) string {
	return filepath.Join(r.dir, key.String()+".csv")
}

// Exists implements SeriesRepository.
func (r *CSVRepository) Exists(ctx context.Context, key SeriesKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, NewStorageError("exists", key, err)
	}
	_, err := os.Stat(r.Path(key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, NewStorageError("exists", key, err)
	}
}

// Load implements SeriesRepository.
func (r *CSVRepository) Load(ctx context.Context, key SeriesKey) (models.Series, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStorageError("load", key, err)
	}
	f, err := os.Open(r.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, NewStorageError("load", key, ErrSeriesNotFound)
	}
	if err != nil {
		return nil, NewStorageError("load", key, err)
	}
	defer f.Close()

	s, err := ReadCSV(f)
	if err != nil {
		return nil, NewStorageError("load", key, err)
	}
	return s, nil
}

// Replace implements SeriesRepository.
func (r *CSVRepository) Replace(ctx context.Context, key SeriesKey, s models.Series) error {
	if err := ctx.Err(); err != nil {
		return NewStorageError("replace", key, err)
	}
	if err := s.Validate(); err != nil {
		return NewStorageError("replace", key, err)
	}

	target := r.Path(key)
	tmp, err := os.CreateTemp(r.dir, "."+key.String()+".*.tmp")
	if err != nil {
		return NewStorageError("replace", key, fmt.Errorf("create temp file: %w", err))
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	w := bufio.NewWriter(tmp)
	if err := WriteCSV(w, s); err != nil {
		tmp.Close()
		return NewStorageError("replace", key, err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return NewStorageError("replace", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return NewStorageError("replace", key, fmt.Errorf("sync temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return NewStorageError("replace", key, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return NewStorageError("replace", key, fmt.Errorf("rename into place: %w", err))
	}
	committed = true

	r.logger.Debug("series written", "file", target, "candles", len(s))
	return nil
}

// HealthCheck implements HealthChecker by verifying the data directory.
func (r *CSVRepository) HealthCheck(context.Context) error {
	info, err := os.Stat(r.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", r.dir)
	}
	return nil
}

// WriteCSV encodes s with the series file header. Output is a pure function
// of s: decimals are written in their canonical string form.
func WriteCSV(w io.Writer, s models.Series) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	row := make([]string, len(csvHeader))
	for _, c := range s {
		row[0] = c.Timestamp.UTC().Format(TimestampLayout)
		row[1] = c.Open.String()
		row[2] = c.High.String()
		row[3] = c.Low.String()
		row[4] = c.Close.String()
		row[5] = c.Volume.String()
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV decodes a series file and validates the result.
func ReadCSV(r io.Reader) (models.Series, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvHeader)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return models.Series{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, name := range csvHeader {
		if header[i] != name {
			return nil, fmt.Errorf("unexpected header column %d: %q, want %q", i, header[i], name)
		}
	}

	var s models.Series
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		c, err := parseRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		s = append(s, c)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func parseRecord(rec []string) (models.Candle, error) {
	ts, err := time.Parse(TimestampLayout, rec[0])
	if err != nil {
		// tolerate files written without milliseconds
		ts, err = time.Parse(time.RFC3339, rec[0])
		if err != nil {
			return models.Candle{}, fmt.Errorf("date %q: %w", rec[0], err)
		}
	}
	var vals [5]decimal.Decimal
	for i := range vals {
		vals[i], err = decimal.NewFromString(rec[i+1])
		if err != nil {
			return models.Candle{}, fmt.Errorf("%s %q: %w", csvHeader[i+1], rec[i+1], err)
		}
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
