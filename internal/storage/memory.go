package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/johnayoung/go-ohlcv-ingestor/internal/models"
)

// MemoryRepository keeps series in process memory. It backs tests and
// dry runs; nothing survives a restart.
type MemoryRepository struct {
	// Mutex for thread-safe operations
	mu sync.RWMutex

	series map[SeriesKey]models.Series
	writes map[SeriesKey]int

	closed bool
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		series: make(map[SeriesKey]models.Series),
		writes: make(map[SeriesKey]int),
	}
}

// Exists implements SeriesRepository.
func (m *MemoryRepository) Exists(ctx context.Context, key SeriesKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, NewStorageError("exists", key, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.series[key]
	return ok, nil
}

// Load implements SeriesRepository. The returned series is a copy.
func (m *MemoryRepository) Load(ctx context.Context, key SeriesKey) (models.Series, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStorageError("load", key, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.series[key]
	if !ok {
		return nil, NewStorageError("load", key, ErrSeriesNotFound)
	}
	return s.Clone(), nil
}

// Replace implements SeriesRepository.
func (m *MemoryRepository) Replace(ctx context.Context, key SeriesKey, s models.Series) error {
	if err := ctx.Err(); err != nil {
		return NewStorageError("replace", key, err)
	}
	if err := s.Validate(); err != nil {
		return NewStorageError("replace", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return NewStorageError("replace", key, errors.New("storage is closed"))
	}
	m.series[key] = s.Clone()
	m.writes[key]++
	return nil
}

// Writes reports how many times key has been replaced.
func (m *MemoryRepository) Writes(key SeriesKey) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes[key]
}

// HealthCheck implements HealthChecker.
func (m *MemoryRepository) HealthCheck(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.New("storage is closed")
	}
	return nil
}

// Close marks the repository closed; later writes fail.
func (m *MemoryRepository) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
