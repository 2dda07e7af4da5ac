// Package ingest implements the time-series store: it decides how a request
// combines with the persisted series for an (exchange, symbol), drives the
// paginated fetch and commits the merged result atomically.
//
// A failed call never writes. Calls for the same key are serialized with a
// KeyLock held for the whole fetch, merge and write.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	apperrors "github.com/johnayoung/go-ohlcv-ingestor/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/exchange"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/fetcher"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/logger"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/metrics"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/models"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/storage"
)

// ErrUnknownExchange is returned for an exchange with no registered source.
var ErrUnknownExchange = errors.New("unknown exchange")

// Source is what the store needs from a connector: its session for symbol
// validation and its candle pages.
type Source interface {
	fetcher.PageSource
	Session() *exchange.Session
}

// IngestRequest asks for one (exchange, symbol) to be refreshed.
type IngestRequest struct {
	Exchange  string
	Symbol    string
	Timeframe models.Timeframe // store default when empty
	Start     *time.Time
	End       *time.Time
}

// IngestResult describes what an ingest did.
type IngestResult struct {
	Exchange string        `json:"exchange"`
	Symbol   string        `json:"symbol"`
	Mode     Mode          `json:"mode"`
	Pages    int           `json:"pages"`
	Fetched  int           `json:"fetched"`
	Added    int           `json:"added"`
	Total    int           `json:"total"`
	Written  bool          `json:"written"`
	Gaps     []models.Gap  `json:"gaps,omitempty"`
	Series   models.Series `json:"-"`
}

// ReadCache serves GetSeries reads in front of the repository and is told
// when a series has been rewritten. It is never read while ingesting.
type ReadCache interface {
	Load(ctx context.Context, key storage.SeriesKey) (models.Series, error)
	Invalidate(ctx context.Context, key storage.SeriesKey) error
}

// Store is the time-series store over one repository and a set of sources.
type Store struct {
	sources      map[string]Source
	repo         storage.SeriesRepository
	cache        ReadCache
	locks        *storage.KeyLock
	retry        *apperrors.RetryPolicy
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
	timeframe    models.Timeframe
	fetchTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithRetryPolicy applies p to every page request.
func WithRetryPolicy(p *apperrors.RetryPolicy) Option { return func(s *Store) { s.retry = p } }

// WithMetrics records ingest outcomes.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Store) { s.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithTimeframe sets the timeframe series are kept in (default 1m).
func WithTimeframe(tf models.Timeframe) Option { return func(s *Store) { s.timeframe = tf } }

// WithFetchTimeout bounds one complete paginated fetch. The bound is checked
// between pages; an in-flight page request runs to its own HTTP timeout.
func WithFetchTimeout(d time.Duration) Option { return func(s *Store) { s.fetchTimeout = d } }

// WithKeyLock shares a lock table between stores writing the same repository.
func WithKeyLock(l *storage.KeyLock) Option { return func(s *Store) { s.locks = l } }

// WithReadCache serves GetSeries through c. Ingests keep reading and writing
// the repository itself and invalidate c after every write.
func WithReadCache(c ReadCache) Option { return func(s *Store) { s.cache = c } }

// NewStore returns a store writing to repo and fetching through sources.
func NewStore(repo storage.SeriesRepository, sources []Source, opts ...Option) *Store {
	s := &Store{
		sources:   make(map[string]Source, len(sources)),
		repo:      repo,
		locks:     storage.NewKeyLock(),
		retry:     apperrors.NoRetry(),
		logger:    slog.Default(),
		now:       time.Now,
		timeframe: models.Timeframe1m,
	}
	for _, src := range sources {
		s.sources[strings.ToLower(src.Name())] = src
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "ingest")
	return s
}

// Exchanges lists the registered exchange names, sorted.
func (s *Store) Exchanges() []string {
	out := make([]string, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src.Name())
	}
	sort.Strings(out)
	return out
}

// Source returns the registered source for an exchange name, any case.
func (s *Store) Source(name string) (Source, error) {
	src, ok := s.sources[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExchange, name)
	}
	return src, nil
}

// Timeframe is the interval stored series are kept in.
func (s *Store) Timeframe() models.Timeframe { return s.timeframe }

// Ingest refreshes one series and returns the result, including the
// canonical series as stored.
func (s *Store) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	src, err := s.Source(req.Exchange)
	if err != nil {
		return nil, err
	}
	name := src.Name()

	symbol, err := src.Session().ValidateSymbol(req.Symbol)
	if err != nil {
		s.metrics.ObserveFailure(name, string(apperrors.Classify(err)))
		return nil, err
	}

	tf := req.Timeframe
	if tf == "" {
		tf = s.timeframe
	}
	if tf != s.timeframe {
		return nil, &models.ValidationError{Field: "timeframe", Message: fmt.Sprintf("store keeps %s series, got %s", s.timeframe, tf)}
	}

	ctx = logger.WithSymbol(logger.WithExchange(ctx, name), symbol)
	log := logger.FromContext(ctx, s.logger)
	key := storage.SeriesKey{Exchange: name, Symbol: symbol}

	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", key, err)
	}
	defer unlock()

	res, err := s.ingestLocked(ctx, log, src, key, tf, req)
	if err != nil {
		s.metrics.ObserveFailure(name, string(apperrors.Classify(err)))
		log.Error("ingest failed", "error", err, "error_type", apperrors.Classify(err))
		return nil, err
	}
	s.metrics.ObserveIngest(name, string(res.Mode), res.Added)
	log.Info("ingest completed",
		"mode", res.Mode,
		"pages", res.Pages,
		"fetched", res.Fetched,
		"added", res.Added,
		"total", res.Total,
		"written", res.Written,
		"gaps", len(res.Gaps))
	return res, nil
}

func (s *Store) ingestLocked(ctx context.Context, log *slog.Logger, src Source, key storage.SeriesKey, tf models.Timeframe, req IngestRequest) (*IngestResult, error) {
	exists, err := s.repo.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	mode, err := SelectMode(exists, req.Start, req.End)
	if err != nil {
		return nil, err
	}

	var existing models.Series
	if mode == ModeAppendLatest || mode == ModeBackfill {
		existing, err = s.repo.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		if len(existing) == 0 {
			// nothing to anchor on
			mode = ModeInitialLoad
		}
	}

	res := &IngestResult{Exchange: key.Exchange, Symbol: key.Symbol, Mode: mode}
	fr := fetcher.Request{Symbol: key.Symbol, Timeframe: tf}
	switch mode {
	case ModeInitialLoad, ModeRangeOverwrite:
		fr.Start, fr.End = req.Start, req.End
	case ModeAppendLatest:
		last, _ := existing.Last()
		if !last.Timestamp.Before(s.now()) {
			return s.unchanged(res, existing, tf), nil
		}
		from := last.Timestamp
		fr.Start = &from
	case ModeBackfill:
		first, _ := existing.First()
		if !req.Start.Before(first.Timestamp) {
			return s.unchanged(res, existing, tf), nil
		}
		to := first.Timestamp
		fr.Start, fr.End = req.Start, &to
	}
	log.Debug("ingest mode selected", "mode", mode, "existing", len(existing))

	fetched, err := s.fetch(ctx, src, fr)
	if err != nil {
		return nil, err
	}
	res.Pages = fetched.Pages
	res.Fetched = len(fetched.Candles)

	var merged models.Series
	switch mode {
	case ModeAppendLatest:
		merged, res.Added, err = MergeAppend(existing, fetched.Candles, tf)
	case ModeBackfill:
		merged, res.Added, err = MergeBackfill(existing, fetched.Candles, tf)
	default:
		merged, res.Added = fetched.Candles, len(fetched.Candles)
	}
	if err != nil {
		return nil, err
	}
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("merged series for %s is invalid: %w", key, err)
	}

	res.Gaps = merged.Gaps(tf)
	for _, g := range res.Gaps {
		log.Warn("gap in exchange data",
			"from", g.StartTime.Format(time.RFC3339),
			"to", g.EndTime.Format(time.RFC3339),
			"missing", g.Missing)
	}

	if res.Added > 0 || mode == ModeInitialLoad || mode == ModeRangeOverwrite {
		if err := s.repo.Replace(ctx, key, merged); err != nil {
			return nil, err
		}
		res.Written = true
		s.invalidate(ctx, log, key)
	}
	res.Series = merged
	res.Total = len(merged)
	return res, nil
}

func (s *Store) fetch(ctx context.Context, src Source, req fetcher.Request) (*fetcher.Result, error) {
	opts := []fetcher.Option{
		fetcher.WithRetryPolicy(s.retry),
		fetcher.WithLogger(s.logger),
		fetcher.WithMetrics(s.metrics),
		fetcher.WithClock(s.now),
	}
	if s.fetchTimeout > 0 {
		opts = append(opts, fetcher.WithDeadline(time.Now().Add(s.fetchTimeout)))
	}
	return fetcher.New(src, opts...).Fetch(ctx, req)
}

func (s *Store) invalidate(ctx context.Context, log *slog.Logger, key storage.SeriesKey) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, key); err != nil {
		log.Warn("read cache invalidation failed; cached reads may lag until expiry", "error", err)
	}
}

func (s *Store) unchanged(res *IngestResult, existing models.Series, tf models.Timeframe) *IngestResult {
	res.Series = existing
	res.Total = len(existing)
	res.Gaps = existing.Gaps(tf)
	return res
}

// GetSeries returns the stored series for (exchange, symbol), through the read
// cache when one is set. It never contacts the exchange.
func (s *Store) GetSeries(ctx context.Context, exchangeName, symbol string) (models.Series, error) {
	src, err := s.Source(exchangeName)
	if err != nil {
		return nil, err
	}
	key := storage.NewSeriesKey(src.Name(), symbol)
	if s.cache != nil {
		return s.cache.Load(ctx, key)
	}
	return s.repo.Load(ctx, key)
}

// GetSeriesAs returns the stored series resampled to tf.
func (s *Store) GetSeriesAs(ctx context.Context, exchangeName, symbol string, tf models.Timeframe) (models.Series, error) {
	series, err := s.GetSeries(ctx, exchangeName, symbol)
	if err != nil {
		return nil, err
	}
	if tf == "" || tf == s.timeframe {
		return series, nil
	}
	return models.Resample(series, s.timeframe, tf)
}
