// Package fetcher pages through an exchange's historical candle endpoint.
//
// A fetch is a small state machine:
//
//	INIT -> FETCHING -> MORE -> FETCHING ... -> DONE
//	                 \-> FAILED
//
// The connector's CursorPolicy decides which end of a page anchors the next
// request, so the same loop serves forward-scanning (BitMEX) and
// backward-scanning (KuCoin) exchanges.
package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/johnayoung/go-ohlcv-ingestor/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/exchange"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/metrics"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/models"
)

// State is the pagination state.
type State int

const (
	StateInit State = iota
	StateFetching
	StateMore
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateFetching:
		return "FETCHING"
	case StateMore:
		return "MORE"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// PageSource is the part of a connector the fetcher drives.
type PageSource interface {
	Name() string
	FetchCandlePage(ctx context.Context, req exchange.PageRequest) ([]models.Candle, error)
	CursorPolicy() exchange.CursorPolicy
	PageSize() int
}

// Request describes one historical fetch. Nil bounds take defaults: Start is
// today 00:00 UTC and End is now.
type Request struct {
	Symbol    string
	Timeframe models.Timeframe
	Start     *time.Time
	End       *time.Time
}

// Result is what a fetch accumulated. On FAILED it holds every candle
// gathered before the failure.
type Result struct {
	Candles models.Series
	Pages   int
	State   State
}

// Fetcher runs paginated fetches against one PageSource.
type Fetcher struct {
	source   PageSource
	retry    *apperrors.RetryPolicy
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	deadline time.Time
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithRetryPolicy wraps every page request in p.
func WithRetryPolicy(p *apperrors.RetryPolicy) Option {
	return func(f *Fetcher) { f.retry = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithMetrics records page counts and latencies.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// WithClock injects the time source used for default bounds.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// WithDeadline bounds the whole fetch. It is checked before each page, so a
// page request already in flight is allowed to finish.
func WithDeadline(t time.Time) Option {
	return func(f *Fetcher) { f.deadline = t }
}

// New returns a fetcher for source.
func New(source PageSource, opts ...Option) *Fetcher {
	f := &Fetcher{
		source: source,
		retry:  apperrors.NoRetry(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "fetcher", "exchange", source.Name())
	return f
}

// Fetch pages through [Start, End] and returns the candles in ascending order.
//
// A page shorter than the source's page size ends the scan. When End was not
// given, the newest candle of such a scan is the still-open current interval
// and is dropped. A failed page request or a cancelled context ends the scan
// in StateFailed, as does reaching the deadline between pages; the accumulated candles are returned together with an
// error wrapping ErrIncompleteFetch and the cause.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	tf := req.Timeframe
	if tf == "" {
		tf = models.Timeframe1m
	}
	if !tf.Valid() {
		return &Result{State: StateInit}, &models.ValidationError{Field: "timeframe", Message: fmt.Sprintf("unsupported timeframe %q", req.Timeframe)}
	}

	now := f.now().UTC()
	start, end := DefaultBounds(now, req.Start, req.End)
	if start.After(end) {
		return &Result{State: StateInit}, fmt.Errorf("%w: start %s is after end %s",
			apperrors.ErrInvalidRange, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	endGiven := req.End != nil

	policy := f.source.CursorPolicy()
	pageSize := f.source.PageSize()
	cursor := start
	if policy.Direction == exchange.ScanBackward {
		cursor = end
	}

	logger := f.logger.With("symbol", req.Symbol, "timeframe", string(tf), "direction", policy.Direction.String())
	logger.Debug("fetch started",
		"start", start.Format(time.RFC3339),
		"end", end.Format(time.RFC3339),
		"page_size", pageSize)

	res := &Result{State: StateFetching}
	var (
		acc      models.Series
		seen     = make(map[int64]struct{})
		lastPage []models.Candle
	)

	for {
		if err := ctx.Err(); err != nil {
			return f.fail(logger, res, acc, err)
		}
		if !f.deadline.IsZero() && !time.Now().Before(f.deadline) {
			return f.fail(logger, res, acc, fmt.Errorf("fetch deadline %s passed: %w",
				f.deadline.UTC().Format(time.RFC3339), context.DeadlineExceeded))
		}

		from, to := policy.Window(cursor, start, end)
		if from.After(to) {
			// window exhausted on a full page
			res.State = StateDone
			break
		}

		var page []models.Candle
		began := time.Now()
		err := f.retry.Do(ctx, "fetch_candle_page", func(ctx context.Context) error {
			var err error
			page, err = f.source.FetchCandlePage(ctx, exchange.PageRequest{
				Symbol:    req.Symbol,
				Timeframe: tf,
				Start:     from,
				End:       to,
			})
			return err
		})
		if err != nil {
			return f.fail(logger, res, acc, err)
		}
		res.Pages++
		f.metrics.ObservePage(f.source.Name(), time.Since(began))

		for _, c := range page {
			key := c.Timestamp.UnixNano()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			acc = append(acc, c)
		}
		logger.Debug("page fetched",
			"iteration", res.Pages,
			"page_candles", len(page),
			"total_candles", len(acc))

		if len(page) < pageSize {
			res.State = StateDone
			lastPage = page
			break
		}

		next, _ := policy.Next(page, tf)
		if !advances(policy.Direction, cursor, next) {
			logger.Warn("cursor did not advance; stopping",
				"cursor", cursor.Format(time.RFC3339),
				"next", next.Format(time.RFC3339))
			res.State = StateDone
			break
		}
		cursor = next
		res.State = StateMore
	}

	acc.Sort()
	if !endGiven && len(lastPage) > 0 && len(acc) > 0 {
		dropped := acc[len(acc)-1]
		acc = acc[:len(acc)-1]
		logger.Debug("dropped open boundary candle", "timestamp", dropped.Timestamp.Format(time.RFC3339))
	}

	res.Candles = acc
	logger.Info("fetch finished",
		"state", res.State.String(),
		"pages", res.Pages,
		"candles", len(acc))
	return res, nil
}

func (f *Fetcher) fail(logger *slog.Logger, res *Result, acc models.Series, cause error) (*Result, error) {
	acc.Sort()
	res.Candles = acc
	res.State = StateFailed
	logger.Error("fetch failed",
		"pages", res.Pages,
		"candles", len(acc),
		"error", cause)
	return res, fmt.Errorf("%w: %w", apperrors.ErrIncompleteFetch, cause)
}

// DefaultBounds resolves nil bounds against now: start defaults to today
// 00:00 UTC and end to now.
func DefaultBounds(now time.Time, start, end *time.Time) (time.Time, time.Time) {
	now = now.UTC()
	s := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if start != nil {
		s = start.UTC()
	}
	e := now
	if end != nil {
		e = end.UTC()
	}
	return s, e
}

func advances(dir exchange.ScanDirection, cursor, next time.Time) bool {
	if dir == exchange.ScanBackward {
		return next.Before(cursor)
	}
	return next.After(cursor)
}
