package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/johnayoung/go-ohlcv-ingestor/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/exchange"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/metrics"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/models"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Source = (*exchange.BitmexConnector)(nil)
	_ Source = (*exchange.KucoinConnector)(nil)
)

var fakeKey = storage.SeriesKey{Exchange: "Fake", Symbol: "XBTUSD"}

// fakeSource serves a forward-scanning history honoring the requested window.
type fakeSource struct {
	mu      sync.Mutex
	session *exchange.Session
	history models.Series
	size    int
	calls   int
	err     error
}

func newFakeSource(history models.Series, size int) *fakeSource {
	session := exchange.NewSession("Fake", "http://fake.invalid", exchange.Credentials{}, false)
	session.SetInstruments([]models.Instrument{{Exchange: "Fake", Symbol: "XBTUSD"}})
	return &fakeSource{session: session, history: history, size: size}
}

func (f *fakeSource) Name() string               { return "Fake" }
func (f *fakeSource) Session() *exchange.Session { return f.session }
func (f *fakeSource) PageSize() int              { return f.size }
func (f *fakeSource) CursorPolicy() exchange.CursorPolicy {
	return exchange.CursorPolicy{Direction: exchange.ScanForward}
}

func (f *fakeSource) FetchCandlePage(_ context.Context, req exchange.PageRequest) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var in []models.Candle
	for _, c := range f.history {
		if !c.Timestamp.Before(req.Start) && !c.Timestamp.After(req.End) {
			in = append(in, c)
		}
	}
	if len(in) > f.size {
		in = in[:f.size]
	}
	return in, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(repo storage.SeriesRepository, src *fakeSource, clock *testClock, opts ...Option) *Store {
	opts = append([]Option{WithClock(clock.Now), WithLogger(quietLogger())}, opts...)
	return NewStore(repo, []Source{src}, opts...)
}

func at(minute int) *time.Time {
	t := day.Add(time.Duration(minute) * time.Minute)
	return &t
}

func TestIngestInitialLoad(t *testing.T) {
	repo := storage.NewMemoryRepository()
	src := newFakeSource(span(0, 60, 100), 5)
	clock := &testClock{now: *at(30)}
	store := newTestStore(repo, src, clock)

	res, err := store.Ingest(context.Background(), IngestRequest{Exchange: "fake", Symbol: "xbtusd", Start: at(0)})
	require.NoError(t, err)

	assert.Equal(t, ModeInitialLoad, res.Mode)
	assert.Equal(t, "Fake", res.Exchange)
	assert.Equal(t, "XBTUSD", res.Symbol)
	assert.True(t, res.Written)
	assert.Equal(t, 7, res.Pages)
	assert.Equal(t, 30, res.Total, "open candle at now is dropped")
	assert.Empty(t, res.Gaps)

	stored, err := store.GetSeries(context.Background(), "FAKE", "XBTUSD")
	require.NoError(t, err)
	require.Len(t, stored, 30)
	last, _ := stored.Last()
	assert.Equal(t, *at(29), last.Timestamp)
	assert.Equal(t, 1, repo.Writes(fakeKey))
}

func TestIngestAppendLatest(t *testing.T) {
	repo := storage.NewMemoryRepository()
	src := newFakeSource(span(0, 60, 100), 5)
	clock := &testClock{now: *at(30)}
	store := newTestStore(repo, src, clock)
	ctx := context.Background()

	_, err := store.Ingest(ctx, IngestRequest{Exchange: "Fake", Symbol: "XBTUSD", Start: at(0)})
	require.NoError(t, err)

	clock.Set(*at(45))
	res, err := store.Ingest(ctx, IngestRequest{Exchange: "Fake", Symbol: "XBTUSD"})
	require.NoError(t, err)
	assert.Equal(t, ModeAppendLatest, res.Mode)
	assert.Equal(t, 15, res.Added)
	assert.Equal(t, 45, res.Total)
	assert.True(t, res.Written)

	stored, err := repo.Load(ctx, fakeKey)
	require.NoError(t, err)
	require.NoError(t, stored.Validate())
	assert.True(t, stored.Contiguous(models.Timeframe1m))
	first, _ := stored.First()
	last, _ := stored.Last()
	assert.Equal(t, day, first.Timestamp)
	assert.Equal(t, *at(44), last.Timestamp)
}

func TestIngestAppendIsIdempotent(t *testing.T) {
	repo, err := storage.NewCSVRepository(t.TempDir(), quietLogger())
	require.NoError(t, err)
	src := newFakeSource(span(0, 60, 100), 5)
	clock := &testClock{now: *at(30)}
	store := newTestStore(repo, src, clock)
	ctx := context.Background()

	_, err = store.Ingest(ctx, IngestRequest{Exchange: "Fake", Symbol: "XBTUSD", Start: at(0)})
	require.NoError(t, err)
	before, err := os.ReadFile(repo.Path(fakeKey))
	require.NoError(t, err)

	res, err := store.Ingest(ctx, IngestRequest{Exchange: "Fake", Symbol: "XBTUSD"})
	require.NoError(t, err)
	assert.Equal(t, ModeAppendLatest, res.Mode)
	assert.Zero(t, res.Added)
	assert.False(t, res.Written)

	after, err := os.ReadFile(repo.Path(fakeKey))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestIngestAppendUpToDateSkipsFetch(t *testing.T) {
	repo := storage.NewMemoryRepository()
	require.NoError(t, repo.Replace(context.Background(), fakeKey, span(0, 10, 100)))
	src := newFakeSource(span(0, 60, 100), 5)
	store := newTestStore(repo, src, &testClock{now: *at(9)})

	res, err := store.Ingest(context.Background(), IngestRequest{Exchange: "Fake", Symbol: "XBTUSD"})
	require.NoError(t, err)
	assert.False(t, res.Written)
	assert.Equal(t, 10, res.Total)
	assert.Zero(t, src.callCount())
}

func TestIngestBackfill(t *testing.T) {
	repo := storage.NewMemoryRepository()
	src := newFakeSource(span(0, 60, 100), 5)
	store := newTestStore(repo, src, &testClock{now: *at(30)})
	ctx := context.Background()

	initial, err := store.Ingest(ctx, IngestRequest{Exchange: "Fake", Symbol: "XBTUSD", Start: at(20)})
	require.NoError(t, err)
	require.Equal(t, 10, initial.Total)

	res, err := store.Ingest(ctx, IngestRequest{Exchange: "Fake", Symbol: "XBTUSD", Start: at(5)})
	require.NoError(t, err)
	assert.Equal(t, ModeBackfill, res.Mode)
	assert.Equal(t, 15, res.Added)
	assert.Greater(t, res.Total, initial.Total)

	stored, err := repo.Load(ctx, fakeKey)
	require.NoError(t, err)
	require.Len(t, stored, 25)
	assert.True(t, stored.Contiguous(models.Timeframe1m))
	first, _ := stored.First()
	assert.Equal(t, *at(5), first.Timestamp)

	calls := src.callCount()
	res, err = store.Ingest(ctx, IngestRequest{Exchange: "Fake", Symbol: "XBTUSD", Start: at(10)})
	require.NoError(t, err)
	assert.False(t, res.Written, "start already covered")
	assert.Equal(t, calls, src.callCount())
}

func TestIngestRangeOverwrite(t *testing.T) {
	repo := storage.NewMemoryRepository()
	require.NoError(t, repo.Replace(context.Background(), fakeKey, span(0, 10, 100)))
	src := newFakeSource(span(0, 60, 200), 5)
	store := newTestStore(repo, src, &testClock{now: *at(59)})

	res, err := store.Ingest(context.Background(), IngestRequest{Exchange: "Fake", Symbol: "XBTUSD", Start: at(40), End: at(42)})
	require.NoError(t, err)
	assert.Equal(t, ModeRangeOverwrite, res.Mode)
	assert.True(t, res.Written)

	stored, err := repo.Load(context.Background(), fakeKey)
	require.NoError(t, err)
	require.Len(t, stored, 3, "bounded range keeps its last candle")
	assert.Equal(t, *at(40), stored[0].Timestamp)
	assert.Equal(t, *at(42), stored[2].Timestamp)
}

func TestIngestInvalidRange(t *testing.T) {
	repo := storage.NewMemoryRepository()
	require.NoError(t, repo.Replace(context.Background(), fakeKey, span(0, 10, 100)))
	src := newFakeSource(span(0, 60, 100), 5)
	store := newTestStore(repo, src, &testClock{now: *at(30)})

	tests := []struct {
		name  string
		start *time.Time
		end   *time.Time
	}{
		{name: "end without start", end: at(20)},
		{name: "start after end", start: at(20), end: at(10)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Ingest(context.Background(), IngestRequest{Exchange: "Fake", Symbol: "XBTUSD", Start: tt.start, End: tt.end})
			require.ErrorIs(t, err, apperrors.ErrInvalidRange)
		})
	}
	assert.Zero(t, src.callCount())
	assert.Equal(t, 1, repo.Writes(fakeKey))
}

func TestIngestUnknownSymbolMakesNoRequest(t *testing.T) {
	repo := storage.NewMemoryRepository()
	src := newFakeSource(span(0, 60, 100), 5)
	m := metrics.New()
	store := newTestStore(repo, src, &testClock{now: *at(30)}, WithMetrics(m))

	_, err := store.Ingest(context.Background(), IngestRequest{Exchange: "Fake", Symbol: "DOGEUSD"})
	require.ErrorIs(t, err, apperrors.ErrUnknownSymbol)
	assert.Zero(t, src.callCount())

	exists, err := repo.Exists(context.Background(), storage.NewSeriesKey("Fake", "DOGEUSD"))
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestFailures.WithLabelValues("Fake", string(apperrors.ErrorTypeValidation))))
}

func TestIngestUnknownSymbolOnRealConnector(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"symbol":"XBTUSD"}]`))
	}))
	t.Cleanup(server.Close)

	conn := exchange.NewBitmexConnector(context.Background(), exchange.Options{
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
		Logger:     quietLogger(),
	})
	require.True(t, conn.Session().InstrumentsLoaded())
	afterListing := calls.Load()

	store := NewStore(storage.NewMemoryRepository(), []Source{conn}, WithLogger(quietLogger()))
	_, err := store.Ingest(context.Background(), IngestRequest{Exchange: "bitmex", Symbol: "NOPE"})
	require.ErrorIs(t, err, apperrors.ErrUnknownSymbol)
	assert.Equal(t, afterListing, calls.Load())
}

func TestIngestUnknownExchange(t *testing.T) {
	store := newTestStore(storage.NewMemoryRepository(), newFakeSource(nil, 5), &testClock{now: day})

	_, err := store.Ingest(context.Background(), IngestRequest{Exchange: "binance", Symbol: "XBTUSD"})
	require.ErrorIs(t, err, ErrUnknownExchange)
	_, err = store.GetSeries(context.Background(), "binance", "XBTUSD")
	require.ErrorIs(t, err, ErrUnknownExchange)
}

func TestIngestFetchFailureWritesNothing(t *testing.T) {
	repo := storage.NewMemoryRepository()
	require.NoError(t, repo.Replace(context.Background(), fakeKey, span(0, 10, 100)))
	src := newFakeSource(span(0, 60, 100), 5)
	src.err = &apperrors.TransportError{Exchange: "Fake", Op: "candles", Status: http.StatusBadGateway}
	store := newTestStore(repo, src, &testClock{now: *at(30)})

	_, err := store.Ingest(context.Background(), IngestRequest{Exchange: "Fake", Symbol: "XBTUSD"})
	require.ErrorIs(t, err, apperrors.ErrIncompleteFetch)

	var te *apperrors.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 1, repo.Writes(fakeKey))
	stored, err := repo.Load(context.Background(), fakeKey)
	require.NoError(t, err)
	assert.Len(t, stored, 10)
}

func TestIngestDiscontinuousAppendWritesNothing(t *testing.T) {
	repo := storage.NewMemoryRepository()
	require.NoError(t, repo.Replace(context.Background(), fakeKey, span(0, 10, 100)))
	src := newFakeSource(span(20, 20, 100), 5)
	store := newTestStore(repo, src, &testClock{now: *at(39)})

	_, err := store.Ingest(context.Background(), IngestRequest{Exchange: "Fake", Symbol: "XBTUSD"})
	require.ErrorIs(t, err, apperrors.ErrDiscontinuous)
	assert.Equal(t, 1, repo.Writes(fakeKey))
}

func TestIngestReportsGaps(t *testing.T) {
	history := append(span(0, 3, 100), span(5, 10, 100)...)
	src := newFakeSource(history, 100)
	store := newTestStore(storage.NewMemoryRepository(), src, &testClock{now: *at(20)})

	res, err := store.Ingest(context.Background(), IngestRequest{Exchange: "Fake", Symbol: "XBTUSD", Start: at(0), End: at(14)})
	require.NoError(t, err)
	require.Len(t, res.Gaps, 1)
	assert.Equal(t, *at(3), res.Gaps[0].StartTime)
	assert.Equal(t, 2, res.Gaps[0].Missing)
	assert.True(t, res.Written)
}

func TestIngestSerializesSameKey(t *testing.T) {
	repo := storage.NewMemoryRepository()
	src := newFakeSource(span(0, 60, 100), 5)
	store := newTestStore(repo, src, &testClock{now: *at(30)})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Ingest(context.Background(), IngestRequest{Exchange: "Fake", Symbol: "XBTUSD", Start: at(0)})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, 1, repo.Writes(fakeKey), "only the first caller loads; the rest find the range covered")
	stored, err := repo.Load(context.Background(), fakeKey)
	require.NoError(t, err)
	assert.Len(t, stored, 30)
}

func TestIngestTimeframeMismatch(t *testing.T) {
	src := newFakeSource(span(0, 60, 100), 5)
	store := newTestStore(storage.NewMemoryRepository(), src, &testClock{now: *at(30)})

	_, err := store.Ingest(context.Background(), IngestRequest{Exchange: "Fake", Symbol: "XBTUSD", Timeframe: models.Timeframe1h})
	var ve *models.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Zero(t, src.callCount())
}

func TestGetSeriesAs(t *testing.T) {
	repo := storage.NewMemoryRepository()
	require.NoError(t, repo.Replace(context.Background(), fakeKey, span(0, 10, 100)))
	store := newTestStore(repo, newFakeSource(nil, 5), &testClock{now: day})

	out, err := store.GetSeriesAs(context.Background(), "Fake", "xbtusd", models.Timeframe5m)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, *at(5), out[1].Timestamp)

	_, err = store.GetSeries(context.Background(), "Fake", "ETHUSD")
	require.ErrorIs(t, err, storage.ErrSeriesNotFound)
	assert.Equal(t, []string{"Fake"}, store.Exchanges())
}
