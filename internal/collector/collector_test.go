package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-ohlcv-ingestor/internal/config"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/ingest"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/metrics"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/models"
)

// fakeIngester records concurrency per exchange and fails symbols in fail.
type fakeIngester struct {
	delay time.Duration
	fail  map[string]bool

	mu       sync.Mutex
	inFlight map[string]int
	peak     map[string]int
	total    atomic.Int64
	peakAll  atomic.Int64
	calls    atomic.Int64
}

func newFakeIngester(delay time.Duration) *fakeIngester {
	return &fakeIngester{
		delay:    delay,
		fail:     map[string]bool{},
		inFlight: map[string]int{},
		peak:     map[string]int{},
	}
}

func (f *fakeIngester) Ingest(ctx context.Context, req ingest.IngestRequest) (*ingest.IngestResult, error) {
	f.calls.Add(1)
	now := f.total.Add(1)
	for {
		p := f.peakAll.Load()
		if now <= p || f.peakAll.CompareAndSwap(p, now) {
			break
		}
	}
	defer f.total.Add(-1)

	f.mu.Lock()
	f.inFlight[req.Exchange]++
	if f.inFlight[req.Exchange] > f.peak[req.Exchange] {
		f.peak[req.Exchange] = f.inFlight[req.Exchange]
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight[req.Exchange]--
		f.mu.Unlock()
	}()

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if f.fail[req.Symbol] {
		return nil, fmt.Errorf("ingest %s: exchange unavailable", req.Symbol)
	}
	return &ingest.IngestResult{Exchange: req.Exchange, Symbol: req.Symbol, Mode: ingest.ModeAppendLatest, Added: 2, Total: 10}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("job-%d", n.Add(1)) }
}

func TestRunCompletesAllJobs(t *testing.T) {
	ing := newFakeIngester(time.Millisecond)
	ing.fail["ETHUSD"] = true
	m := metrics.New()
	pool := NewPool(ing, config.CollectorConfig{MaxConcurrency: 4, PerExchangeLimit: 2},
		WithLogger(quietLogger()), WithMetrics(m), WithIDGenerator(sequentialIDs()))

	reqs := []ingest.IngestRequest{
		{Exchange: "Bitmex", Symbol: "XBTUSD"},
		{Exchange: "Bitmex", Symbol: "ETHUSD"},
		{Exchange: "Kucoin", Symbol: "BTC-USDT"},
	}
	jobs, sum := pool.Run(context.Background(), reqs)

	require.Len(t, jobs, 3)
	assert.Equal(t, "job-1", jobs[0].ID)
	assert.Equal(t, "XBTUSD", jobs[0].Symbol, "jobs keep request order")
	assert.Equal(t, models.StatusCompleted, jobs[0].Status)
	assert.Equal(t, string(ingest.ModeAppendLatest), jobs[0].Mode)
	assert.Equal(t, models.StatusFailed, jobs[1].Status)
	assert.Contains(t, jobs[1].Error, "exchange unavailable")
	assert.Equal(t, models.StatusCompleted, jobs[2].Status)

	assert.Equal(t, Summary{Jobs: 3, Completed: 2, Failed: 1, Added: 4, Elapsed: sum.Elapsed}, sum)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.JobsInFlight))
}

func TestRunRespectsLimits(t *testing.T) {
	ing := newFakeIngester(20 * time.Millisecond)
	pool := NewPool(ing, config.CollectorConfig{MaxConcurrency: 3, PerExchangeLimit: 1}, WithLogger(quietLogger()))

	var reqs []ingest.IngestRequest
	for i := 0; i < 4; i++ {
		reqs = append(reqs,
			ingest.IngestRequest{Exchange: "Bitmex", Symbol: fmt.Sprintf("B%d", i)},
			ingest.IngestRequest{Exchange: "Kucoin", Symbol: fmt.Sprintf("K%d", i)},
		)
	}
	_, sum := pool.Run(context.Background(), reqs)

	assert.Equal(t, 8, sum.Completed)
	assert.LessOrEqual(t, ing.peakAll.Load(), int64(3))
	ing.mu.Lock()
	defer ing.mu.Unlock()
	assert.Equal(t, 1, ing.peak["Bitmex"])
	assert.Equal(t, 1, ing.peak["Kucoin"])
}

func TestRunPerExchangeLimitIgnoresCase(t *testing.T) {
	ing := newFakeIngester(10 * time.Millisecond)
	pool := NewPool(ing, config.CollectorConfig{MaxConcurrency: 4, PerExchangeLimit: 1}, WithLogger(quietLogger()))

	_, sum := pool.Run(context.Background(), []ingest.IngestRequest{
		{Exchange: "bitmex", Symbol: "A"},
		{Exchange: "BITMEX", Symbol: "B"},
	})
	assert.Equal(t, 2, sum.Completed)
	assert.LessOrEqual(t, ing.peakAll.Load(), int64(1))
}

func TestRunInvalidJobFailsWithoutIngest(t *testing.T) {
	ing := newFakeIngester(0)
	pool := NewPool(ing, config.CollectorConfig{}, WithLogger(quietLogger()))

	jobs, sum := pool.Run(context.Background(), []ingest.IngestRequest{{Exchange: "Bitmex"}})
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].IsFailed())
	assert.Contains(t, jobs[0].Error, "symbol is required")
	assert.Equal(t, 1, sum.Failed)
	assert.Zero(t, ing.calls.Load())
}

func TestRunJobTimeout(t *testing.T) {
	ing := newFakeIngester(time.Second)
	pool := NewPool(ing, config.CollectorConfig{JobTimeout: 10 * time.Millisecond}, WithLogger(quietLogger()))

	jobs, _ := pool.Run(context.Background(), []ingest.IngestRequest{{Exchange: "Bitmex", Symbol: "XBTUSD"}})
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].IsFailed())
	assert.Contains(t, jobs[0].Error, context.DeadlineExceeded.Error())
}

func TestRunCancelledContext(t *testing.T) {
	ing := newFakeIngester(time.Millisecond)
	pool := NewPool(ing, config.CollectorConfig{}, WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	jobs, sum := pool.Run(ctx, []ingest.IngestRequest{{Exchange: "Bitmex", Symbol: "XBTUSD"}})
	require.Len(t, jobs, 1)
	assert.Equal(t, models.StatusPending, jobs[0].Status)
	assert.Zero(t, sum.Completed+sum.Failed)
	assert.Zero(t, ing.calls.Load())
}

func TestParseTargets(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	reqs, err := ParseTargets([]string{"bitmex:XBTUSD", " kucoin : BTC-USDT "}, &start, nil)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, ingest.IngestRequest{Exchange: "bitmex", Symbol: "XBTUSD", Start: &start}, reqs[0])
	assert.Equal(t, "kucoin", reqs[1].Exchange)
	assert.Equal(t, "BTC-USDT", reqs[1].Symbol)

	for _, bad := range []string{"XBTUSD", "bitmex:", ":XBTUSD", ""} {
		_, err := ParseTargets([]string{bad}, nil, nil)
		var ve *models.ValidationError
		assert.True(t, errors.As(err, &ve), bad)
		assert.True(t, strings.Contains(err.Error(), "exchange:SYMBOL"), bad)
	}
}
