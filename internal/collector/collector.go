// Package collector runs many (exchange, symbol) ingests concurrently.
//
// Jobs are independent: one failing never cancels the others. A global limit
// bounds the number of ingests in flight and a per-exchange limit keeps the
// load on any single exchange low.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/johnayoung/go-ohlcv-ingestor/internal/config"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/ingest"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/logger"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/metrics"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/models"
)

// Ingester is the part of the time-series store the pool drives.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.IngestRequest) (*ingest.IngestResult, error)
}

// Summary counts the outcome of one Run.
type Summary struct {
	Jobs      int           `json:"jobs"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Added     int           `json:"added"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Pool runs ingest jobs with bounded concurrency.
type Pool struct {
	ingester    Ingester
	maxInFlight int
	perExchange int
	jobTimeout  time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
	newID       func() string

	mu     sync.Mutex
	limits map[string]*semaphore.Weighted
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.logger = l } }

// WithMetrics tracks jobs in flight.
func WithMetrics(m *metrics.Metrics) Option { return func(p *Pool) { p.metrics = m } }

// WithIDGenerator replaces the uuid job id source.
func WithIDGenerator(fn func() string) Option { return func(p *Pool) { p.newID = fn } }

// NewPool returns a pool sized by cfg. Non-positive limits fall back to one.
func NewPool(ingester Ingester, cfg config.CollectorConfig, opts ...Option) *Pool {
	p := &Pool{
		ingester:    ingester,
		maxInFlight: max(cfg.MaxConcurrency, 1),
		perExchange: max(cfg.PerExchangeLimit, 1),
		jobTimeout:  cfg.JobTimeout,
		logger:      slog.Default(),
		newID:       uuid.NewString,
		limits:      make(map[string]*semaphore.Weighted),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "collector")
	return p
}

// Run executes one job per request and returns them in request order along
// with a summary. Run only returns early, with the jobs that never started
// still pending, when ctx is cancelled.
func (p *Pool) Run(ctx context.Context, reqs []ingest.IngestRequest) ([]*models.Job, Summary) {
	began := time.Now()
	jobs := make([]*models.Job, len(reqs))
	for i, req := range reqs {
		jobs[i] = models.NewJob(p.newID(), req.Exchange, req.Symbol, req.Start, req.End)
	}

	var g errgroup.Group
	g.SetLimit(p.maxInFlight)
	for i := range reqs {
		req, job := reqs[i], jobs[i]
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			p.runJob(ctx, req, job)
			return nil
		})
	}
	_ = g.Wait()

	sum := Summary{Jobs: len(jobs), Elapsed: time.Since(began)}
	for _, job := range jobs {
		switch job.Status {
		case models.StatusCompleted:
			sum.Completed++
			sum.Added += job.Added
		case models.StatusFailed:
			sum.Failed++
		}
	}
	p.logger.Info("collection finished",
		"jobs", sum.Jobs,
		"completed", sum.Completed,
		"failed", sum.Failed,
		"added", sum.Added,
		"elapsed", sum.Elapsed.String())
	return jobs, sum
}

func (p *Pool) runJob(ctx context.Context, req ingest.IngestRequest, job *models.Job) {
	ctx = logger.WithJobID(ctx, job.ID)
	log := logger.FromContext(ctx, p.logger).With("exchange", job.Exchange, "symbol", job.Symbol)

	if err := job.Validate(); err != nil {
		_ = job.Begin()
		_ = job.Fail(err.Error())
		log.Warn("job rejected", "error", err)
		return
	}

	sem := p.limitFor(req.Exchange)
	if err := sem.Acquire(ctx, 1); err != nil {
		_ = job.Begin()
		_ = job.Fail(err.Error())
		return
	}
	defer sem.Release(1)

	if p.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.jobTimeout)
		defer cancel()
	}

	_ = job.Begin()
	p.metrics.JobStarted()
	defer p.metrics.JobFinished()

	res, err := p.ingester.Ingest(ctx, req)
	if err != nil {
		_ = job.Fail(err.Error())
		log.Error("job failed", "error", err, "duration", job.Duration().String())
		return
	}
	_ = job.Complete(string(res.Mode), res.Added, res.Total)
	log.Info("job completed",
		"mode", res.Mode,
		"added", res.Added,
		"total", res.Total,
		"duration", job.Duration().String())
}

func (p *Pool) limitFor(exchange string) *semaphore.Weighted {
	name := strings.ToLower(strings.TrimSpace(exchange))
	p.mu.Lock()
	defer p.mu.Unlock()
	sem, ok := p.limits[name]
	if !ok {
		sem = semaphore.NewWeighted(int64(p.perExchange))
		p.limits[name] = sem
	}
	return sem
}

// ParseTargets turns "exchange:SYMBOL" entries into ingest requests sharing
// the given bounds.
func ParseTargets(targets []string, start, end *time.Time) ([]ingest.IngestRequest, error) {
	reqs := make([]ingest.IngestRequest, 0, len(targets))
	for _, t := range targets {
		exchange, symbol, ok := strings.Cut(strings.TrimSpace(t), ":")
		exchange, symbol = strings.TrimSpace(exchange), strings.TrimSpace(symbol)
		if !ok || exchange == "" || symbol == "" {
			return nil, &models.ValidationError{Field: "target", Message: fmt.Sprintf("%q is not in exchange:SYMBOL form", t)}
		}
		reqs = append(reqs, ingest.IngestRequest{Exchange: exchange, Symbol: symbol, Start: start, End: end})
	}
	return reqs, nil
}
