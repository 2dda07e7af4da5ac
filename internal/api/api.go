// Package api serves the time-series store over HTTP with gin.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/johnayoung/go-ohlcv-ingestor/internal/config"
	apperrors "github.com/johnayoung/go-ohlcv-ingestor/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/ingest"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/metrics"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/models"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/storage"
)

const (
	RequestIDHeaderKey  = "X-Request-ID"
	RequestIDContextKey = "request_id"

	shutdownTimeout = 10 * time.Second
)

// SeriesStore is the store surface the handlers need.
type SeriesStore interface {
	Ingest(ctx context.Context, req ingest.IngestRequest) (*ingest.IngestResult, error)
	GetSeriesAs(ctx context.Context, exchange, symbol string, tf models.Timeframe) (models.Series, error)
	Source(name string) (ingest.Source, error)
	Timeframe() models.Timeframe
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
}

// Server owns the gin engine and the listening http.Server.
type Server struct {
	cfg     config.HTTPConfig
	store   SeriesStore
	health  storage.HealthChecker
	metrics *metrics.Metrics
	logger  *slog.Logger
	engine  *gin.Engine
}

// NewServer builds the router. health and m may be nil; /metrics is only
// mounted when metrics are given.
func NewServer(cfg config.HTTPConfig, store SeriesStore, health storage.HealthChecker, m *metrics.Metrics, metricsPath string, logger *slog.Logger) *Server {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		store:   store,
		health:  health,
		metrics: m,
		logger:  logger.With("component", "api"),
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestIDMiddleware(), s.loggerMiddleware())

	r.GET("/healthz", s.Health)
	r.HEAD("/healthz", s.Health)
	if m != nil {
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		r.GET(metricsPath, gin.WrapH(m.Handler()))
	}

	v1 := r.Group("/v1")
	{
		v1.GET("/series/:exchange/:symbol", s.GetSeries)
		v1.POST("/ingest", s.PostIngest)
		v1.GET("/instruments/:exchange", s.GetInstruments)
	}

	s.engine = r
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run listens on cfg.Addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

// statusFor maps store errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrSeriesNotFound), errors.Is(err, ingest.ErrUnknownExchange):
		return http.StatusNotFound
	}
	switch apperrors.Classify(err) {
	case apperrors.ErrorTypeValidation:
		return http.StatusBadRequest
	case apperrors.ErrorTypeTransport, apperrors.ErrorTypeIncomplete, apperrors.ErrorTypeAuth, apperrors.ErrorTypeOrder:
		return http.StatusBadGateway
	case apperrors.ErrorTypeCanceled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"path", c.FullPath(),
			"request_id", c.GetString(RequestIDContextKey),
			"error", err)
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Type: string(apperrors.Classify(err))})
}
