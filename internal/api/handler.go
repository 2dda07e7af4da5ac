package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/johnayoung/go-ohlcv-ingestor/internal/ingest"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/models"
)

// SeriesResponse is the body of GET /v1/series.
type SeriesResponse struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Count     int             `json:"count"`
	Candles   []models.Candle `json:"candles"`
}

// IngestBody is the body of POST /v1/ingest. Bounds are RFC 3339.
type IngestBody struct {
	Exchange  string     `json:"exchange" binding:"required"`
	Symbol    string     `json:"symbol" binding:"required"`
	Timeframe string     `json:"timeframe"`
	Start     *time.Time `json:"start"`
	End       *time.Time `json:"end"`
}

// InstrumentsResponse is the body of GET /v1/instruments.
type InstrumentsResponse struct {
	Exchange    string              `json:"exchange"`
	Instruments []models.Instrument `json:"instruments"`
}

// GetSeries returns the stored series, optionally resampled.
//
// GET /v1/series/:exchange/:symbol?timeframe=5m
func (s *Server) GetSeries(c *gin.Context) {
	tf := s.store.Timeframe()
	if raw := c.Query("timeframe"); raw != "" {
		parsed, err := models.ParseTimeframe(raw)
		if err != nil {
			s.fail(c, err)
			return
		}
		tf = parsed
	}

	series, err := s.store.GetSeriesAs(c.Request.Context(), c.Param("exchange"), c.Param("symbol"), tf)
	if err != nil {
		s.fail(c, err)
		return
	}
	if series == nil {
		series = models.Series{}
	}
	c.JSON(http.StatusOK, SeriesResponse{
		Exchange:  c.Param("exchange"),
		Symbol:    models.NormalizeSymbol(c.Param("symbol")),
		Timeframe: tf.String(),
		Count:     len(series),
		Candles:   series,
	})
}

// PostIngest runs one ingest synchronously and returns its result.
//
// POST /v1/ingest
func (s *Server) PostIngest(c *gin.Context) {
	var body IngestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Type: "validation"})
		return
	}

	req := ingest.IngestRequest{
		Exchange: body.Exchange,
		Symbol:   body.Symbol,
		Start:    body.Start,
		End:      body.End,
	}
	if body.Timeframe != "" {
		tf, err := models.ParseTimeframe(body.Timeframe)
		if err != nil {
			s.fail(c, err)
			return
		}
		req.Timeframe = tf
	}

	res, err := s.store.Ingest(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetInstruments lists the cached instrument set of an exchange.
//
// GET /v1/instruments/:exchange
func (s *Server) GetInstruments(c *gin.Context) {
	src, err := s.store.Source(c.Param("exchange"))
	if err != nil {
		s.fail(c, err)
		return
	}
	session := src.Session()
	if !session.InstrumentsLoaded() {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "instrument list is not available for " + src.Name()})
		return
	}
	c.JSON(http.StatusOK, InstrumentsResponse{Exchange: src.Name(), Instruments: session.Instruments()})
}

// Health reports whether the storage backend answers.
func (s *Server) Health(c *gin.Context) {
	c.Header("Cache-Control", "no-store")

	status, body := http.StatusOK, gin.H{"status": "ok"}
	if s.health != nil {
		if err := s.health.HealthCheck(c.Request.Context()); err != nil {
			status, body = http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()}
		}
	}
	if c.Request.Method == http.MethodHead {
		c.Status(status)
		return
	}
	c.JSON(status, body)
}
