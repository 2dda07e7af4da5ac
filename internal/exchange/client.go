package exchange

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/johnayoung/go-ohlcv-ingestor/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/metrics"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/signer"
	"golang.org/x/time/rate"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxResponseBytes      = 32 << 20
	userAgent             = "go-ohlcv-ingestor/1.0"
)

// call describes one REST request.
type call struct {
	Op      string // short name used in errors, logs and metrics
	Method  string
	Path    string
	Query   url.Values
	Body    []byte
	Private bool // requires credentials
}

// Client is the HTTP plumbing shared by connectors: it waits on the
// per-connector limiter, signs, sends and turns non-2xx answers into typed errors.
type Client struct {
	exchange string
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
	signer   signer.Signer
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func newClient(exchange, baseURL string, opts Options, s signer.Signer, logger *slog.Logger) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	limiter := opts.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}

	return &Client{
		exchange: exchange,
		baseURL:  baseURL,
		http:     httpClient,
		limiter:  limiter,
		signer:   s,
		logger:   logger,
		metrics:  opts.Metrics,
	}
}

// do performs c and returns the raw 2xx body.
func (c *Client) do(ctx context.Context, cl call) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &apperrors.TransportError{Exchange: c.exchange, Op: cl.Op, Err: fmt.Errorf("rate limit wait: %w", err)}
	}

	sreq := signer.Request{Method: cl.Method, Path: cl.Path, Query: cl.Query, Body: cl.Body}
	target := sreq.Target()

	var body io.Reader
	if len(cl.Body) > 0 {
		body = bytes.NewReader(cl.Body)
	}
	req, err := http.NewRequestWithContext(ctx, cl.Method, c.baseURL+target, body)
	if err != nil {
		return nil, &apperrors.TransportError{Exchange: c.exchange, Op: cl.Op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if len(cl.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.signer != nil {
		headers, err := c.signer.Sign(sreq)
		switch {
		case err == nil:
			for k, v := range headers {
				req.Header[k] = v
			}
		case errors.Is(err, signer.ErrNoCredentials) && !cl.Private:
			// public endpoint, send unsigned
		default:
			return nil, fmt.Errorf("%s %s: %w", c.exchange, cl.Op, err)
		}
	} else if cl.Private {
		return nil, fmt.Errorf("%s %s: %w", c.exchange, cl.Op, signer.ErrNoCredentials)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveRequest(c.exchange, 0)
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		c.logger.Warn("exchange request failed",
			"operation", cl.Op,
			"error", err)
		return nil, &apperrors.TransportError{Exchange: c.exchange, Op: cl.Op, Err: err}
	}
	defer resp.Body.Close()
	c.metrics.ObserveRequest(c.exchange, resp.StatusCode)

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &apperrors.TransportError{Exchange: c.exchange, Op: cl.Op, Status: 0, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("exchange returned non-2xx",
			"operation", cl.Op,
			"status", resp.StatusCode,
			"body", truncateBody(payload))
		return nil, apperrors.NewHTTPError(c.exchange, cl.Op, resp.StatusCode, payload)
	}
	return payload, nil
}

func truncateBody(b []byte) string {
	const max = 256
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}

// bodyOf returns the response body carried by a transport error, if any.
func bodyOf(err error) string {
	var te *apperrors.TransportError
	if errors.As(err, &te) {
		return te.Body
	}
	return ""
}
