// Package errors defines the error taxonomy shared by the exchange connectors,
// the historical fetcher and the time-series store, together with the retry
// policy that decides which of those errors are worth another attempt.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/johnayoung/go-ohlcv-ingestor/internal/models"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	ErrorTypeTransport  ErrorType = "transport"      // Non-2xx response or network failure
	ErrorTypeAuth       ErrorType = "auth"           // Signature or credentials rejected (401/403)
	ErrorTypeOrder      ErrorType = "order_rejected" // Exchange refused an order request
	ErrorTypeValidation ErrorType = "validation"     // Caller input rejected before any request
	ErrorTypeIncomplete ErrorType = "incomplete"     // Pagination stopped before the end bound
	ErrorTypeCanceled   ErrorType = "canceled"       // Context canceled or deadline exceeded
	ErrorTypeUnknown    ErrorType = "unknown"        // Unclassified errors
)

var (
	// ErrUnknownSymbol is returned when a symbol is not in the connector's
	// instrument set, or the set could not be loaded.
	ErrUnknownSymbol = errors.New("unknown symbol")

	// ErrIncompleteFetch is returned when pagination ended in the FAILED state.
	// The accumulated candles are still returned alongside it.
	ErrIncompleteFetch = errors.New("incomplete fetch")

	// ErrUntrackedOrder is returned when cancelling an id the session never registered.
	ErrUntrackedOrder = errors.New("order is not tracked by this session")

	// ErrInvalidRange is returned for a range the store cannot serve.
	ErrInvalidRange = errors.New("invalid range")

	// ErrDiscontinuous is returned when fetched candles neither touch nor
	// overlap the stored series.
	ErrDiscontinuous = errors.New("fetched candles are not contiguous with stored series")
)

// TransportError reports a request that did not produce a 2xx response.
// Status is 0 when no response was received at all.
type TransportError struct {
	Exchange string
	Op       string
	Status   int
	Body     string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s %s: transport failure: %v", e.Exchange, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Exchange, e.Op, e.Status, truncate(e.Body, 512))
}

// Unwrap returns the underlying error
func (e *TransportError) Unwrap() error { return e.Err }

// AuthError is a TransportError whose status says the exchange rejected the
// signature or credentials. It is never retried.
type AuthError struct {
	*TransportError
}

func (e *AuthError) Error() string {
	return "authentication rejected: " + e.TransportError.Error()
}

// Unwrap exposes the transport error so callers matching on TransportError still see it.
func (e *AuthError) Unwrap() error { return e.TransportError }

// OrderRejected reports a non-2xx answer to an order placement.
type OrderRejected struct {
	Exchange string
	Symbol   string
	Status   int
	Body     string
	Err      error
}

func (e *OrderRejected) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s order for %s rejected: %v", e.Exchange, e.Symbol, e.Err)
	}
	return fmt.Sprintf("%s order for %s rejected: HTTP %d: %s", e.Exchange, e.Symbol, e.Status, truncate(e.Body, 512))
}

// Unwrap returns the underlying error
func (e *OrderRejected) Unwrap() error { return e.Err }

// NewHTTPError builds the error for a non-2xx response: AuthError for 401/403,
// TransportError otherwise.
func NewHTTPError(exchange, op string, status int, body []byte) error {
	te := &TransportError{Exchange: exchange, Op: op, Status: status, Body: string(body)}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &AuthError{TransportError: te}
	}
	return te
}

// UnknownSymbol wraps ErrUnknownSymbol with the offending exchange and symbol.
func UnknownSymbol(exchange, symbol string) error {
	return fmt.Errorf("%w: %q on %s", ErrUnknownSymbol, symbol, exchange)
}

// Classify maps an error onto the taxonomy. Order matters: an incomplete fetch
// usually wraps a transport error, and an auth error wraps one too.
func Classify(err error) ErrorType {
	if err == nil {
		return ""
	}

	var (
		authErr      *AuthError
		orderErr     *OrderRejected
		transportErr *TransportError
		validation   *models.ValidationError
	)

	switch {
	case errors.Is(err, ErrIncompleteFetch):
		return ErrorTypeIncomplete
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeCanceled
	case errors.As(err, &authErr):
		return ErrorTypeAuth
	case errors.As(err, &orderErr):
		return ErrorTypeOrder
	case errors.As(err, &transportErr):
		return ErrorTypeTransport
	case errors.Is(err, ErrUnknownSymbol),
		errors.Is(err, ErrInvalidRange),
		errors.Is(err, ErrUntrackedOrder),
		errors.Is(err, ErrDiscontinuous),
		errors.As(err, &validation):
		return ErrorTypeValidation
	default:
		return ErrorTypeUnknown
	}
}

// IsRetryable reports whether another attempt could succeed: only transport
// failures without a response, 429 and 5xx qualify.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return false
	}

	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	return te.Status == 0 || te.Status == http.StatusTooManyRequests || te.Status >= 500
}

// StatusCode extracts the HTTP status carried by a transport or order error, or 0.
func StatusCode(err error) int {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Status
	}
	var oe *OrderRejected
	if errors.As(err, &oe) {
		return oe.Status
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
