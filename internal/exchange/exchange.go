// Package exchange contains the authenticated REST connectors for the
// supported exchanges and the session state they own.
//
// Every connector satisfies Connector. The only behavior that legitimately
// differs between exchanges at the pagination level (which end of a page
// anchors the next request) is exposed as an explicit CursorPolicy instead of
// being hidden inside the fetch loop.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/johnayoung/go-ohlcv-ingestor/internal/config"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/metrics"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/models"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Connector is authenticated access to one exchange.
//
// Implementations own a Session: the instrument set is loaded once, at
// construction, and orders placed through the connector are tracked in the
// session registry until cancelled.
type Connector interface {
	// Name returns the exchange name used in file names and logs ("Bitmex", "Kucoin").
	Name() string

	// Session exposes the connector's session state.
	Session() *Session

	// ListInstruments performs one GET for the exchange's symbols and returns
	// them upper-cased, de-duplicated and sorted. A non-2xx response fails with
	// a TransportError; callers must treat that as "unknown", not "empty market".
	ListInstruments(ctx context.Context) ([]models.Instrument, error)

	// PlaceOrder submits an order. Non-2xx responses fail with OrderRejected.
	// On success the order is registered in the session.
	PlaceOrder(ctx context.Context, req OrderRequest) (*models.OrderStatus, error)

	// CancelOrder cancels one tracked order, or every open order when orderID
	// is empty. Cancelling an id the session never placed fails with
	// ErrUntrackedOrder without contacting the exchange.
	CancelOrder(ctx context.Context, orderID string) (*Ack, error)

	// OpenOrders lists open orders and refreshes the status of tracked ones.
	OpenOrders(ctx context.Context) ([]models.OrderStatus, error)

	// FetchCandlePage returns one page of candles inside [Start, End], in
	// ascending time order, holding at most PageSize entries.
	FetchCandlePage(ctx context.Context, req PageRequest) ([]models.Candle, error)

	// CursorPolicy tells the fetcher how to move its cursor between pages.
	CursorPolicy() CursorPolicy

	// PageSize is the most candles one page request can return.
	PageSize() int
}

// PageRequest asks for one page of candles.
type PageRequest struct {
	Symbol    string
	Timeframe models.Timeframe
	Start     time.Time
	End       time.Time
}

// OrderRequest describes an order in exchange-neutral vocabulary.
type OrderRequest struct {
	Symbol      string
	Side        models.OrderSide
	Type        models.OrderType
	Contracts   decimal.Decimal
	Price       *decimal.Decimal // required for LIMIT
	TimeInForce string           // exchange default when empty
}

// Validate checks the request before any exchange-specific translation.
func (r OrderRequest) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return &models.ValidationError{Field: "symbol", Message: "symbol is required"}
	}
	if r.Side != models.OrderSideBuy && r.Side != models.OrderSideSell {
		return &models.ValidationError{Field: "side", Message: fmt.Sprintf("unsupported side %q", r.Side)}
	}
	if !r.Contracts.IsPositive() {
		return &models.ValidationError{Field: "contracts", Message: "contracts must be positive"}
	}
	switch r.Type {
	case models.OrderTypeMarket:
	case models.OrderTypeLimit:
		if r.Price == nil || !r.Price.IsPositive() {
			return &models.ValidationError{Field: "price", Message: "limit orders need a positive price"}
		}
	default:
		return &models.ValidationError{Field: "order_type", Message: fmt.Sprintf("unsupported order type %q", r.Type)}
	}
	return nil
}

// Ack acknowledges a cancellation.
type Ack struct {
	Exchange  string   `json:"exchange"`
	Cancelled []string `json:"cancelled"`
}

// ScanDirection is the order in which a fetch walks the requested range.
type ScanDirection int

const (
	// ScanForward starts at the start bound; each page anchors the next at its newest candle.
	ScanForward ScanDirection = iota
	// ScanBackward starts at the end bound; each page anchors the next at its oldest candle.
	ScanBackward
)

func (d ScanDirection) String() string {
	if d == ScanBackward {
		return "backward"
	}
	return "forward"
}

// CursorPolicy is the per-exchange cursor extraction strategy.
type CursorPolicy struct {
	Direction ScanDirection
}

// Anchor returns the candle of an ascending page that the next cursor derives from.
func (p CursorPolicy) Anchor(page []models.Candle) (models.Candle, bool) {
	if len(page) == 0 {
		return models.Candle{}, false
	}
	if p.Direction == ScanBackward {
		return page[0], true
	}
	return page[len(page)-1], true
}

// Next returns the cursor following page: one interval past the newest candle
// when scanning forward, one interval before the oldest when scanning backward.
func (p CursorPolicy) Next(page []models.Candle, tf models.Timeframe) (time.Time, bool) {
	anchor, ok := p.Anchor(page)
	if !ok {
		return time.Time{}, false
	}
	if p.Direction == ScanBackward {
		return anchor.Timestamp.Add(-tf.Duration()), true
	}
	return anchor.Timestamp.Add(tf.Duration()), true
}

// Window returns the page bounds for the current cursor inside [start, end].
func (p CursorPolicy) Window(cursor, start, end time.Time) (time.Time, time.Time) {
	if p.Direction == ScanBackward {
		return start, cursor
	}
	return cursor, end
}

// Options configures a connector.
type Options struct {
	BaseURL     string // overrides the live/testnet default
	Testnet     bool
	Credentials Credentials
	HTTPClient  *http.Client
	Timeout     time.Duration
	Limiter     *rate.Limiter
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Clock       func() time.Time
}

// OptionsFromConfig maps an exchange config block onto Options.
func OptionsFromConfig(cfg config.ExchangeConfig, logger *slog.Logger, m *metrics.Metrics) Options {
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return Options{
		BaseURL: cfg.BaseURL,
		Testnet: cfg.Testnet,
		Credentials: Credentials{
			Key:        cfg.APIKey,
			Secret:     cfg.APISecret,
			Passphrase: cfg.Passphrase,
		},
		Timeout: cfg.Timeout,
		Limiter: limiter,
		Logger:  logger,
		Metrics: m,
	}
}

// New builds the connector for a named exchange ("bitmex" or "kucoin", any case).
func New(ctx context.Context, name string, opts Options) (Connector, error) {
	switch strings.ToLower(name) {
	case "bitmex":
		return NewBitmexConnector(ctx, opts), nil
	case "kucoin":
		return NewKucoinConnector(ctx, opts), nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", name)
	}
}

// base carries what every connector shares.
type base struct {
	session *Session
	client  *Client
	logger  *slog.Logger
	now     func() time.Time
}

func (b *base) Name() string      { return b.session.Name }
func (b *base) Session() *Session { return b.session }

// loadInstruments fills the session at construction. Failure is logged and
// leaves the set unloaded, so every symbol is later reported unknown.
func (b *base) loadInstruments(ctx context.Context, list func(context.Context) ([]models.Instrument, error)) {
	instruments, err := list(ctx)
	if err != nil {
		b.logger.Error("failed to load instruments; symbol validation will reject all symbols",
			"exchange", b.session.Name,
			"error", err)
		return
	}
	b.session.SetInstruments(instruments)
	b.logger.Info("instruments loaded",
		"exchange", b.session.Name,
		"count", len(instruments))
}

func newBase(name, liveURL, testnetURL string, opts Options) (*base, string) {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = liveURL
		if opts.Testnet {
			baseURL = testnetURL
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &base{
		session: NewSession(name, baseURL, opts.Credentials, opts.Testnet),
		logger:  logger.With("component", "exchange", "exchange", name),
		now:     now,
	}, baseURL
}
