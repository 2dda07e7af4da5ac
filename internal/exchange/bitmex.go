package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	apperrors "github.com/johnayoung/go-ohlcv-ingestor/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/models"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/signer"
	"github.com/shopspring/decimal"
)

const (
	bitmexName       = "Bitmex"
	bitmexLiveURL    = "https://www.bitmex.com"
	bitmexTestnetURL = "https://testnet.bitmex.com"

	bitmexInstrumentEndpoint = "/api/v1/instrument"
	bitmexOrderEndpoint      = "/api/v1/order"
	bitmexOrderAllEndpoint   = "/api/v1/order/all"
	bitmexBucketedEndpoint   = "/api/v1/trade/bucketed"

	bitmexPageSize     = 1000
	bitmexDefaultTIF   = "GoodTillCancel"
	bitmexTimeLayout   = "2006-01-02T15:04:05.000Z"
	bitmexInstrumentsN = 500
)

var bitmexBinSizes = map[models.Timeframe]string{
	models.Timeframe1m: "1m",
	models.Timeframe5m: "5m",
	models.Timeframe1h: "1h",
	models.Timeframe1d: "1d",
}

// BitmexConnector implements Connector for BitMEX. Its bucketed trade endpoint
// is scanned forward: the newest candle of a page anchors the next request.
type BitmexConnector struct {
	*base
}

// bitmexInstrument is the subset of /instrument we read.
type bitmexInstrument struct {
	Symbol string `json:"symbol"`
}

type bitmexBucket struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

type bitmexOrder struct {
	OrderID   string           `json:"orderID"`
	Account   json.Number      `json:"account"`
	Symbol    string           `json:"symbol"`
	Side      string           `json:"side"`
	OrderQty  decimal.Decimal  `json:"orderQty"`
	Price     *decimal.Decimal `json:"price"`
	OrdType   string           `json:"ordType"`
	OrdStatus string           `json:"ordStatus"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewBitmexConnector builds the connector and loads the instrument set.
func NewBitmexConnector(ctx context.Context, opts Options) *BitmexConnector {
	b, baseURL := newBase(bitmexName, bitmexLiveURL, bitmexTestnetURL, opts)
	s := signer.NewHMACSigner(opts.Credentials.Key, opts.Credentials.Secret, signer.WithClock(b.now))
	b.client = newClient(bitmexName, baseURL, opts, s, b.logger)

	c := &BitmexConnector{base: b}
	b.loadInstruments(ctx, c.ListInstruments)
	return c
}

// CursorPolicy implements Connector.
func (c *BitmexConnector) CursorPolicy() CursorPolicy { return CursorPolicy{Direction: ScanForward} }

// PageSize implements Connector.
func (c *BitmexConnector) PageSize() int { return bitmexPageSize }

// ListInstruments implements Connector.
func (c *BitmexConnector) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	q := url.Values{}
	q.Set("count", strconv.Itoa(bitmexInstrumentsN))
	body, err := c.client.do(ctx, call{
		Op:     "list_instruments",
		Method: http.MethodGet,
		Path:   bitmexInstrumentEndpoint,
		Query:  q,
	})
	if err != nil {
		return nil, err
	}

	var raw []bitmexInstrument
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &apperrors.TransportError{Exchange: bitmexName, Op: "list_instruments", Status: http.StatusOK, Body: string(body), Err: fmt.Errorf("decode instruments: %w", err)}
	}
	symbols := make([]string, 0, len(raw))
	for _, inst := range raw {
		symbols = append(symbols, inst.Symbol)
	}
	return models.NormalizeInstruments(bitmexName, symbols), nil
}

// PlaceOrder implements Connector. Parameters travel in the signed query string.
func (c *BitmexConnector) PlaceOrder(ctx context.Context, req OrderRequest) (*models.OrderStatus, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	symbol := models.NormalizeSymbol(req.Symbol)

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("side", bitmexSide(req.Side))
	q.Set("orderQty", req.Contracts.String())
	if req.Type == models.OrderTypeLimit {
		q.Set("ordType", "Limit")
		q.Set("price", req.Price.String())
		tif := req.TimeInForce
		if tif == "" {
			tif = bitmexDefaultTIF
		}
		q.Set("timeInForce", tif)
	} else {
		q.Set("ordType", "Market")
	}

	body, err := c.client.do(ctx, call{
		Op:      "place_order",
		Method:  http.MethodPost,
		Path:    bitmexOrderEndpoint,
		Query:   q,
		Private: true,
	})
	if err != nil {
		return nil, &apperrors.OrderRejected{Exchange: bitmexName, Symbol: symbol, Status: apperrors.StatusCode(err), Body: bodyOf(err), Err: err}
	}

	var raw bitmexOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &apperrors.OrderRejected{Exchange: bitmexName, Symbol: symbol, Status: http.StatusOK, Body: string(body), Err: fmt.Errorf("decode order: %w", err)}
	}
	status := raw.toModel()
	c.session.TrackOrder(status)

	c.logger.Info("order placed",
		"order_id", status.ID,
		"symbol", status.Symbol,
		"side", status.Side,
		"type", status.Type,
		"contracts", status.Contracts.String())
	return &status, nil
}

// CancelOrder implements Connector.
func (c *BitmexConnector) CancelOrder(ctx context.Context, orderID string) (*Ack, error) {
	cl := call{Op: "cancel_order", Method: http.MethodDelete, Private: true}
	if orderID == "" {
		cl.Op = "cancel_all_orders"
		cl.Path = bitmexOrderAllEndpoint
	} else {
		if err := c.session.requireTracked(orderID); err != nil {
			return nil, err
		}
		cl.Path = bitmexOrderEndpoint
		cl.Query = url.Values{"orderID": {orderID}}
	}

	body, err := c.client.do(ctx, cl)
	if err != nil {
		return nil, err
	}

	var raw []bitmexOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &apperrors.TransportError{Exchange: bitmexName, Op: cl.Op, Status: http.StatusOK, Body: string(body), Err: fmt.Errorf("decode cancel response: %w", err)}
	}

	ack := &Ack{Exchange: bitmexName, Cancelled: make([]string, 0, len(raw))}
	for _, o := range raw {
		ack.Cancelled = append(ack.Cancelled, o.OrderID)
	}
	if orderID == "" {
		c.session.ForgetAllOrders()
	} else {
		c.session.ForgetOrder(orderID)
	}
	return ack, nil
}

// OpenOrders implements Connector.
func (c *BitmexConnector) OpenOrders(ctx context.Context) ([]models.OrderStatus, error) {
	body, err := c.client.do(ctx, call{
		Op:      "open_orders",
		Method:  http.MethodGet,
		Path:    bitmexOrderEndpoint,
		Query:   url.Values{"filter": {`{"open":true}`}},
		Private: true,
	})
	if err != nil {
		return nil, err
	}

	var raw []bitmexOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &apperrors.TransportError{Exchange: bitmexName, Op: "open_orders", Status: http.StatusOK, Body: string(body), Err: fmt.Errorf("decode orders: %w", err)}
	}
	out := make([]models.OrderStatus, 0, len(raw))
	for _, o := range raw {
		out = append(out, o.toModel())
	}
	c.session.refreshTracked(out)
	return out, nil
}

// FetchCandlePage implements Connector.
func (c *BitmexConnector) FetchCandlePage(ctx context.Context, req PageRequest) ([]models.Candle, error) {
	binSize, ok := bitmexBinSizes[req.Timeframe]
	if !ok {
		return nil, &models.ValidationError{Field: "timeframe", Message: fmt.Sprintf("bitmex does not serve %q", req.Timeframe)}
	}

	q := url.Values{}
	q.Set("binSize", binSize)
	q.Set("symbol", models.NormalizeSymbol(req.Symbol))
	q.Set("count", strconv.Itoa(bitmexPageSize))
	q.Set("startTime", req.Start.UTC().Format(bitmexTimeLayout))
	if !req.End.IsZero() {
		q.Set("endTime", req.End.UTC().Format(bitmexTimeLayout))
	}

	body, err := c.client.do(ctx, call{
		Op:     "fetch_candles",
		Method: http.MethodGet,
		Path:   bitmexBucketedEndpoint,
		Query:  q,
	})
	if err != nil {
		return nil, err
	}

	var raw []bitmexBucket
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &apperrors.TransportError{Exchange: bitmexName, Op: "fetch_candles", Status: http.StatusOK, Body: string(body), Err: fmt.Errorf("decode candles: %w", err)}
	}

	page := make(models.Series, 0, len(raw))
	for _, b := range raw {
		page = append(page, models.Candle{
			Timestamp: b.Timestamp.UTC(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}
	page.Sort()
	return page, nil
}

func (o bitmexOrder) toModel() models.OrderStatus {
	side := models.OrderSideBuy
	if o.Side == "Sell" {
		side = models.OrderSideSell
	}
	typ := models.OrderTypeMarket
	if o.OrdType == "Limit" {
		typ = models.OrderTypeLimit
	}
	return models.OrderStatus{
		ID:        o.OrderID,
		Symbol:    o.Symbol,
		Price:     o.Price,
		Type:      typ,
		Side:      side,
		Contracts: o.OrderQty,
		Status:    o.OrdStatus,
		Account:   o.Account.String(),
		Timestamp: o.Timestamp.UTC(),
	}
}

func bitmexSide(s models.OrderSide) string {
	if s == models.OrderSideSell {
		return "Sell"
	}
	return "Buy"
}
