package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/johnayoung/go-ohlcv-ingestor/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/models"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/signer"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	kucoinName       = "Kucoin"
	kucoinLiveURL    = "https://api.kucoin.com"
	kucoinSandboxURL = "https://openapi-sandbox.kucoin.com"

	kucoinSymbolsEndpoint = "/api/v1/symbols"
	kucoinOrdersEndpoint  = "/api/v1/orders"
	kucoinCandlesEndpoint = "/api/v1/market/candles"

	kucoinPageSize   = 1500
	kucoinMarket     = "USDS"
	kucoinDefaultTIF = "GTC"
	kucoinCodeOK     = "200000"

	// kucoinCooldown spaces requests when no limiter is configured.
	kucoinCooldown = 2 * time.Second
)

var kucoinCandleTypes = map[models.Timeframe]string{
	models.Timeframe1m: "1min",
	models.Timeframe5m: "5min",
	models.Timeframe1h: "1hour",
	models.Timeframe1d: "1day",
}

// KucoinConnector implements Connector for KuCoin. The candle endpoint returns
// the newest rows first, so the range is scanned backward from the end bound.
type KucoinConnector struct {
	*base
	newClientOid func() string
}

// NewKucoinConnector builds the connector and loads the instrument set.
// Without opts.Limiter, requests are spaced by kucoinCooldown.
func NewKucoinConnector(ctx context.Context, opts Options) *KucoinConnector {
	if opts.Limiter == nil {
		opts.Limiter = rate.NewLimiter(rate.Every(kucoinCooldown), 1)
	}
	b, baseURL := newBase(kucoinName, kucoinLiveURL, kucoinSandboxURL, opts)
	s := signer.NewKucoinSigner(opts.Credentials.Key, opts.Credentials.Secret, opts.Credentials.Passphrase, signer.WithClock(b.now))
	b.client = newClient(kucoinName, baseURL, opts, s, b.logger)

	c := &KucoinConnector{base: b, newClientOid: uuid.NewString}
	b.loadInstruments(ctx, c.ListInstruments)
	return c
}

// CursorPolicy implements Connector.
func (c *KucoinConnector) CursorPolicy() CursorPolicy { return CursorPolicy{Direction: ScanBackward} }

// PageSize implements Connector.
func (c *KucoinConnector) PageSize() int { return kucoinPageSize }

// envelope checks KuCoin's {"code": "...", "data": ...} wrapper and returns data.
func (c *KucoinConnector) envelope(op string, body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, &apperrors.TransportError{Exchange: kucoinName, Op: op, Status: http.StatusOK, Body: string(body), Err: fmt.Errorf("invalid JSON response")}
	}
	res := gjson.ParseBytes(body)
	if code := res.Get("code").String(); code != kucoinCodeOK {
		return gjson.Result{}, &apperrors.TransportError{
			Exchange: kucoinName,
			Op:       op,
			Status:   http.StatusOK,
			Body:     string(body),
			Err:      fmt.Errorf("api code %s: %s", code, res.Get("msg").String()),
		}
	}
	return res.Get("data"), nil
}

// ListInstruments implements Connector.
func (c *KucoinConnector) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	body, err := c.client.do(ctx, call{
		Op:     "list_instruments",
		Method: http.MethodGet,
		Path:   kucoinSymbolsEndpoint,
		Query:  url.Values{"market": {kucoinMarket}},
	})
	if err != nil {
		return nil, err
	}
	data, err := c.envelope("list_instruments", body)
	if err != nil {
		return nil, err
	}

	var symbols []string
	data.ForEach(func(_, v gjson.Result) bool {
		symbols = append(symbols, v.Get("symbol").String())
		return true
	})
	return models.NormalizeInstruments(kucoinName, symbols), nil
}

type kucoinOrderBody struct {
	ClientOid   string `json:"clientOid"`
	Side        string `json:"side"`
	Symbol      string `json:"symbol"`
	Type        string `json:"type"`
	Size        string `json:"size"`
	Price       string `json:"price,omitempty"`
	TimeInForce string `json:"timeInForce,omitempty"`
}

// PlaceOrder implements Connector.
func (c *KucoinConnector) PlaceOrder(ctx context.Context, req OrderRequest) (*models.OrderStatus, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	symbol := models.NormalizeSymbol(req.Symbol)

	ob := kucoinOrderBody{
		ClientOid: c.newClientOid(),
		Side:      "buy",
		Symbol:    symbol,
		Type:      "market",
		Size:      req.Contracts.String(),
	}
	if req.Side == models.OrderSideSell {
		ob.Side = "sell"
	}
	if req.Type == models.OrderTypeLimit {
		ob.Type = "limit"
		ob.Price = req.Price.String()
		ob.TimeInForce = req.TimeInForce
		if ob.TimeInForce == "" {
			ob.TimeInForce = kucoinDefaultTIF
		}
	}
	payload, err := json.Marshal(ob)
	if err != nil {
		return nil, fmt.Errorf("encode order: %w", err)
	}

	body, err := c.client.do(ctx, call{
		Op:      "place_order",
		Method:  http.MethodPost,
		Path:    kucoinOrdersEndpoint,
		Body:    payload,
		Private: true,
	})
	if err != nil {
		return nil, &apperrors.OrderRejected{Exchange: kucoinName, Symbol: symbol, Status: apperrors.StatusCode(err), Body: bodyOf(err), Err: err}
	}
	data, err := c.envelope("place_order", body)
	if err != nil {
		return nil, &apperrors.OrderRejected{Exchange: kucoinName, Symbol: symbol, Status: http.StatusOK, Body: string(body), Err: err}
	}

	status := models.OrderStatus{
		ID:        data.Get("orderId").String(),
		Symbol:    symbol,
		Price:     req.Price,
		Type:      req.Type,
		Side:      req.Side,
		Contracts: req.Contracts,
		Status:    "new",
		Timestamp: c.now().UTC(),
	}
	c.session.TrackOrder(status)

	c.logger.Info("order placed",
		"order_id", status.ID,
		"client_oid", ob.ClientOid,
		"symbol", status.Symbol,
		"side", status.Side,
		"type", status.Type,
		"contracts", status.Contracts.String())
	return &status, nil
}

// CancelOrder implements Connector.
func (c *KucoinConnector) CancelOrder(ctx context.Context, orderID string) (*Ack, error) {
	cl := call{Op: "cancel_all_orders", Method: http.MethodDelete, Path: kucoinOrdersEndpoint, Private: true}
	if orderID != "" {
		if err := c.session.requireTracked(orderID); err != nil {
			return nil, err
		}
		cl.Op = "cancel_order"
		cl.Path = kucoinOrdersEndpoint + "/" + url.PathEscape(orderID)
	}

	body, err := c.client.do(ctx, cl)
	if err != nil {
		return nil, err
	}
	data, err := c.envelope(cl.Op, body)
	if err != nil {
		return nil, err
	}

	ack := &Ack{Exchange: kucoinName, Cancelled: []string{}}
	data.Get("cancelledOrderIds").ForEach(func(_, v gjson.Result) bool {
		ack.Cancelled = append(ack.Cancelled, v.String())
		return true
	})
	if orderID == "" {
		c.session.ForgetAllOrders()
	} else {
		c.session.ForgetOrder(orderID)
	}
	return ack, nil
}

// OpenOrders implements Connector.
func (c *KucoinConnector) OpenOrders(ctx context.Context) ([]models.OrderStatus, error) {
	body, err := c.client.do(ctx, call{
		Op:      "open_orders",
		Method:  http.MethodGet,
		Path:    kucoinOrdersEndpoint,
		Query:   url.Values{"status": {"active"}},
		Private: true,
	})
	if err != nil {
		return nil, err
	}
	data, err := c.envelope("open_orders", body)
	if err != nil {
		return nil, err
	}

	var out []models.OrderStatus
	data.Get("items").ForEach(func(_, v gjson.Result) bool {
		out = append(out, kucoinOrderFromJSON(v))
		return true
	})
	c.session.refreshTracked(out)
	return out, nil
}

// FetchCandlePage implements Connector. Rows arrive newest first as
// [time, open, close, high, low, volume, turnover] and are returned ascending.
func (c *KucoinConnector) FetchCandlePage(ctx context.Context, req PageRequest) ([]models.Candle, error) {
	typ, ok := kucoinCandleTypes[req.Timeframe]
	if !ok {
		return nil, &models.ValidationError{Field: "timeframe", Message: fmt.Sprintf("kucoin does not serve %q", req.Timeframe)}
	}

	q := url.Values{}
	q.Set("type", typ)
	q.Set("symbol", models.NormalizeSymbol(req.Symbol))
	q.Set("startAt", strconv.FormatInt(req.Start.Unix(), 10))
	if !req.End.IsZero() {
		q.Set("endAt", strconv.FormatInt(req.End.Unix(), 10))
	}

	body, err := c.client.do(ctx, call{
		Op:     "fetch_candles",
		Method: http.MethodGet,
		Path:   kucoinCandlesEndpoint,
		Query:  q,
	})
	if err != nil {
		return nil, err
	}
	data, err := c.envelope("fetch_candles", body)
	if err != nil {
		return nil, err
	}

	page := make(models.Series, 0, len(data.Array()))
	var parseErr error
	data.ForEach(func(_, row gjson.Result) bool {
		candle, err := kucoinCandle(row)
		if err != nil {
			parseErr = err
			return false
		}
		page = append(page, candle)
		return true
	})
	if parseErr != nil {
		return nil, &apperrors.TransportError{Exchange: kucoinName, Op: "fetch_candles", Status: http.StatusOK, Body: truncateBody(body), Err: parseErr}
	}
	page.Sort()
	return page, nil
}

func kucoinCandle(row gjson.Result) (models.Candle, error) {
	cols := row.Array()
	if len(cols) < 6 {
		return models.Candle{}, fmt.Errorf("candle row has %d columns, want at least 6", len(cols))
	}
	secs, err := strconv.ParseInt(cols[0].String(), 10, 64)
	if err != nil {
		return models.Candle{}, fmt.Errorf("candle time %q: %w", cols[0].String(), err)
	}

	// open, close, high, low, volume
	vals := make([]decimal.Decimal, 5)
	for i := range vals {
		d, err := decimal.NewFromString(cols[i+1].String())
		if err != nil {
			return models.Candle{}, fmt.Errorf("candle column %d: %w", i+1, err)
		}
		vals[i] = d
	}
	return models.Candle{
		Timestamp: time.Unix(secs, 0).UTC(),
		Open:      vals[0],
		Close:     vals[1],
		High:      vals[2],
		Low:       vals[3],
		Volume:    vals[4],
	}, nil
}

func kucoinOrderFromJSON(v gjson.Result) models.OrderStatus {
	side := models.OrderSideBuy
	if v.Get("side").String() == "sell" {
		side = models.OrderSideSell
	}
	o := models.OrderStatus{
		ID:        v.Get("id").String(),
		Symbol:    models.NormalizeSymbol(v.Get("symbol").String()),
		Type:      models.OrderTypeMarket,
		Side:      side,
		Contracts: decimal.RequireFromString(defaultZero(v.Get("size").String())),
		Status:    "active",
		Timestamp: time.UnixMilli(v.Get("createdAt").Int()).UTC(),
	}
	if v.Get("type").String() == "limit" {
		o.Type = models.OrderTypeLimit
		if p, err := decimal.NewFromString(v.Get("price").String()); err == nil {
			o.Price = &p
		}
	}
	if !v.Get("isActive").Bool() {
		o.Status = "done"
	}
	return o
}

func defaultZero(s string) string {
	if _, err := decimal.NewFromString(s); err != nil {
		return "0"
	}
	return s
}
