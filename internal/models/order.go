package models

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType is the execution type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the connector session's view of one order. It lives only in
// the session's in-memory registry and is never persisted.
type OrderStatus struct {
	ID        string           `json:"id"`
	Symbol    string           `json:"symbol"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	Type      OrderType        `json:"order_type"`
	Side      OrderSide        `json:"side"`
	Contracts decimal.Decimal  `json:"contracts"`
	Status    string           `json:"status"`
	Account   string           `json:"account,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Instrument is a symbol recognised by one exchange.
type Instrument struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
}

// NormalizeSymbol upper-cases and trims a symbol for case-insensitive comparison.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// NormalizeInstruments upper-cases symbols, drops blanks and duplicates, and
// returns them sorted.
func NormalizeInstruments(exchange string, symbols []string) []Instrument {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]Instrument, 0, len(symbols))
	for _, raw := range symbols {
		sym := NormalizeSymbol(raw)
		if sym == "" {
			continue
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, Instrument{Exchange: exchange, Symbol: sym})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
