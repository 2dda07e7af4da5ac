package exchange

import (
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/johnayoung/go-ohlcv-ingestor/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/models"
)

// Credentials is the key material for one exchange account.
type Credentials struct {
	Key        string
	Secret     string
	Passphrase string
}

// String never prints the secret parts.
func (c Credentials) String() string {
	if c.Key == "" {
		return "Credentials{anonymous}"
	}
	return "Credentials{key: [REDACTED]}"
}

// Session holds the state a connector accumulates over its lifetime: the
// instrument set loaded at construction and the registry of orders placed
// through it. Nothing here is persisted.
type Session struct {
	Name        string
	BaseURL     string
	Credentials Credentials
	Testnet     bool

	mu          sync.RWMutex
	instruments map[string]struct{} // nil until a listing succeeds
	orders      map[string]models.OrderStatus
}

// NewSession returns a session with an unknown instrument set and no orders.
func NewSession(name, baseURL string, creds Credentials, testnet bool) *Session {
	return &Session{
		Name:        name,
		BaseURL:     baseURL,
		Credentials: creds,
		Testnet:     testnet,
		orders:      make(map[string]models.OrderStatus),
	}
}

// SetInstruments replaces the cached instrument set.
func (s *Session) SetInstruments(instruments []models.Instrument) {
	set := make(map[string]struct{}, len(instruments))
	for _, inst := range instruments {
		set[models.NormalizeSymbol(inst.Symbol)] = struct{}{}
	}

	s.mu.Lock()
	s.instruments = set
	s.mu.Unlock()
}

// InstrumentsLoaded reports whether a listing ever succeeded.
func (s *Session) InstrumentsLoaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instruments != nil
}

// Instruments returns the cached set sorted by symbol.
func (s *Session) Instruments() []models.Instrument {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Instrument, 0, len(s.instruments))
	for sym := range s.instruments {
		out = append(out, models.Instrument{Exchange: s.Name, Symbol: sym})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ValidateSymbol compares symbol case-insensitively with the cached set and
// returns its normalized form. An unloaded set rejects everything.
func (s *Session) ValidateSymbol(symbol string) (string, error) {
	sym := models.NormalizeSymbol(symbol)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.instruments == nil {
		return "", apperrors.UnknownSymbol(s.Name, symbol)
	}
	if _, ok := s.instruments[sym]; !ok {
		return "", apperrors.UnknownSymbol(s.Name, symbol)
	}
	return sym, nil
}

// TrackOrder registers or refreshes an order.
func (s *Session) TrackOrder(o models.OrderStatus) {
	s.mu.Lock()
	s.orders[o.ID] = o
	s.mu.Unlock()
}

// Order returns a tracked order.
func (s *Session) Order(id string) (models.OrderStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	return o, ok
}

// ForgetOrder drops one id from the registry.
func (s *Session) ForgetOrder(id string) {
	s.mu.Lock()
	delete(s.orders, id)
	s.mu.Unlock()
}

// ForgetAllOrders empties the registry.
func (s *Session) ForgetAllOrders() {
	s.mu.Lock()
	s.orders = make(map[string]models.OrderStatus)
	s.mu.Unlock()
}

// Orders returns a snapshot of tracked orders, oldest first.
func (s *Session) Orders() []models.OrderStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.OrderStatus, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// refreshTracked updates the status of orders already in the registry. Orders
// the session did not place are returned but not adopted.
func (s *Session) refreshTracked(orders []models.OrderStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range orders {
		if _, ok := s.orders[o.ID]; ok {
			s.orders[o.ID] = o
		}
	}
}

// requireTracked fails with ErrUntrackedOrder for an id the session never placed.
func (s *Session) requireTracked(id string) error {
	if _, ok := s.Order(id); !ok {
		return fmt.Errorf("%w: %q on %s", apperrors.ErrUntrackedOrder, id, s.Name)
	}
	return nil
}
