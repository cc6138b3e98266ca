// Package mock provides in-memory collaborator implementations for tests.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"funding_arb/internal/core"

	"github.com/shopspring/decimal"
)

// FundingProvider implements core.FundingProvider with settable snapshots.
type FundingProvider struct {
	name string

	mu      sync.RWMutex
	rates   map[string]*core.FundingRate
	symbols []string
	err     error
}

// NewFundingProvider creates a mock provider for the named exchange.
func NewFundingProvider(name string) *FundingProvider {
	return &FundingProvider{name: name, rates: make(map[string]*core.FundingRate)}
}

func (p *FundingProvider) GetName() string { return p.name }

// SetRate installs a funding snapshot for a symbol.
func (p *FundingProvider) SetRate(symbol string, rate, markPrice, openInterest, volume decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rates[symbol] = &core.FundingRate{
		Exchange:      p.name,
		Symbol:        symbol,
		Rate:          rate,
		PredictedRate: rate,
		MarkPrice:     markPrice,
		OpenInterest:  openInterest,
		Volume24h:     volume,
		Timestamp:     time.Now(),
	}
	found := false
	for _, s := range p.symbols {
		if s == symbol {
			found = true
		}
	}
	if !found {
		p.symbols = append(p.symbols, symbol)
	}
}

// SetError makes every call fail until reset.
func (p *FundingProvider) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *FundingProvider) GetFundingData(_ context.Context, symbol, _ string) (*core.FundingRate, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.err != nil {
		return nil, p.err
	}
	fr, ok := p.rates[symbol]
	if !ok {
		return nil, fmt.Errorf("no funding data for %s on %s", symbol, p.name)
	}
	cp := *fr
	return &cp, nil
}

func (p *FundingProvider) GetAvailableSymbols(_ context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.err != nil {
		return nil, p.err
	}
	return append([]string(nil), p.symbols...), nil
}

// Exchange implements core.Exchange and core.BestBidAskProvider.
type Exchange struct {
	name string

	mu             sync.RWMutex
	balance        decimal.Decimal
	equity         decimal.Decimal
	markPrices     map[string]decimal.Decimal
	books          map[string]*core.BidAsk
	positions      map[string][]*core.Position
	openOrders     map[string][]*core.Order
	orders         []*core.Order
	orderIDCounter int

	placeErr   error
	cancelErr  error
	markErr    error
	balanceErr error
	fillOrders bool // when true, placed orders report FILLED immediately
}

// NewExchange creates a mock exchange with a default balance.
func NewExchange(name string) *Exchange {
	return &Exchange{
		name:       name,
		balance:    decimal.NewFromInt(10000),
		equity:     decimal.NewFromInt(10000),
		markPrices: make(map[string]decimal.Decimal),
		books:      make(map[string]*core.BidAsk),
		positions:  make(map[string][]*core.Position),
		openOrders: make(map[string][]*core.Order),
		fillOrders: true,
	}
}

func (e *Exchange) GetName() string { return e.name }

// SetBalance overrides the available balance.
func (e *Exchange) SetBalance(b decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balance = b
	e.equity = b
}

// SetMarkPrice installs a mark price for a symbol.
func (e *Exchange) SetMarkPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.markPrices[symbol] = price
}

// SetBook installs a top-of-book snapshot.
func (e *Exchange) SetBook(symbol string, bid, ask decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.books[symbol] = &core.BidAsk{Bid: bid, Ask: ask}
}

// SetPosition installs an open position leg.
func (e *Exchange) SetPosition(pos *core.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos.Exchange = e.name
	e.positions[pos.Symbol] = []*core.Position{pos}
}

// ClearPositions removes all positions for a symbol.
func (e *Exchange) ClearPositions(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.positions, symbol)
}

// SetOpenOrders installs resting orders returned by GetOpenOrders.
func (e *Exchange) SetOpenOrders(symbol string, orders []*core.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.openOrders[symbol] = orders
}

// FailPlaceOrders makes PlaceOrder fail with the given error.
func (e *Exchange) FailPlaceOrders(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.placeErr = err
}

// FailMarkPrice makes GetMarkPrice fail with the given error.
func (e *Exchange) FailMarkPrice(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.markErr = err
}

// PlacedOrders returns every order accepted so far.
func (e *Exchange) PlacedOrders() []*core.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*core.Order(nil), e.orders...)
}

func (e *Exchange) PlaceOrder(_ context.Context, intent *core.OrderIntent) (*core.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.placeErr != nil {
		return nil, e.placeErr
	}

	e.orderIDCounter++
	status := core.OrderStatusNew
	if e.fillOrders {
		status = core.OrderStatusFilled
	}
	order := &core.Order{
		ID:             fmt.Sprintf("%s-%d", e.name, e.orderIDCounter),
		ClientOrderID:  intent.ClientOrderID,
		Exchange:       e.name,
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		Price:          intent.Price,
		Quantity:       intent.Quantity,
		FilledQuantity: intent.Quantity,
		Status:         status,
		ReduceOnly:     intent.ReduceOnly,
		CreatedAt:      time.Now(),
	}
	e.orders = append(e.orders, order)
	return order, nil
}

func (e *Exchange) CancelOrder(_ context.Context, symbol, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelErr != nil {
		return e.cancelErr
	}
	kept := e.openOrders[symbol][:0]
	for _, o := range e.openOrders[symbol] {
		if o.ID != orderID {
			kept = append(kept, o)
		}
	}
	e.openOrders[symbol] = kept
	return nil
}

func (e *Exchange) GetPositions(_ context.Context, symbol string) ([]*core.Position, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if symbol != "" {
		return append([]*core.Position(nil), e.positions[symbol]...), nil
	}
	var all []*core.Position
	for _, ps := range e.positions {
		all = append(all, ps...)
	}
	return all, nil
}

func (e *Exchange) GetMarkPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.markErr != nil {
		return decimal.Zero, e.markErr
	}
	p, ok := e.markPrices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no mark price for %s on %s", symbol, e.name)
	}
	return p, nil
}

func (e *Exchange) GetBalance(_ context.Context) (decimal.Decimal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.balanceErr != nil {
		return decimal.Zero, e.balanceErr
	}
	return e.balance, nil
}

func (e *Exchange) GetEquity(_ context.Context) (decimal.Decimal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.equity, nil
}

func (e *Exchange) GetOpenOrders(_ context.Context, symbol string) ([]*core.Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*core.Order(nil), e.openOrders[symbol]...), nil
}

func (e *Exchange) GetBestBidAsk(_ context.Context, symbol string) (*core.BidAsk, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	book, ok := e.books[symbol]
	if !ok {
		return nil, fmt.Errorf("no book for %s on %s", symbol, e.name)
	}
	cp := *book
	return &cp, nil
}

// SpotExchange adds the internal wallet transfer to the mock Exchange.
type SpotExchange struct {
	*Exchange

	transferMu sync.Mutex
	transfers  []Transfer
}

// Transfer records one InternalTransfer call.
type Transfer struct {
	Amount decimal.Decimal
	ToPerp bool
}

// NewSpotExchange creates a mock spot exchange.
func NewSpotExchange(name string) *SpotExchange {
	return &SpotExchange{Exchange: NewExchange(name)}
}

func (e *SpotExchange) InternalTransfer(_ context.Context, amount decimal.Decimal, toPerp bool) error {
	e.transferMu.Lock()
	defer e.transferMu.Unlock()
	e.transfers = append(e.transfers, Transfer{Amount: amount, ToPerp: toPerp})
	return nil
}

// Transfers returns recorded internal transfers.
func (e *SpotExchange) Transfers() []Transfer {
	e.transferMu.Lock()
	defer e.transferMu.Unlock()
	return append([]Transfer(nil), e.transfers...)
}

// HistoryProvider implements core.HistoricalMetricsProvider from a fixed map.
type HistoryProvider struct {
	mu      sync.RWMutex
	metrics map[string]*core.HistoricalMetrics // key: symbol:exchange
}

// NewHistoryProvider creates an empty history provider.
func NewHistoryProvider() *HistoryProvider {
	return &HistoryProvider{metrics: make(map[string]*core.HistoricalMetrics)}
}

// Set installs metrics for (symbol, exchange).
func (h *HistoryProvider) Set(symbol, exchange string, m *core.HistoricalMetrics) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metrics[symbol+":"+exchange] = m
}

func (h *HistoryProvider) GetHistoricalMetrics(_ context.Context, symbol, exchange string) (*core.HistoricalMetrics, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.metrics[symbol+":"+exchange]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

// LossTracker implements core.LossTracker with settable break-even answers.
type LossTracker struct {
	mu        sync.RWMutex
	remaining map[core.PairKey]decimal.Decimal
	switching map[core.PairKey]decimal.Decimal
	entries   []core.PairKey
	exits     []core.PairKey
}

// NewLossTracker creates an empty tracker.
func NewLossTracker() *LossTracker {
	return &LossTracker{
		remaining: make(map[core.PairKey]decimal.Decimal),
		switching: make(map[core.PairKey]decimal.Decimal),
	}
}

// SetRemaining installs the remaining break-even hours for a pair.
func (t *LossTracker) SetRemaining(key core.PairKey, hours decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remaining[key] = hours
}

// SetSwitchingCosts installs the switching cost for a pair.
func (t *LossTracker) SetSwitchingCosts(key core.PairKey, cost decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.switching[key] = cost
}

func (t *LossTracker) RecordPositionEntry(key core.PairKey, _ decimal.Decimal, _ decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, key)
}

func (t *LossTracker) RecordPositionExit(key core.PairKey, _ decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exits = append(t.exits, key)
}

func (t *LossTracker) RemainingBreakEvenHours(key core.PairKey) (decimal.Decimal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.remaining[key]
	return h, ok
}

func (t *LossTracker) SwitchingCosts(key core.PairKey, newEntryCost decimal.Decimal) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.switching[key]; ok {
		return c
	}
	return newEntryCost
}
