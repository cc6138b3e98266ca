// Package execlock serializes execution per symbol within a single process
// and tracks in-flight orders per (exchange, symbol, side) so that no two
// goroutines ever work the same symbol or duplicate a leg.
package execlock

import (
	"fmt"
	"sync"
	"time"

	"funding_arb/internal/core"
	"funding_arb/pkg/telemetry"
)

// OrderState is the registration status of one in-flight order slot.
type OrderState string

const (
	OrderStatePlacing     OrderState = "PLACING"
	OrderStateWaitingFill OrderState = "WAITING_FILL"
	OrderStateFilled      OrderState = "FILLED"
	OrderStateFailed      OrderState = "FAILED"
)

// active reports whether a slot still blocks new registrations.
func (s OrderState) active() bool {
	return s == OrderStatePlacing || s == OrderStateWaitingFill
}

type lockEntry struct {
	holderID   string
	operation  string
	acquiredAt time.Time
}

type orderKey struct {
	exchange string
	symbol   string
	side     core.OrderSide
}

type orderEntry struct {
	state     OrderState
	updatedAt time.Time
}

// Service is an in-process lock and order registry. All methods are
// non-blocking; contention is reported, never waited out.
type Service struct {
	mu     sync.Mutex
	locks  map[string]*lockEntry
	orders map[orderKey]*orderEntry
	logger core.ILogger
}

// NewService creates an empty lock service.
func NewService(logger core.ILogger) *Service {
	return &Service{
		locks:  make(map[string]*lockEntry),
		orders: make(map[orderKey]*orderEntry),
		logger: logger.WithField("component", "execlock"),
	}
}

// TryAcquireSymbolLock attempts to take the per-symbol lock. It returns false
// immediately when another holder owns it. Re-acquiring a lock you already
// hold succeeds.
func (s *Service) TryAcquireSymbolLock(symbol, holderID, operation string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, held := s.locks[symbol]; held {
		if entry.holderID == holderID {
			return true
		}
		telemetry.AddCounter(telemetry.GetGlobalMetrics().LockContention, 1)
		s.logger.Debug("Symbol lock contended",
			"symbol", symbol,
			"holder", entry.holderID,
			"holder_operation", entry.operation,
			"requester", holderID,
			"requested_operation", operation)
		return false
	}

	s.locks[symbol] = &lockEntry{holderID: holderID, operation: operation, acquiredAt: time.Now()}
	return true
}

// ReleaseSymbolLock releases the lock if holderID owns it. Releasing a lock
// that is not held, or held by someone else, is a no-op; release is safe to
// call from a defer regardless of how the operation ended.
func (s *Service) ReleaseSymbolLock(symbol, holderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, held := s.locks[symbol]
	if !held {
		return
	}
	if entry.holderID != holderID {
		s.logger.Warn("Release by non-holder ignored",
			"symbol", symbol, "holder", entry.holderID, "releaser", holderID)
		return
	}
	delete(s.locks, symbol)
}

// LockHolder returns the current holder and operation for a symbol.
func (s *Service) LockHolder(symbol string) (holderID, operation string, held bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, held := s.locks[symbol]
	if !held {
		return "", "", false
	}
	return entry.holderID, entry.operation, true
}

// RegisterOrderPlacing claims the (exchange, symbol, side) slot before an
// order is submitted. It fails when an active order already occupies the slot.
func (s *Service) RegisterOrderPlacing(exchange, symbol string, side core.OrderSide) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := orderKey{exchange: exchange, symbol: symbol, side: side}
	if entry, ok := s.orders[key]; ok && entry.state.active() {
		return fmt.Errorf("order already %s for %s %s %s", entry.state, exchange, symbol, side)
	}
	s.orders[key] = &orderEntry{state: OrderStatePlacing, updatedAt: time.Now()}
	return nil
}

// UpdateOrderStatus moves a registered slot to a new state. Updating an
// unregistered slot registers it; the caller may learn of a fill from an
// exchange before its own placement bookkeeping ran.
func (s *Service) UpdateOrderStatus(exchange, symbol string, side core.OrderSide, state OrderState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := orderKey{exchange: exchange, symbol: symbol, side: side}
	s.orders[key] = &orderEntry{state: state, updatedAt: time.Now()}
}

// HasActiveOrder reports whether an active (PLACING or WAITING_FILL) order
// occupies the slot.
func (s *Service) HasActiveOrder(exchange, symbol string, side core.OrderSide) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.orders[orderKey{exchange: exchange, symbol: symbol, side: side}]
	return ok && entry.state.active()
}

// ClearOrder drops a slot entirely, regardless of state.
func (s *Service) ClearOrder(exchange, symbol string, side core.OrderSide) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.orders, orderKey{exchange: exchange, symbol: symbol, side: side})
}
