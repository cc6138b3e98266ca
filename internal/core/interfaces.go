package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// ILogger is the structured logging interface used across the engine.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// FundingProvider supplies funding-rate snapshots for one exchange.
// GetFundingData receives both the normalized symbol and the venue-specific
// symbol so adapters do not need their own mapping tables.
type FundingProvider interface {
	GetName() string
	GetFundingData(ctx context.Context, symbol, exchangeSymbol string) (*FundingRate, error)
	GetAvailableSymbols(ctx context.Context) ([]string, error)
}

// Exchange is the perp trading adapter contract consumed by the engine.
// Request signing, symbol quirks and transports live behind it.
type Exchange interface {
	GetName() string
	PlaceOrder(ctx context.Context, intent *OrderIntent) (*Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetPositions(ctx context.Context, symbol string) ([]*Position, error)
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	GetEquity(ctx context.Context) (decimal.Decimal, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]*Order, error)
}

// BestBidAskProvider is an optional capability. Adapters that can serve
// top-of-book declare it; callers resolve it with a type assertion and fall
// back to mark-price-derived estimates otherwise.
type BestBidAskProvider interface {
	GetBestBidAsk(ctx context.Context, symbol string) (*BidAsk, error)
}

// SpotExchange mirrors Exchange for non-leveraged legs and adds wallet
// transfers between the spot and perp accounts of the same venue.
type SpotExchange interface {
	Exchange
	InternalTransfer(ctx context.Context, amount decimal.Decimal, toPerp bool) error
}

// HistoricalMetricsProvider serves recorded funding-rate statistics.
// A (nil, nil) return means no history exists for the pair.
type HistoricalMetricsProvider interface {
	GetHistoricalMetrics(ctx context.Context, symbol, exchange string) (*HistoricalMetrics, error)
}

// LossTracker follows accumulated entry/exit costs per paired position and
// answers break-even questions for the rebalance decision.
type LossTracker interface {
	RecordPositionEntry(key PairKey, cost decimal.Decimal, hourlyReturn decimal.Decimal)
	RecordPositionExit(key PairKey, cost decimal.Decimal)
	// RemainingBreakEvenHours returns the hours until the position's
	// accumulated funding covers its costs. The bool is false when the
	// position is untracked or never breaks even at current rates; hours is
	// negative when the position already paid for itself.
	RemainingBreakEvenHours(key PairKey) (decimal.Decimal, bool)
	SwitchingCosts(key PairKey, newEntryCost decimal.Decimal) decimal.Decimal
}

// MarkPriceSink receives streamed mark-price updates.
type MarkPriceSink interface {
	OnMarkPrice(exchange, symbol string, price decimal.Decimal)
}
