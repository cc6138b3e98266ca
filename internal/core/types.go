// Package core defines the domain types and collaborator interfaces for the
// funding-rate arbitrage engine.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// StrategyType distinguishes the two supported pair structures.
type StrategyType string

const (
	StrategyPerpPerp StrategyType = "perp-perp"
	StrategyPerpSpot StrategyType = "perp-spot"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// PositionSide is the direction of an open position leg.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus is the lifecycle state reported by an exchange.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// FundingRate is an immutable per-exchange funding snapshot for one symbol.
// OpenInterest and Volume24h are zero when the venue does not report them.
type FundingRate struct {
	Exchange      string
	Symbol        string
	Rate          decimal.Decimal
	PredictedRate decimal.Decimal
	MarkPrice     decimal.Decimal
	OpenInterest  decimal.Decimal
	Volume24h     decimal.Decimal
	Timestamp     time.Time
}

// Opportunity is one profitable ordered exchange pair for a symbol, produced
// by a single scan cycle and discarded afterwards.
type Opportunity struct {
	Symbol        string
	Strategy      StrategyType
	LongExchange  string
	ShortExchange string // perp leg for perp-perp; empty for perp-spot
	SpotExchange  string // only set for perp-spot
	LongRate      decimal.Decimal
	ShortRate     decimal.Decimal
	Spread        decimal.Decimal // shortRate - longRate per funding period
	ExpectedAPR   decimal.Decimal // spread annualized
	LongOI        decimal.Decimal
	ShortOI       decimal.Decimal
	LongVolume24h decimal.Decimal
	ShortVolume24h decimal.Decimal
	Timestamp     time.Time
}

// CostBreakdown is the estimated round-trip cost of a plan.
type CostBreakdown struct {
	Fees     decimal.Decimal
	Slippage decimal.Decimal
	Total    decimal.Decimal
}

// OrderIntent is a fully priced order the executor can submit as-is.
type OrderIntent struct {
	Exchange      string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	NotionalUSD   decimal.Decimal
	ReduceOnly    bool
	ClientOrderID string
}

// ExecutionPlan is an immutable two-leg order plan. It is consumed exactly
// once by the executor.
type ExecutionPlan struct {
	Opportunity       Opportunity
	LongOrder         OrderIntent
	ShortOrder        OrderIntent
	PositionSizeUSD   decimal.Decimal
	EstimatedCosts    CostBreakdown
	ExpectedNetReturn decimal.Decimal // per funding period, after amortized costs
	CreatedAt         time.Time
}

// Order is an exchange-acknowledged order.
type Order struct {
	ID             string
	ClientOrderID  string
	Exchange       string
	Symbol         string
	Side           OrderSide
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	Status         OrderStatus
	ReduceOnly     bool
	CreatedAt      time.Time
}

// Position is one leg as reported by an exchange.
type Position struct {
	Exchange         string
	Symbol           string
	Side             PositionSide
	Size             decimal.Decimal // base quantity, always positive
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	Leverage         decimal.Decimal
	LiquidationPrice decimal.Decimal // zero when the venue does not report it
	OpenedAt         time.Time
}

// PairedPosition is two same-symbol, opposite-side legs on different
// exchanges. A single open leg is a transient failure state, never steady.
type PairedPosition struct {
	Symbol string
	Long   *Position
	Short  *Position
}

// BidAsk is a top-of-book snapshot.
type BidAsk struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// HistoricalMetrics summarizes recorded funding history for (symbol, exchange).
type HistoricalMetrics struct {
	AverageRate      decimal.Decimal
	MinRate          decimal.Decimal
	MaxRate          decimal.Decimal
	ConsistencyScore decimal.Decimal // 0..1
	Volatility       decimal.Decimal
}

// PairKey identifies a (symbol, exchange-pair) independent of leg order.
type PairKey struct {
	Symbol    string
	ExchangeA string
	ExchangeB string
}

// NewPairKey builds a PairKey with the exchanges in lexical order so that the
// key is stable regardless of which leg is long.
func NewPairKey(symbol, ex1, ex2 string) PairKey {
	if ex2 < ex1 {
		ex1, ex2 = ex2, ex1
	}
	return PairKey{Symbol: symbol, ExchangeA: ex1, ExchangeB: ex2}
}
