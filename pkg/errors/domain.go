package apperrors

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Code is a stable machine-readable rejection code.
type Code string

const (
	CodeExchange               Code = "EXCHANGE_ERROR"
	CodeMissingOpenInterest    Code = "MISSING_OPEN_INTEREST"
	CodeInsufficientOI         Code = "INSUFFICIENT_OPEN_INTEREST"
	CodeInsufficientVolume     Code = "INSUFFICIENT_VOLUME"
	CodeMissingVolumeData      Code = "MISSING_VOLUME_DATA"
	CodeUnprofitable           Code = "UNPROFITABLE_OPPORTUNITY"
	CodeInsufficientBalance    Code = "INSUFFICIENT_BALANCE"
	CodeOrderExecution         Code = "ORDER_EXECUTION_FAILED"
	CodePositionNotFound       Code = "POSITION_NOT_FOUND"
)

// DomainError is the base for expected business failures. Components return
// these as values; nothing in the engine panics on a business rejection.
type DomainError struct {
	Code    Code
	Message string
	Fields  map[string]interface{}
	Cause   error
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error { return e.Cause }

// ExchangeError wraps an adapter or network failure.
type ExchangeError struct {
	DomainError
	Exchange string
}

// NewExchangeError builds an ExchangeError for the given venue.
func NewExchangeError(exchange, message string, cause error) *ExchangeError {
	return &ExchangeError{
		DomainError: DomainError{
			Code:    CodeExchange,
			Message: message,
			Fields:  map[string]interface{}{"exchange": exchange},
			Cause:   cause,
		},
		Exchange: exchange,
	}
}

// ValidationError is a deterministic business-rule rejection.
type ValidationError struct {
	DomainError
}

// NewValidationError builds a ValidationError with a stable code.
func NewValidationError(code Code, message string, fields map[string]interface{}) *ValidationError {
	return &ValidationError{DomainError{Code: code, Message: message, Fields: fields}}
}

// InsufficientBalanceError reports the required vs. available balance.
type InsufficientBalanceError struct {
	DomainError
	Required  decimal.Decimal
	Available decimal.Decimal
	Currency  string
}

// NewInsufficientBalanceError builds an InsufficientBalanceError.
func NewInsufficientBalanceError(required, available decimal.Decimal, currency string) *InsufficientBalanceError {
	return &InsufficientBalanceError{
		DomainError: DomainError{
			Code:    CodeInsufficientBalance,
			Message: fmt.Sprintf("required %s %s, available %s", required, currency, available),
			Fields: map[string]interface{}{
				"required":  required.String(),
				"available": available.String(),
				"currency":  currency,
			},
		},
		Required:  required,
		Available: available,
		Currency:  currency,
	}
}

// OrderExecutionError reports a failed order placement or cancellation.
// These are never swallowed; the single-leg handler owns recovery.
type OrderExecutionError struct {
	DomainError
	Exchange string
	Symbol   string
	Side     string
}

// NewOrderExecutionError builds an OrderExecutionError.
func NewOrderExecutionError(exchange, symbol, side string, cause error) *OrderExecutionError {
	return &OrderExecutionError{
		DomainError: DomainError{
			Code:    CodeOrderExecution,
			Message: fmt.Sprintf("order failed on %s %s %s", exchange, symbol, side),
			Fields: map[string]interface{}{
				"exchange": exchange,
				"symbol":   symbol,
				"side":     side,
			},
			Cause: cause,
		},
		Exchange: exchange,
		Symbol:   symbol,
		Side:     side,
	}
}

// PositionNotFoundError reports a lookup for a position that does not exist.
type PositionNotFoundError struct {
	DomainError
}

// NewPositionNotFoundError builds a PositionNotFoundError.
func NewPositionNotFoundError(exchange, symbol string) *PositionNotFoundError {
	return &PositionNotFoundError{DomainError{
		Code:    CodePositionNotFound,
		Message: fmt.Sprintf("no position for %s on %s", symbol, exchange),
		Fields:  map[string]interface{}{"exchange": exchange, "symbol": symbol},
	}}
}
