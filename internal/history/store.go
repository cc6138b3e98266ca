// Package history persists funding-rate samples and position economics in
// sqlite, serving both the historical-metrics read path and the
// loss/break-even tracker.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"funding_arb/internal/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS funding_rates (
	symbol      TEXT    NOT NULL,
	exchange    TEXT    NOT NULL,
	rate        TEXT    NOT NULL,
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_funding_rates_pair
	ON funding_rates (symbol, exchange, recorded_at);

CREATE TABLE IF NOT EXISTS position_records (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol        TEXT    NOT NULL,
	exchange_a    TEXT    NOT NULL,
	exchange_b    TEXT    NOT NULL,
	entry_cost    TEXT    NOT NULL,
	hourly_return TEXT    NOT NULL,
	exit_cost     TEXT,
	opened_at     INTEGER NOT NULL,
	closed_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_position_records_pair
	ON position_records (symbol, exchange_a, exchange_b, closed_at);
`

// Store is a sqlite-backed HistoricalMetricsProvider and LossTracker.
type Store struct {
	db     *sql.DB
	window time.Duration
	logger core.ILogger
}

// NewStore opens (or creates) the database at dbPath. window bounds how far
// back metrics queries look; zero means 7 days.
func NewStore(dbPath string, window time.Duration, logger core.ILogger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	// WAL for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if window == 0 {
		window = 7 * 24 * time.Hour
	}
	return &Store{db: db, window: window, logger: logger.WithField("component", "history_store")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRate persists one funding-rate sample.
func (s *Store) RecordRate(ctx context.Context, rate *core.FundingRate) error {
	ts := rate.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO funding_rates (symbol, exchange, rate, recorded_at) VALUES (?, ?, ?, ?)`,
		rate.Symbol, rate.Exchange, rate.Rate.String(), ts.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record rate: %w", err)
	}
	return nil
}

// GetHistoricalMetrics aggregates recorded samples for (symbol, exchange)
// within the window. Returns (nil, nil) when no samples exist.
func (s *Store) GetHistoricalMetrics(ctx context.Context, symbol, exchange string) (*core.HistoricalMetrics, error) {
	cutoff := time.Now().Add(-s.window).UnixNano()
	rows, err := s.db.QueryContext(ctx,
		`SELECT rate FROM funding_rates
		 WHERE symbol = ? AND exchange = ? AND recorded_at >= ?
		 ORDER BY recorded_at`,
		symbol, exchange, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query rates: %w", err)
	}
	defer rows.Close()

	var rates []decimal.Decimal
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan rate: %w", err)
		}
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			s.logger.Warn("Skipping unparseable rate sample", "symbol", symbol, "exchange", exchange, "raw", raw)
			continue
		}
		rates = append(rates, rate)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rates: %w", err)
	}
	if len(rates) == 0 {
		return nil, nil
	}
	return aggregate(rates), nil
}

// aggregate computes the metric summary over a non-empty sample set.
// Consistency is the fraction of samples sharing the mean's sign.
func aggregate(rates []decimal.Decimal) *core.HistoricalMetrics {
	n := decimal.NewFromInt(int64(len(rates)))
	sum := decimal.Zero
	min := rates[0]
	max := rates[0]
	for _, r := range rates {
		sum = sum.Add(r)
		if r.LessThan(min) {
			min = r
		}
		if r.GreaterThan(max) {
			max = r
		}
	}
	mean := sum.Div(n)

	agreeing := 0
	variance := 0.0
	meanF, _ := mean.Float64()
	for _, r := range rates {
		if r.Sign() == mean.Sign() {
			agreeing++
		}
		f, _ := r.Float64()
		variance += (f - meanF) * (f - meanF)
	}
	volatility := decimal.NewFromFloat(math.Sqrt(variance / float64(len(rates))))

	return &core.HistoricalMetrics{
		AverageRate:      mean,
		MinRate:          min,
		MaxRate:          max,
		ConsistencyScore: decimal.NewFromInt(int64(agreeing)).Div(n),
		Volatility:       volatility,
	}
}

// RecordPositionEntry opens a tracking record for a pair.
func (s *Store) RecordPositionEntry(key core.PairKey, cost decimal.Decimal, hourlyReturn decimal.Decimal) {
	_, err := s.db.Exec(
		`INSERT INTO position_records (symbol, exchange_a, exchange_b, entry_cost, hourly_return, opened_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		key.Symbol, key.ExchangeA, key.ExchangeB, cost.String(), hourlyReturn.String(), time.Now().UnixNano())
	if err != nil {
		s.logger.Error("Failed to record position entry", "symbol", key.Symbol, "error", err)
	}
}

// RecordPositionExit closes the latest open record for a pair, adding the
// exit cost. Exiting an untracked pair is a no-op.
func (s *Store) RecordPositionExit(key core.PairKey, cost decimal.Decimal) {
	_, err := s.db.Exec(
		`UPDATE position_records SET exit_cost = ?, closed_at = ?
		 WHERE id = (
			SELECT id FROM position_records
			WHERE symbol = ? AND exchange_a = ? AND exchange_b = ? AND closed_at IS NULL
			ORDER BY opened_at DESC LIMIT 1
		 )`,
		cost.String(), time.Now().UnixNano(), key.Symbol, key.ExchangeA, key.ExchangeB)
	if err != nil {
		s.logger.Error("Failed to record position exit", "symbol", key.Symbol, "error", err)
	}
}

// RemainingBreakEvenHours projects how many more hours the open position for
// key needs to cover its entry cost at its recorded hourly return. The bool
// is false for untracked pairs and for positions that never break even;
// negative hours mean the position already paid for itself.
func (s *Store) RemainingBreakEvenHours(key core.PairKey) (decimal.Decimal, bool) {
	var entryCost, hourly string
	var openedAt int64
	err := s.db.QueryRow(
		`SELECT entry_cost, hourly_return, opened_at FROM position_records
		 WHERE symbol = ? AND exchange_a = ? AND exchange_b = ? AND closed_at IS NULL
		 ORDER BY opened_at DESC LIMIT 1`,
		key.Symbol, key.ExchangeA, key.ExchangeB).Scan(&entryCost, &hourly, &openedAt)
	if err != nil {
		if err != sql.ErrNoRows {
			s.logger.Error("Failed to query position record", "symbol", key.Symbol, "error", err)
		}
		return decimal.Zero, false
	}

	cost, err1 := decimal.NewFromString(entryCost)
	rate, err2 := decimal.NewFromString(hourly)
	if err1 != nil || err2 != nil || rate.Sign() <= 0 {
		return decimal.Zero, false
	}

	elapsed := decimal.NewFromFloat(time.Since(time.Unix(0, openedAt)).Hours())
	return cost.Div(rate).Sub(elapsed), true
}

// SwitchingCosts is the round-trip cost of abandoning the open position for
// key and entering a new one: the unrecovered share of the current entry
// cost plus the new entry's cost.
func (s *Store) SwitchingCosts(key core.PairKey, newEntryCost decimal.Decimal) decimal.Decimal {
	remaining, ok := s.RemainingBreakEvenHours(key)
	if !ok || remaining.Sign() <= 0 {
		return newEntryCost
	}

	var hourly string
	err := s.db.QueryRow(
		`SELECT hourly_return FROM position_records
		 WHERE symbol = ? AND exchange_a = ? AND exchange_b = ? AND closed_at IS NULL
		 ORDER BY opened_at DESC LIMIT 1`,
		key.Symbol, key.ExchangeA, key.ExchangeB).Scan(&hourly)
	if err != nil {
		return newEntryCost
	}
	rate, err := decimal.NewFromString(hourly)
	if err != nil {
		return newEntryCost
	}
	return newEntryCost.Add(remaining.Mul(rate))
}
