// Package rates aggregates per-exchange funding data and expands it into
// arbitrage opportunities across every ordered exchange pair.
package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"funding_arb/internal/core"
)

// SymbolUniverse maps normalized symbols to the venue-specific symbol on each
// exchange that lists them. It is loaded once: cache file first, live
// discovery as fallback. Arbitrage needs a symbol on at least two venues, so
// discovery drops everything listed on fewer.
type SymbolUniverse struct {
	mu      sync.RWMutex
	mapping map[string]map[string]string // symbol -> exchange -> venue symbol
}

// NewSymbolUniverse returns an empty universe.
func NewSymbolUniverse() *SymbolUniverse {
	return &SymbolUniverse{mapping: make(map[string]map[string]string)}
}

// LoadCache reads a previously generated mapping file. The file is a plain
// lookup table owned by tooling, not by the engine.
func (u *SymbolUniverse) LoadCache(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read symbol cache: %w", err)
	}

	var mapping map[string]map[string]string
	if err := json.Unmarshal(data, &mapping); err != nil {
		return fmt.Errorf("failed to parse symbol cache: %w", err)
	}

	u.mu.Lock()
	u.mapping = mapping
	u.mu.Unlock()
	return nil
}

// Discover queries every provider's available-symbols API and keeps symbols
// present on at least two exchanges. Provider failures are skipped so one
// dead venue cannot empty the universe.
func (u *SymbolUniverse) Discover(ctx context.Context, providers map[string]core.FundingProvider, logger core.ILogger) error {
	listings := make(map[string]map[string]string)

	for name, p := range providers {
		symbols, err := p.GetAvailableSymbols(ctx)
		if err != nil {
			logger.Warn("Symbol discovery failed for exchange", "exchange", name, "error", err)
			continue
		}
		for _, s := range symbols {
			if listings[s] == nil {
				listings[s] = make(map[string]string)
			}
			listings[s][name] = s
		}
	}

	kept := make(map[string]map[string]string)
	for symbol, exs := range listings {
		if len(exs) >= 2 {
			kept[symbol] = exs
		}
	}
	if len(kept) == 0 {
		return fmt.Errorf("symbol discovery produced no symbol listed on two or more exchanges")
	}

	u.mu.Lock()
	u.mapping = kept
	u.mu.Unlock()
	return nil
}

// Symbols returns every normalized symbol in the universe.
func (u *SymbolUniverse) Symbols() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()

	out := make([]string, 0, len(u.mapping))
	for s := range u.mapping {
		out = append(out, s)
	}
	return out
}

// ExchangesFor returns the exchange -> venue-symbol mapping for a symbol.
func (u *SymbolUniverse) ExchangesFor(symbol string) map[string]string {
	u.mu.RLock()
	defer u.mu.RUnlock()

	src, ok := u.mapping[symbol]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Size returns the number of symbols in the universe.
func (u *SymbolUniverse) Size() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.mapping)
}
