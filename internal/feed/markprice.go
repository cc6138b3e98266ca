// Package feed streams mark prices over WebSocket to keep liquidation
// proximity fresh between periodic risk scans.
package feed

import (
	"encoding/json"
	"fmt"
	"sync"

	"funding_arb/internal/core"
	"funding_arb/internal/infrastructure/websocket"

	"github.com/shopspring/decimal"
)

// markPriceMessage is the wire format of one stream update.
type markPriceMessage struct {
	Exchange  string `json:"exchange"`
	Symbol    string `json:"symbol"`
	MarkPrice string `json:"markPrice"`
}

// MarkPriceFeed subscribes to a venue's mark-price stream and forwards
// parsed updates to a sink. Reconnection and resubscription are handled by
// the underlying client.
type MarkPriceFeed struct {
	client *websocket.Client
	sink   core.MarkPriceSink
	logger core.ILogger
}

// NewMarkPriceFeed creates a feed reading from url and delivering to sink.
func NewMarkPriceFeed(url string, sink core.MarkPriceSink, logger core.ILogger) *MarkPriceFeed {
	f := &MarkPriceFeed{
		sink:   sink,
		logger: logger.WithField("component", "mark_price_feed"),
	}
	f.client = websocket.NewClient(url, f.handleMessage, f.logger)
	return f
}

// SubscribeSymbol registers a symbol subscription, replayed on reconnect.
func (f *MarkPriceFeed) SubscribeSymbol(symbol string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"op":   "subscribe",
		"args": []string{fmt.Sprintf("markPrice.%s", symbol)},
	})
	if err != nil {
		return err
	}
	f.client.Subscribe(payload)
	return nil
}

// Start connects the stream.
func (f *MarkPriceFeed) Start() {
	f.client.Start()
}

// Stop disconnects the stream.
func (f *MarkPriceFeed) Stop() {
	f.client.Stop()
}

func (f *MarkPriceFeed) handleMessage(message []byte) {
	var msg markPriceMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		f.logger.Debug("Dropping unparseable stream message", "error", err)
		return
	}
	if msg.Symbol == "" || msg.MarkPrice == "" {
		return
	}
	price, err := decimal.NewFromString(msg.MarkPrice)
	if err != nil || price.Sign() <= 0 {
		f.logger.Debug("Dropping invalid mark price", "symbol", msg.Symbol, "raw", msg.MarkPrice)
		return
	}
	f.sink.OnMarkPrice(msg.Exchange, msg.Symbol, price)
}

// PriceCache is a MarkPriceSink retaining the latest price per
// (exchange, symbol) for synchronous reads.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]decimal.Decimal)}
}

// OnMarkPrice implements core.MarkPriceSink.
func (c *PriceCache) OnMarkPrice(exchange, symbol string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[exchange+":"+symbol] = price
}

// Latest returns the most recent price for (exchange, symbol).
func (c *PriceCache) Latest(exchange, symbol string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	price, ok := c.prices[exchange+":"+symbol]
	return price, ok
}
