// Package websocket provides a reusable WebSocket client with automatic
// reconnection and resubscription.
package websocket

import (
	"context"
	"sync"
	"time"

	"funding_arb/internal/core"

	"github.com/gorilla/websocket"
)

// MessageHandler handles incoming WebSocket messages.
type MessageHandler func(message []byte)

// Client is a resilient WebSocket client. On every (re)connect it replays the
// registered subscription payloads before reading.
type Client struct {
	url           string
	handler       MessageHandler
	reconnectWait time.Duration

	conn       *websocket.Conn
	subscribes [][]byte
	mu         sync.Mutex

	logger core.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a new WebSocket client.
func NewClient(url string, handler MessageHandler, logger core.ILogger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:           url,
		handler:       handler,
		reconnectWait: 5 * time.Second,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Subscribe registers a payload sent after every successful connect.
func (c *Client) Subscribe(payload []byte) {
	c.mu.Lock()
	c.subscribes = append(c.subscribes, payload)
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}
}

// Start connects and begins listening for messages.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.runLoop()
}

// Stop closes the connection and stops the loop. Closing the connection
// before waiting unblocks a readLoop parked in ReadMessage on an idle socket.
func (c *Client) Stop() {
	c.cancel()
	c.closeConn()
	c.wg.Wait()
}

func (c *Client) runLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			if err := c.connect(); err != nil {
				if c.logger != nil {
					c.logger.Error("WebSocket connection failed", "error", err, "url", c.url)
				}
				c.sleep()
				continue
			}

			c.readLoop()

			// readLoop returning means the connection was lost
			c.sleep()
		}
	}
}

func (c *Client) sleep() {
	select {
	case <-c.ctx.Done():
	case <-time.After(c.reconnectWait):
	}
}

func (c *Client) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return err
	}

	// Stop may have run while the dial was in flight; a connection stored now
	// would never be closed again.
	if c.ctx.Err() != nil {
		conn.Close()
		return c.ctx.Err()
	}

	for _, payload := range c.subscribes {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			conn.Close()
			return err
		}
	}

	c.conn = conn
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readLoop() {
	defer c.closeConn()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}

			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}

			if c.handler != nil {
				c.handler(message)
			}
		}
	}
}
