package web

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/codefionn/paybridge/internal/bridge"
	"github.com/codefionn/paybridge/internal/consts"
	"github.com/codefionn/paybridge/internal/logger"
	"github.com/codefionn/paybridge/internal/protocol"
	"github.com/codefionn/paybridge/internal/redact"
	"github.com/codefionn/paybridge/internal/registry"
)

var errBinaryFrame = errors.New("binary frames are not supported, send JSON text")

// Client represents a WebSocket client
type Client struct {
	ID       string
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	handler  *bridge.Handler
	ctx      context.Context
	inflight chan struct{}
	maxBytes int64
	debug    bool
	log      *logger.Logger

	mu     sync.Mutex
	closed bool
}

// clientOptions carries the server settings every client shares
type clientOptions struct {
	ctx             context.Context
	maxInflight     int
	maxMessageBytes int64
	debug           bool
	bridge          bridge.Options
}

// NewClient creates a new WebSocket client with its own request handler
func NewClient(hub *Hub, conn *websocket.Conn, reg *registry.Registry, opts clientOptions) *Client {
	if opts.ctx == nil {
		opts.ctx = context.Background()
	}
	if opts.maxInflight < 1 {
		opts.maxInflight = consts.DefaultMaxInflight
	}
	if opts.maxMessageBytes < 1 {
		opts.maxMessageBytes = consts.DefaultMaxMessageBytes
	}

	id := uuid.NewString()
	client := &Client{
		ID:       id,
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, consts.SendQueueSize),
		ctx:      opts.ctx,
		inflight: make(chan struct{}, opts.maxInflight),
		maxBytes: opts.maxMessageBytes,
		debug:    opts.debug,
		log:      logger.Global().WithPrefix("client " + id[:8]),
	}
	client.handler = bridge.New(reg, client, opts.bridge)
	return client
}

// ReadPump pumps messages from the WebSocket connection to the handler.
// Every message is handled on its own goroutine; at most maxInflight run at
// once and reading pauses while the limit is reached.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.maxBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(consts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(consts.PongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				c.handler.ReportError("", fmt.Errorf("message exceeds %d bytes", c.maxBytes))
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure):
				c.log.Error("WebSocket read error: %v", err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			c.handler.ReportError("", errBinaryFrame)
			continue
		}
		if c.debug {
			c.log.Debug("WebSocket received: %s", redact.String(string(message)))
		}

		c.inflight <- struct{}{}
		go func(raw []byte) {
			defer func() { <-c.inflight }()
			c.handler.Handle(c.ctx, raw)
		}(message)
	}
}

// WritePump pumps queued responses to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(consts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(consts.WriteWait))
			if !ok {
				// Send queue closed
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Error("Failed to write message: %v", err)
				return
			}

			if c.debug {
				c.log.Debug("WebSocket sent: %s", redact.String(string(message)))
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(consts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues resp for the write pump. A response for a closed client, or
// one that does not fit the send queue, is dropped with a warning.
func (c *Client) Send(resp *protocol.Response) bool {
	data, err := protocol.Encode(resp)
	if err != nil {
		c.log.Error("Failed to encode %s response for context %s: %v", resp.Type, resp.ContextID, err)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.log.Warn("Attempted to send %s response to closed client %s", resp.Type, c.ID)
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.log.Warn("Client %s send queue full, dropping %s response", c.ID, resp.Type)
		return false
	}
}

// closeSend closes the send queue once
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
