package bridgeclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codefionn/paybridge/internal/consts"
	"github.com/codefionn/paybridge/internal/logger"
	"github.com/codefionn/paybridge/internal/protocol"
)

var (
	// ErrClosed is returned for requests on a closed or unconnected client
	ErrClosed = errors.New("bridgeclient: client closed")
	// ErrConnectionLost is returned for requests pending when the
	// connection dropped
	ErrConnectionLost = errors.New("bridgeclient: connection lost")
)

// ConnectionState represents the current state of the connection
type ConnectionState int

const (
	// StateDisconnected indicates the client is not connected
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates the client is dialing
	StateConnecting
	// StateConnected indicates the client is connected
	StateConnected
	// StateClosed indicates the client has been closed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ResponseError is an error response from the bridge
type ResponseError struct {
	ContextID string
	Message   string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("bridge error for context %q: %s", e.ContextID, e.Message)
}

// Config holds client configuration
type Config struct {
	// URL is the bridge's WebSocket endpoint
	URL string
	// AuthToken is sent as a bearer token when set
	AuthToken string
	// ConnectTimeout is the timeout for the handshake
	ConnectTimeout time.Duration
	// RequestTimeout bounds requests whose context has no deadline
	RequestTimeout time.Duration
	// WriteTimeout is the timeout for writing messages
	WriteTimeout time.Duration
	// PingInterval is the interval for sending ping messages
	PingInterval time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		URL:            "ws://" + consts.DefaultListenAddr + "/ws",
		ConnectTimeout: consts.Timeout10Seconds,
		RequestTimeout: consts.Timeout60Seconds,
		WriteTimeout:   consts.WriteWait,
		PingInterval:   consts.PingPeriod,
	}
}

// Client is a bridge client
type Client struct {
	config *Config
	log    *logger.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
	lostCh chan struct{}
	state  atomic.Int32 // ConnectionState

	outgoing    chan []byte
	unsolicited chan *protocol.Response

	// pending holds the waiters of every context, oldest first
	pending   map[string][]chan *protocol.Response
	requestMu sync.Mutex

	connectionLostCallback func(error)

	wg        sync.WaitGroup
	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewClient creates a new client for the bridge at url
func NewClient(url string) (*Client, error) {
	config := DefaultConfig()
	config.URL = url
	return NewClientWithConfig(config)
}

// NewClientWithConfig creates a new client with custom configuration
func NewClientWithConfig(config *Config) (*Client, error) {
	if config.URL == "" {
		return nil, errors.New("bridge URL is required")
	}
	defaults := DefaultConfig()
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}

	c := &Client{
		config:      config,
		log:         logger.Global().WithPrefix("bridgeclient"),
		outgoing:    make(chan []byte, consts.SendQueueSize),
		unsolicited: make(chan *protocol.Response, consts.SendQueueSize),
		pending:     make(map[string][]chan *protocol.Response),
		stopCh:      make(chan struct{}),
	}
	c.state.Store(int32(StateDisconnected))
	return c, nil
}

// Connect dials the bridge
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("cannot connect in state %s", c.GetState())
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = c.config.ConnectTimeout

	header := http.Header{}
	if c.config.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	conn, resp, err := dialer.DialContext(ctx, c.config.URL, header)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("failed to connect to %s: unauthorized", c.config.URL)
		}
		return fmt.Errorf("failed to connect to %s: %w", c.config.URL, err)
	}
	lost := make(chan struct{})
	c.connMu.Lock()
	c.conn = conn
	c.lostCh = lost
	c.connMu.Unlock()
	c.state.Store(int32(StateConnected))

	c.wg.Add(2)
	go c.readPump(conn, lost)
	go c.writePump(conn, lost)
	return nil
}

// Close closes the connection and fails every pending request
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		connected := c.GetState() == StateConnected
		c.state.Store(int32(StateClosed))
		close(c.stopCh)

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn != nil {
			if connected {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(c.config.WriteTimeout))
			}
			err = conn.Close()
		}
		c.wg.Wait()

		c.requestMu.Lock()
		for _, waiters := range c.pending {
			for _, ch := range waiters {
				close(ch)
			}
		}
		c.pending = make(map[string][]chan *protocol.Response)
		c.requestMu.Unlock()

		close(c.unsolicited)
	})
	return err
}

// IsConnected returns true if the client is connected
func (c *Client) IsConnected() bool {
	return c.GetState() == StateConnected
}

// GetState returns the current connection state
func (c *Client) GetState() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Unsolicited delivers responses that answer no pending request. The
// channel is closed by Close.
func (c *Client) Unsolicited() <-chan *protocol.Response {
	return c.unsolicited
}

// SetConnectionLostCallback sets the callback for connection loss events
func (c *Client) SetConnectionLostCallback(fn func(error)) {
	c.connectionLostCallback = fn
}

// Do sends req and waits for the next response carrying its context id
func (c *Client) Do(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if !c.IsConnected() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.connMu.Lock()
	lost := c.lostCh
	c.connMu.Unlock()

	data, err := protocol.EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	ch := make(chan *protocol.Response, 1)
	c.requestMu.Lock()
	c.pending[req.ContextID] = append(c.pending[req.ContextID], ch)
	c.requestMu.Unlock()

	select {
	case c.outgoing <- data:
	case <-ctx.Done():
		c.forget(req.ContextID, ch)
		return nil, ctx.Err()
	case <-c.stopCh:
		return nil, ErrClosed
	case <-lost:
		c.forget(req.ContextID, ch)
		return nil, ErrConnectionLost
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(req.ContextID, ch)
		return nil, ctx.Err()
	case <-lost:
		c.forget(req.ContextID, ch)
		return nil, ErrConnectionLost
	}
}

func (c *Client) forget(contextID string, ch chan *protocol.Response) {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()
	waiters := c.pending[contextID]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(c.pending, contextID)
	} else {
		c.pending[contextID] = waiters
	}
}

// readPump reads responses from the connection
func (c *Client) readPump(conn *websocket.Conn, lost chan struct{}) {
	defer c.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopCh:
			default:
				c.handleConnectionError(conn, lost, err)
			}
			return
		}

		resp, err := protocol.DecodeResponse(data)
		if err != nil {
			c.log.Warn("Dropping invalid response: %v", err)
			continue
		}
		c.route(resp)
	}
}

// writePump writes queued requests and keeps the connection alive
func (c *Client) writePump(conn *websocket.Conn, lost chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-lost:
			return
		case data := <-c.outgoing:
			_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.handleConnectionError(conn, lost, err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.handleConnectionError(conn, lost, err)
				return
			}
		}
	}
}

// route hands resp to the oldest waiter of its context
func (c *Client) route(resp *protocol.Response) {
	c.requestMu.Lock()
	waiters := c.pending[resp.ContextID]
	var ch chan *protocol.Response
	if len(waiters) > 0 {
		ch = waiters[0]
		if len(waiters) == 1 {
			delete(c.pending, resp.ContextID)
		} else {
			c.pending[resp.ContextID] = waiters[1:]
		}
	}
	c.requestMu.Unlock()

	if ch != nil {
		ch <- resp
		return
	}

	select {
	case c.unsolicited <- resp:
	default:
		c.log.Warn("Unsolicited queue full, dropping %s for context %q", resp.Type, resp.ContextID)
	}
}

// handleConnectionError marks the connection lost. Pending requests fail
// with ErrConnectionLost and Connect may be called again.
func (c *Client) handleConnectionError(conn *websocket.Conn, lost chan struct{}, err error) {
	if !c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected)) {
		return
	}
	close(lost)
	_ = conn.Close()
	c.log.Warn("Connection lost: %v", err)
	if c.connectionLostCallback != nil {
		c.connectionLostCallback(err)
	}
}
