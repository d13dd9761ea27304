package web

import (
	"sync"

	"github.com/codefionn/paybridge/internal/logger"
)

// ConnectionObserver is notified when clients come and go
type ConnectionObserver interface {
	ConnectionOpened()
	ConnectionClosed()
}

type nopConnectionObserver struct{}

func (nopConnectionObserver) ConnectionOpened() {}
func (nopConnectionObserver) ConnectionClosed() {}

// Hub maintains the set of active clients
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	quit       chan struct{}
	stopOnce   sync.Once
	observer   ConnectionObserver
	log        *logger.Logger
}

// NewHub creates a new hub. observer may be nil.
func NewHub(observer ConnectionObserver) *Hub {
	if observer == nil {
		observer = nopConnectionObserver{}
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		observer:   observer,
		log:        logger.Global().WithPrefix("hub"),
	}
}

// Run starts the hub
func (h *Hub) Run() {
	h.log.Info("WebSocket hub started")
	defer h.log.Info("WebSocket hub stopped")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.observer.ConnectionOpened()
			h.log.Debug("Client registered: %s", client.ID)

		case client := <-h.unregister:
			h.remove(client)

		case <-h.quit:
			h.mu.Lock()
			clients := h.clients
			h.clients = make(map[*Client]bool)
			h.mu.Unlock()
			for client := range clients {
				client.closeSend()
				h.observer.ConnectionClosed()
			}
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	client.closeSend()
	if ok {
		h.observer.ConnectionClosed()
		h.log.Debug("Client unregistered: %s", client.ID)
	}
}

// Stop stops the hub and closes every client's send queue, which makes
// the write pumps close their connections
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// Register registers a new client. It returns false once the hub stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.quit:
		return false
	}
}

// Unregister unregisters a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
		client.closeSend()
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
