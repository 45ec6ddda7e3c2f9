// Package websocket exposes the hub's event stream to WebSocket
// clients. The Hub fans every bridged event out to all connected
// clients; slow clients are dropped rather than allowed to stall the
// broadcast loop.
package websocket

import (
	"context"
	"sync"

	"github.com/relayhub/relayhub/internal/common/logger"
	"go.uber.org/zap"
)

// Hub manages all WebSocket client connections.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	mu     sync.Mutex
	logger *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's processing loop. Blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case data := <-h.broadcast:
			h.broadcastData(data)
		}
	}
}

// Send queues one wire message for broadcast. It satisfies the event
// bridge's sink interface and never blocks the emitter.
func (h *Hub) Send(data []byte) error {
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("broadcast queue full, dropping event")
	}
	return nil
}

// Register hands a new client to the hub loop.
func (h *Hub) Register(c *Client) { h.register <- c }

// Unregister removes a client from the hub loop.
func (h *Hub) Unregister(c *Client) { h.unregister <- c }

func (h *Hub) broadcastData(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Slow client: drop it rather than stall the loop.
			delete(h.clients, client)
			close(client.send)
			h.logger.Warn("dropping slow client", zap.String("client_id", client.ID))
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
