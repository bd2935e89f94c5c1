// Package websocket mirrors the project event stream over WebSocket for
// clients that prefer a socket to SSE. Connections are read-mostly: the
// server pushes event frames, the client only answers pings.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/bitk/bitk/internal/common/logger"
)

// Hub tracks live WebSocket clients and closes them on shutdown.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client

	mu  sync.Mutex
	log *logger.Logger
}

// NewHub creates a WebSocket hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        log.WithFields(zap.String("component", "ws-hub")),
	}
}

// Run processes client registration until the context is cancelled, then
// closes every connection.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("WebSocket hub started")
	defer h.log.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("Client registered",
				zap.String("client_id", client.ID),
				zap.String("project_id", client.ProjectID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.teardown()
		h.log.Debug("Client unregistered", zap.String("client_id", client.ID))
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.teardown()
		delete(h.clients, client)
	}
}
