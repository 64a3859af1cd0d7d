package realtime

import (
	"log/slog"
	"sync"
)

// Hub is the local connection registry, keyed by connection id. It exists so
// an admitting connection can deliver superseded notices to displaced
// connections that live on the same instance. Connections displaced on other
// instances time out of the kv sets via their entry TTL.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:     log,
		clients: make(map[string]*Client),
	}
}

// Register adds an admitted client to the registry.
func (h *Hub) Register(c *Client) {
	if c == nil || c.ConnID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ConnID] = c
}

// Unregister removes a client by connection id. Safe to call for ids that
// were never registered.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, connID)
}

// Get returns the local client for a connection id, if any.
func (h *Hub) Get(connID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connID]
	return c, ok
}

// Len reports how many connections are registered on this instance.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
