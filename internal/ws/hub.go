package ws

import (
	"encoding/json"
	"sync"

	"example.com/backstage/services/monitor/internal/core"
	"github.com/sirupsen/logrus"
)

// Hub maintains the set of connected viewers and fans events out to them.
// It implements core.Broadcaster.
type Hub struct {
	// Registered viewers map: viewer ID -> Client
	clients map[string]*Client

	// Register requests
	register chan *Client

	// Unregister requests
	unregister chan *Client

	logger *logrus.Logger

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex
}

// NewHub creates a new Hub instance.
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[string]*Client),
		logger:     logger,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if old, ok := h.clients[client.id]; ok {
				close(old.send)
			}
			h.clients[client.id] = client
			h.mu.Unlock()
			h.logger.WithField("viewer_id", client.id).Debug("Viewer connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.WithField("viewer_id", client.id).Debug("Viewer disconnected")
		}
	}
}

// ViewerCount returns the number of connected viewers.
func (h *Hub) ViewerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends an event to every connected viewer. A viewer whose send
// buffer is full is skipped; delivery never blocks the caller.
func (h *Hub) Broadcast(event core.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.WithError(err).WithField("event_type", event.Type).Error("Failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, client := range h.clients {
		select {
		case client.send <- payload:
		default:
			h.logger.WithFields(logrus.Fields{
				"viewer_id":  id,
				"event_type": event.Type,
			}).Warn("Viewer send buffer full, event dropped")
		}
	}
}
