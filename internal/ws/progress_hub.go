// Package ws fans session progress events out to WebSocket clients,
// so external surfaces can watch a session without touching the
// engine.
package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"vigil/internal/log"
)

// ProgressHub manages WebSocket connections per session id.
type ProgressHub struct {
	// clients maps session_id -> set of connections
	clients map[string]map[*websocket.Conn]bool
	mu      sync.RWMutex
	logger  zerolog.Logger
}

// NewProgressHub creates an empty hub.
func NewProgressHub() *ProgressHub {
	return &ProgressHub{
		clients: make(map[string]map[*websocket.Conn]bool),
		logger:  log.WithComponent("ws"),
	}
}

// Register adds a connection for a session.
func (h *ProgressHub) Register(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[sessionID] == nil {
		h.clients[sessionID] = make(map[*websocket.Conn]bool)
	}
	h.clients[sessionID][conn] = true
	h.logger.Debug().Str("session_id", sessionID).Int("total", len(h.clients[sessionID])).Msg("client registered")
}

// Unregister removes a connection for a session.
func (h *ProgressHub) Unregister(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[sessionID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.clients, sessionID)
		}
		h.logger.Debug().Str("session_id", sessionID).Msg("client unregistered")
	}
}

// HasClients reports whether any client watches the session.
func (h *ProgressHub) HasClients(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns, ok := h.clients[sessionID]
	return ok && len(conns) > 0
}

// Broadcast sends one JSON-marshalable event to every client watching
// the session. Write failures drop the client.
func (h *ProgressHub) Broadcast(sessionID string, event any) {
	if !h.HasClients(sessionID) {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", sessionID).Msg("marshaling progress event")
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients[sessionID]))
	for conn := range h.clients[sessionID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Warn().Err(err).Str("session_id", sessionID).Msg("dropping slow client")
			h.Unregister(sessionID, conn)
			conn.Close()
		}
	}
}

// ClientCount returns the total number of connected clients.
func (h *ProgressHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}
