package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"vigil/internal/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 256 * 1024, // progress events carry base64 keyframes
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades progress-stream requests and attaches them to the
// hub. Expected URL format: /ws/sessions/{session_id}
type Handler struct {
	hub *ProgressHub
}

func NewHandler(hub *ProgressHub) *Handler {
	return &Handler{hub: hub}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/ws/sessions/")
	sessionID := strings.TrimSuffix(path, "/")
	if sessionID == "" {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		lg := log.WithComponent("ws")
		lg.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	h.hub.Register(sessionID, conn)
	go h.readPump(sessionID, conn)
}

// readPump keeps the connection alive and detects client disconnects.
// Clients are listeners only; anything they send is discarded.
func (h *Handler) readPump(sessionID string, conn *websocket.Conn) {
	defer func() {
		h.hub.Unregister(sessionID, conn)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
