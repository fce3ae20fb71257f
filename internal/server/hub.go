package server

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tarrragon/book-overview-v1-sub017/internal/logging"
	"github.com/tarrragon/book-overview-v1-sub017/pkg/types"
)

// ProgressHub broadcasts batch progress frames to subscribed websocket
// clients. Delivery is best-effort: a slow client is dropped rather
// than stalling the resolve path.
type ProgressHub struct {
	logger   logging.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan types.BatchProgress
}

// NewProgressHub creates the hub.
func NewProgressHub(logger logging.Logger) *ProgressHub {
	return &ProgressHub{
		logger: logger.WithComponent("progress-hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Progress frames carry no secrets; origin checks belong to
			// the deployment's reverse proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan types.BatchProgress),
	}
}

// HandleUpgrade upgrades the request and streams progress frames until
// the client disconnects.
func (h *ProgressHub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err.Error())
		return
	}

	ch := make(chan types.BatchProgress, 16)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	go h.writeLoop(conn, ch)
	go h.readLoop(conn)
}

func (h *ProgressHub) writeLoop(conn *websocket.Conn, ch chan types.BatchProgress) {
	defer h.drop(conn)
	for progress := range ch {
		if err := conn.WriteJSON(progress); err != nil {
			return
		}
	}
}

// readLoop discards inbound frames; it exists to observe close frames.
func (h *ProgressHub) readLoop(conn *websocket.Conn) {
	defer h.drop(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast fans a progress frame out to every subscriber.
func (h *ProgressHub) Broadcast(progress types.BatchProgress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- progress:
		default:
			// Back-pressured client; disconnect it.
			delete(h.clients, conn)
			close(ch)
			_ = conn.Close()
		}
	}
}

func (h *ProgressHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(ch)
	}
	h.mu.Unlock()
	_ = conn.Close()
}

// Shutdown closes all client connections.
func (h *ProgressHub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		delete(h.clients, conn)
		close(ch)
		_ = conn.Close()
	}
}
