package statusapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// Hub fans a status update out to every subscribed /status/stream
// connection. A single flat set rather than a per-topic subscription map:
// every subscriber here wants the same one thing, the current status.
type Hub struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}
	log   *slog.Logger
}

func newHub(log *slog.Logger) *Hub {
	return &Hub{conns: make(map[*websocket.Conn]struct{}), log: log}
}

func (h *Hub) subscribe(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = struct{}{}
}

func (h *Hub) unsubscribe(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

// broadcast sends status as a JSON text frame to every subscriber. Plain
// JSON, no binary envelope framing: there is no multiplexed protocol here,
// just one message type pushed to one topic.
func (h *Hub) broadcast(status any) {
	data, err := json.Marshal(status)
	if err != nil {
		h.log.Error("statusapi: marshal status for broadcast failed", "err", err)
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		_ = c.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			h.log.Warn("statusapi: stream write failed, dropping subscriber", "err", err)
			h.unsubscribe(c)
			_ = c.Close()
		}
	}
}

// serveWS upgrades the connection and holds it open until the client
// disconnects; the worker pushes data via broadcast, this handler never
// reads application messages from the client.
func (h *Hub) serveWS(allowedOrigins []string) http.HandlerFunc {
	allowAll := len(allowedOrigins) == 0
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowedOrigins {
				if o == origin {
					return true
				}
			}
			return false
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Error("statusapi: ws upgrade failed", "err", err)
			return
		}
		h.subscribe(conn)
		defer func() {
			h.unsubscribe(conn)
			_ = conn.Close()
		}()

		// Discard anything the client sends; a read error (including a
		// close frame) is how we notice the client went away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}
