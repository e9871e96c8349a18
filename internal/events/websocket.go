package events

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// WSHandler bridges the hub onto websocket connections.
type WSHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSHandler creates a handler serving hub subscriptions over
// websockets.
func NewWSHandler(hub *Hub, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Cross-origin dashboards are expected; auth happens at the
			// HTTP layer before the upgrade.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("subsystem", "events"),
	}
}

// ServeHTTP upgrades the request and streams events for the rooms named
// in the repeated ?room= query parameter. No rooms means everything.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	rooms := r.URL.Query()["room"]
	sub := h.hub.Subscribe(rooms...)
	h.logger.Info("subscriber connected", "remote", r.RemoteAddr, "rooms", rooms)

	go h.writePump(conn, sub)
	h.readPump(conn, sub)
}

// readPump drains and discards client frames, watching for close.
func (h *WSHandler) readPump(conn *websocket.Conn, sub *Subscription) {
	defer func() {
		sub.Close()
		conn.Close()
	}()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump forwards hub messages and keeps the connection alive.
func (h *WSHandler) writePump(conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case msg, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
