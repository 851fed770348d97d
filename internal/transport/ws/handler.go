// Package ws is the thin websocket transport collaborator spec.md
// §4.C8 places outside the core boundary but names explicitly: a
// connection registers with the room router via identify/subscribe
// and receives routed events on its send channel.
package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mwork/photofabric/internal/fabric"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// command is a client→server control message. identify binds the
// connection to a client/session; subscribe/unsubscribe join or leave
// a photo's room (spec.md §4.C8).
type command struct {
	Type      string `json:"type"`
	ClientID  string `json:"client_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	PhotoID   string `json:"photo_id,omitempty"`
}

// Handler upgrades HTTP requests to websocket connections and wires
// them into the fabric Router.
type Handler struct {
	router   *fabric.Router
	upgrader websocket.Upgrader
}

// NewHandler builds a Handler; allowedOrigins empty means allow all
// (development), matching the teacher's CheckOrigin default.
func NewHandler(router *fabric.Router, allowedOrigins []string) *Handler {
	return &Handler{
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, allowed := range allowedOrigins {
					if origin == allowed {
						return true
					}
				}
				log.Warn().Str("origin", origin).Msg("ws: origin rejected")
				return false
			},
		},
	}
}

// ServeHTTP upgrades the connection, registers it with the router, and
// starts its reader/writer pump goroutines.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws: upgrade failed")
		return
	}

	client := fabric.NewClient(uuid.NewString())
	h.router.Register(client)

	go h.writePump(conn, client)
	go h.readPump(conn, client)
}

func (h *Handler) readPump(conn *websocket.Conn, client *fabric.Client) {
	defer func() {
		h.router.Unregister(client)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("conn_id", client.ID).Msg("ws: read error")
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(message, &cmd); err != nil {
			continue
		}

		switch cmd.Type {
		case "identify":
			h.router.Identify(client, cmd.ClientID, cmd.SessionID)
		case "subscribe":
			if cmd.PhotoID != "" {
				h.router.Subscribe(client, cmd.PhotoID)
			}
		case "unsubscribe":
			if cmd.PhotoID != "" {
				h.router.Unsubscribe(client, cmd.PhotoID)
			}
		}
	}
}

func (h *Handler) writePump(conn *websocket.Conn, client *fabric.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
