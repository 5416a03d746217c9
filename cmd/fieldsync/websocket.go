// Package main WebSocket status push for local UI clients.
package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ecofield/fieldsync/internal/logging"
	"github.com/ecofield/fieldsync/internal/sync"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Only the local UI may connect.
		return strings.HasPrefix(r.Host, "localhost") || strings.HasPrefix(r.Host, "127.0.0.1")
	},
}

// EventSyncStatus is the envelope type for status snapshots.
const EventSyncStatus = "sync.status"

// WSEnvelope wraps all WebSocket messages.
type WSEnvelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub
}

// WSHub maintains active client connections and broadcasts status snapshots.
// A newly connected client immediately receives the last snapshot so the UI
// never starts blank.
type WSHub struct {
	clients    map[string]*WSClient
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	stop       chan struct{}
	log        *logging.Logger

	// last is only touched from the run loop.
	last []byte
}

// NewWSHub creates a hub and starts its run loop.
func NewWSHub(log *logging.Logger) *WSHub {
	if log == nil {
		log = logging.Get()
	}
	hub := &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		stop:       make(chan struct{}),
		log:        log.WithComponent("ws"),
	}
	go hub.run()
	return hub
}

// run manages client connections and broadcasts.
func (h *WSHub) run() {
	for {
		select {
		case <-h.stop:
			for _, client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[string]*WSClient)
			return

		case client := <-h.register:
			h.clients[client.id] = client
			if h.last != nil {
				client.send <- h.last
			}
			h.log.Debug("client connected", map[string]interface{}{"id": client.id, "total": len(h.clients)})

		case client := <-h.unregister:
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}

		case message := <-h.broadcast:
			h.last = message
			for id, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client send buffer is full, drop the connection.
					close(client.send)
					delete(h.clients, id)
				}
			}
		}
	}
}

// PushStatus implements app.StatusSink: every snapshot is broadcast to all
// connected UI clients.
func (h *WSHub) PushStatus(s sync.Snapshot) {
	envelope := WSEnvelope{
		Type:      EventSyncStatus,
		Data:      s,
		Timestamp: time.Now().Unix(),
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		h.log.Error("failed to marshal status", err)
		return
	}

	select {
	case h.broadcast <- data:
	case <-h.stop:
	}
}

// Stop shuts the hub down and disconnects all clients.
func (h *WSHub) Stop() {
	close(h.stop)
}

// readPump drains the connection until it closes.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleWebSocket handles WebSocket upgrade requests.
func HandleWebSocket(hub *WSHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		client := &WSClient{
			id:   time.Now().Format("20060102150405.000000") + "-" + r.RemoteAddr,
			conn: conn,
			send: make(chan []byte, 256),
			hub:  hub,
		}

		hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}
