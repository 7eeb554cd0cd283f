// Package events streams bulk lifecycle updates to WebSocket subscribers.
// Operations dashboards connect to /ws and receive one message per status
// change of any bulk request.
package events

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/paynet/bulk-transfers/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // internal tooling, no origin restriction
	},
}

// BulkEvent is one lifecycle update pushed to subscribers.
type BulkEvent struct {
	BulkID         string    `json:"bulk_id"`
	Status         string    `json:"status"`
	ProcessedCents int64     `json:"processed_amount_cents"`
	TotalCents     int64     `json:"total_amount_cents"`
	Timestamp      time.Time `json:"timestamp"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub manages WebSocket subscribers and fans bulk events out to them.
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	mu         sync.RWMutex
}

// NewHub creates a hub; Run must be started before subscribers connect.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
	}
}

// Run is the hub event loop, handling subscriptions and fan-out.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			log.Printf("[events] subscriber connected, total=%d", h.count())

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			log.Printf("[events] subscriber disconnected, total=%d", h.count())

		case message := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					// Subscriber cannot keep up, drop it.
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BulkUpdated publishes one lifecycle event for the bulk. It never blocks:
// if the broadcast buffer is full the event is dropped.
func (h *Hub) BulkUpdated(bulk *store.BulkRequest) {
	evt := BulkEvent{
		BulkID:         bulk.RequestUUID.String(),
		Status:         string(bulk.Status),
		ProcessedCents: bulk.ProcessedAmountCents,
		TotalCents:     bulk.TotalAmountCents,
		Timestamp:      time.Now().UTC(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		log.Printf("[events] failed to marshal event: %v", err)
		return
	}

	select {
	case h.broadcast <- data:
	default:
		log.Println("[events] broadcast buffer full, event dropped")
	}
}

// ServeHTTP upgrades the connection and registers the subscriber.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[events] upgrade failed: %v", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}
	h.register <- c

	go c.writePump()
	c.readPump()
}

// writePump delivers queued events and keeps the connection alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
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

// readPump drains the connection for pongs and detects disconnects.
func (c *client) readPump() {
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
			break
		}
	}
}
