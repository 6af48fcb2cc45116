// Package ws is a broadcast hub: a single goroutine fans out device and
// task events to every connected dashboard client over
// github.com/gorilla/websocket.
package ws

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Message is one event broadcast to every connected client.
type Message struct {
	Type      string      `json:"type"`
	DeviceID  string      `json:"deviceId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

const (
	EventDeviceOnline   = "device_online"
	EventDeviceOffline  = "device_offline"
	EventTaskDispatched = "task_dispatched"
	EventTaskCompleted  = "task_completed"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub tracks connected clients and fans out broadcast messages to each.
type Hub struct {
	clients    map[*websocket.Conn]bool
	mu         sync.Mutex
	broadcast  chan Message
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
}

// NewHub builds an unstarted Hub; call Run to begin serving it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Message, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run processes registrations and broadcasts in a loop that never
// returns; it is meant to be started with `go hub.Run()`.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteJSON(msg); err != nil {
					log.Printf("ws: write failed, dropping client: %v", err)
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues msg for delivery to every connected client.
func (h *Hub) Broadcast(msg Message) {
	msg.Timestamp = time.Now().UTC()
	select {
	case h.broadcast <- msg:
	default:
		log.Printf("ws: broadcast channel full, dropping %s event", msg.Type)
	}
}

// HandleWebSocket upgrades an HTTP request to a websocket connection and
// registers it with hub for the lifetime of the connection.
func HandleWebSocket(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}
	hub.register <- conn

	defer func() { hub.unregister <- conn }()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
