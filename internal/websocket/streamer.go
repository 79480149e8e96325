// Package websocket streams lifecycle events to connected dashboard clients.
package websocket

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/regdoc/backend/internal/events"
)

// Streamer manages WebSocket connections and forwards every event bus
// envelope to each connected client.
type Streamer struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan *events.Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *log.Logger
}

// NewStreamer creates a streamer subscribed to every event on the bus.
func NewStreamer(bus *events.Bus) *Streamer {
	s := &Streamer{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan *events.Event, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: log.New(log.Writer(), "[STREAM] ", log.LstdFlags),
	}
	if bus != nil {
		ch := bus.Subscribe()
		go func() {
			for ev := range ch {
				select {
				case s.broadcast <- ev:
				default:
					// Slow hub; the dashboard catches up on refresh.
				}
			}
		}()
	}
	return s
}

// Run starts the hub loop.
func (s *Streamer) Run() {
	for {
		select {
		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("📡 Client connected (total: %d)", total)

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				client.Close()
			}
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("📡 Client disconnected (total: %d)", total)

		case ev := <-s.broadcast:
			s.mu.Lock()
			for client := range s.clients {
				if err := client.WriteJSON(ev); err != nil {
					client.Close()
					delete(s.clients, client)
				}
			}
			s.mu.Unlock()
		}
	}
}

// HandleWebSocket upgrades the request and registers the client.
func (s *Streamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("⚠️ Upgrade error: %v", err)
		return
	}
	s.register <- conn

	go func() {
		defer func() { s.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Broadcast queues one event for delivery to every client.
func (s *Streamer) Broadcast(ev *events.Event) {
	select {
	case s.broadcast <- ev:
	default:
	}
}

// Statistics reports hub state for the health endpoint.
func (s *Streamer) Statistics() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"connected_clients": len(s.clients),
		"broadcast_queue":   len(s.broadcast),
	}
}
