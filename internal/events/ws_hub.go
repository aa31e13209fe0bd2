package events

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/modelrouter/internal/metrics"
)

const maxWSConnections = 200

// wireEvent is the JSON shape broadcast to attached consoles.
type wireEvent struct {
	Kind   Kind   `json:"kind"`
	TaskID string `json:"taskId,omitempty"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Hub fans the executor's event bus out over websocket connections —
// one broadcaster feeding every attached console, rather than one
// goroutine per connection.
type Hub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	outbound   chan wireEvent
	mu         sync.RWMutex
}

// NewHub constructs a Hub subscribed to bus.
func NewHub(bus *Bus) *Hub {
	h := &Hub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		outbound:   make(chan wireEvent, 64),
	}
	bus.Subscribe(func(e Event) {
		we := wireEvent{Kind: e.Kind, Result: e.Result, Error: e.Error}
		if e.Task != nil {
			we.TaskID = e.Task.ID
		}
		select {
		case h.outbound <- we:
		default:
			log.Printf("events: hub outbound buffer full, dropping event %s", e.Kind)
		}
	})
	return h
}

// Run drives the hub's single broadcaster loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				continue
			}
			h.clients[conn] = true
			h.mu.Unlock()
			metrics.WSConnectedConsoles.Set(float64(h.ClientCount()))
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
			metrics.WSConnectedConsoles.Set(float64(h.ClientCount()))
		case we := <-h.outbound:
			h.broadcast(we)
		}
	}
}

func (h *Hub) broadcast(we wireEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(we); err != nil {
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
	metrics.WSConnectedConsoles.Set(0)
}

// Register attaches a new client connection.
func (h *Hub) Register(conn *websocket.Conn) { h.register <- conn }

// Unregister detaches a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

// ClientCount reports the number of attached consoles.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
