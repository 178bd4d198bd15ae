package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/kiwari-pos/terminal/internal/bus"
)

// Event is a message pushed to connected UI windows.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Hub fans bus events out to every connected UI window. A terminal has a
// single room: every window sees every order, conflict, and alert event.
type Hub struct {
	events *bus.Bus

	register   chan *Client
	unregister chan *Client
	broadcast  chan Event

	mu      sync.Mutex
	clients map[*Client]bool
}

func NewHub(events *bus.Bus) *Hub {
	return &Hub{
		events:     events,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Event, 256),
		clients:    make(map[*Client]bool),
	}
}

// Run pumps registrations and broadcasts until ctx is cancelled.
// Call as a goroutine: go hub.Run(ctx)
func (h *Hub) Run(ctx context.Context) {
	forward := func(topic string) (<-chan bus.Event, func()) {
		return h.events.Subscribe(topic)
	}
	orderEvents, cancelOrders := forward(bus.TopicOrderUpdated)
	defer cancelOrders()
	conflictEvents, cancelConflicts := forward(bus.TopicConflictDetected)
	defer cancelConflicts()
	alertEvents, cancelAlerts := forward(bus.TopicAlertChanged)
	defer cancelAlerts()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case ev := <-orderEvents:
			h.send(Event{Type: "order.updated", Payload: ev.Payload})
		case ev := <-conflictEvents:
			h.send(Event{Type: "conflict.detected", Payload: ev.Payload})
		case ev := <-alertEvents:
			h.send(Event{Type: "alert.changed", Payload: ev.Payload})

		case ev := <-h.broadcast:
			h.send(ev)
		}
	}
}

// Broadcast queues an event for every connected window.
func (h *Hub) Broadcast(ev Event) {
	h.broadcast <- ev
}

func (h *Hub) send(ev Event) {
	message, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- message:
		default:
			// Window stopped draining; drop it.
			close(client.send)
			delete(h.clients, client)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}
