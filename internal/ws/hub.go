package ws

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"rental-chat/internal/models"
	"rental-chat/internal/observability"
)

// Hub maintains active websocket rooms. A client can be in any number of rooms.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]struct{}
	rooms       map[string]map[*Client]struct{}
	memberships map[*Client]map[string]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients:     make(map[*Client]struct{}),
		rooms:       make(map[string]map[*Client]struct{}),
		memberships: make(map[*Client]map[string]struct{}),
	}
}

// Register tracks a connected client so Close can reach it.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

// Unregister forgets the client and removes it from every room.
func (h *Hub) Unregister(c *Client) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	return h.leaveAllLocked(c)
}

// Join adds the client to a room. Joining twice is a no-op.
func (h *Hub) Join(room string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][c] = struct{}{}
	if _, ok := h.memberships[c]; !ok {
		h.memberships[c] = make(map[string]struct{})
	}
	h.memberships[c][room] = struct{}{}
}

// Leave removes the client from a room.
func (h *Hub) Leave(room string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(room, c)
}

// LeaveAll removes the client from every room and returns the rooms it was in.
func (h *Hub) LeaveAll(c *Client) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveAllLocked(c)
}

func (h *Hub) leaveAllLocked(c *Client) []string {
	var left []string
	for room := range h.memberships[c] {
		left = append(left, room)
		h.leaveLocked(room, c)
	}
	delete(h.memberships, c)
	return left
}

func (h *Hub) leaveLocked(room string, c *Client) {
	if clients, ok := h.rooms[room]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
	if rooms, ok := h.memberships[c]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(h.memberships, c)
		}
	}
}

// InRoom reports whether the client is a member of room.
func (h *Hub) InRoom(room string, c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][c]
	return ok
}

// RoomSize returns the number of clients in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Publish sends an event to every client in the given rooms, once per client.
func (h *Hub) Publish(event string, payload any, rooms ...string) {
	h.PublishExcept(nil, event, payload, rooms...)
}

// PublishExcept is Publish that skips one client, usually the originator.
// It never blocks: clients whose queue is full miss the event.
func (h *Hub) PublishExcept(except *Client, event string, payload any, rooms ...string) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		log.Printf("websocket encode failed event=%s: %v", event, err)
		return
	}

	h.mu.RLock()
	targets := make(map[*Client]struct{})
	for _, room := range rooms {
		for c := range h.rooms[room] {
			if c != except {
				targets[c] = struct{}{}
			}
		}
	}
	h.mu.RUnlock()

	for c := range targets {
		if !c.enqueue(frame) {
			observability.IncWSDropped(event)
			log.Printf("websocket event dropped event=%s conn_id=%s user=%s", event, c.Info.ConnID, c.User)
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.closeWith(websocket.CloseGoingAway, "server shutdown")
	}
}

func encodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.Envelope{Event: event, Data: data})
}
