package realtime

import (
	"context"
	"sync"
)

// Client is one live session of a user.
type Client struct {
	UserID string
	Send   chan Message
}

// Hub tracks live sessions per user.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	dropped uint64
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*Client]struct{})}
}

func (h *Hub) Register(userID string, buffer int) *Client {
	c := &Client{UserID: userID, Send: make(chan Message, buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[userID] = set
	}
	set[c] = struct{}{}
	return c
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.UserID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.Send)
	if len(set) == 0 {
		delete(h.clients, c.UserID)
	}
}

// Deliver hands msg to every session of msg.UserID. A session whose buffer
// is full misses the message; it can catch up through the polling API.
func (h *Hub) Deliver(msg Message) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for c := range h.clients[msg.UserID] {
		select {
		case c.Send <- msg:
			delivered++
		default:
			h.dropped++
		}
	}
	return delivered
}

// Push lets the hub stand in for Redis when relay and gateway share a process.
func (h *Hub) Push(_ context.Context, msg Message) error {
	h.Deliver(msg)
	return nil
}

func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}
