package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// subscriber wraps one websocket connection with a write lock. gorilla allows
// a single concurrent writer per connection, and broadcasts arrive from
// session callbacks on independent goroutines.
type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *subscriber) writeJSON(payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(payload)
}

func (s *subscriber) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Hub tracks websocket subscribers of the session event feed.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*subscriber
}

func NewHub() *Hub {
	return &Hub{conns: map[string]*subscriber{}}
}

// Add registers a connection and returns its wrapper. All writes to the
// connection must go through the wrapper.
func (h *Hub) Add(id string, c *websocket.Conn) *subscriber {
	sub := &subscriber{conn: c}
	h.mu.Lock()
	h.conns[id] = sub
	h.mu.Unlock()
	return sub
}

func (h *Hub) Remove(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast writes one JSON payload to every subscriber. Connections that
// fail the write are dropped from the hub.
func (h *Hub) Broadcast(payload any) {
	h.mu.RLock()
	subs := make(map[string]*subscriber, len(h.conns))
	for id, sub := range h.conns {
		subs[id] = sub
	}
	h.mu.RUnlock()

	var dead []string
	for id, sub := range subs {
		if err := sub.writeJSON(payload); err != nil {
			dead = append(dead, id)
		}
	}

	for _, id := range dead {
		h.mu.Lock()
		sub, ok := h.conns[id]
		delete(h.conns, id)
		h.mu.Unlock()
		if ok {
			sub.conn.Close()
		}
	}
}
