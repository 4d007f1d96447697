package signal

import (
	"sync"

	"liveclass/internal/core/domain"
)

// Sender delivers frames to one connection without blocking.
type Sender interface {
	Send(msg Outbound) bool
	Close()
}

// Hub indexes live connections by connection id, which is also the peer id
// the connection uses in every room it joins.
type Hub struct {
	mu      sync.RWMutex
	clients map[domain.PeerID]Sender
}

func NewHub() *Hub {
	return &Hub{clients: make(map[domain.PeerID]Sender)}
}

func (h *Hub) Register(id domain.PeerID, s Sender) {
	h.mu.Lock()
	h.clients[id] = s
	h.mu.Unlock()
}

func (h *Hub) Unregister(id domain.PeerID) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

// Send delivers msg to one connection. It reports false when the connection
// is gone or its queue is full.
func (h *Hub) Send(id domain.PeerID, msg Outbound) bool {
	h.mu.RLock()
	s, ok := h.clients[id]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return s.Send(msg)
}

// Broadcast delivers msg to every listed peer and returns how many accepted it.
func (h *Hub) Broadcast(peers []domain.PeerID, msg Outbound) int {
	delivered := 0
	for _, id := range peers {
		if h.Send(id, msg) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes every registered connection.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	senders := make([]Sender, 0, len(h.clients))
	for _, s := range h.clients {
		senders = append(senders, s)
	}
	h.mu.RUnlock()

	for _, s := range senders {
		s.Close()
	}
}
