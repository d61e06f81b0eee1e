// Package hub tracks which sockets belong to which user. A user may hold any
// number of sockets (one per device); a user with none has no entry.
package hub

import (
	"sort"
	"sync"
)

type Hub struct {
	mu      sync.RWMutex
	sockets map[string]map[string]struct{}
}

func New() *Hub {
	return &Hub{sockets: make(map[string]map[string]struct{})}
}

func (h *Hub) Register(userID, socketID string) {
	if userID == "" || socketID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sockets[userID] == nil {
		h.sockets[userID] = make(map[string]struct{})
	}
	h.sockets[userID][socketID] = struct{}{}
}

// Unregister removes socketID and reports whether it was the user's last one.
func (h *Hub) Unregister(userID, socketID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.sockets[userID]
	if set == nil {
		return false
	}
	delete(set, socketID)
	if len(set) == 0 {
		delete(h.sockets, userID)
		return true
	}
	return false
}

func (h *Hub) Sockets(userID string) []string {
	h.mu.RLock()
	set := h.sockets[userID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sockets[userID]) > 0
}

func (h *Hub) Users() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sockets)
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.sockets {
		n += len(set)
	}
	return n
}

// All returns every registered socket id across users.
func (h *Hub) All() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.sockets))
	for _, set := range h.sockets {
		for id := range set {
			ids = append(ids, id)
		}
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
