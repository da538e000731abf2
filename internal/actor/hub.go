package actor

import (
	"sync"

	"github.com/eldtechnologies/chatmesh/internal/delivery"
)

// Hub is the registry of authenticated actors on this server. A user may
// hold several connections at once; each receives every push.
type Hub struct {
	mu    sync.RWMutex
	users map[int64]map[*Actor]struct{}
	count int
}

func NewHub() *Hub {
	return &Hub{users: make(map[int64]map[*Actor]struct{})}
}

// Attach registers a for userID.
func (h *Hub) Attach(userID int64, a *Actor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.users[userID]
	if !ok {
		set = make(map[*Actor]struct{})
		h.users[userID] = set
	}
	if _, dup := set[a]; !dup {
		set[a] = struct{}{}
		h.count++
	}
}

// Detach removes a. It reports whether userID still has other actors here.
func (h *Hub) Detach(userID int64, a *Actor) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.users[userID]
	if !ok {
		return false
	}
	if _, ok := set[a]; ok {
		delete(set, a)
		h.count--
	}
	if len(set) == 0 {
		delete(h.users, userID)
		return false
	}
	return true
}

// Deliver queues push on every actor of userID and reports whether at
// least one accepted it.
func (h *Hub) Deliver(userID int64, push delivery.Push) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := false
	for a := range h.users[userID] {
		if a.enqueuePush(push) {
			delivered = true
		}
	}
	return delivered
}

// Broadcast queues push on every actor and returns how many accepted it.
func (h *Hub) Broadcast(push delivery.Push) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.users {
		for a := range set {
			if a.enqueuePush(push) {
				n++
			}
		}
	}
	return n
}

// Count returns the number of attached actors.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Online reports whether userID has an actor here.
func (h *Hub) Online(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// Users returns the number of distinct users with an actor here.
func (h *Hub) Users() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

// CloseAll closes every attached actor. Used on shutdown when actors are
// not driven by a shared context.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var all []*Actor
	for _, set := range h.users {
		for a := range set {
			all = append(all, a)
		}
	}
	h.mu.RUnlock()
	for _, a := range all {
		a.Close()
	}
}

var _ delivery.LocalHub = (*Hub)(nil)
