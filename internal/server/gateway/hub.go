package gateway

import (
	"sync"

	"github.com/chakresh/securechat/internal/server/presence"
)

// Hub indexes live connections by user identity and by group subscription,
// and fans events out to them. It satisfies relay.Publisher.
type Hub struct {
	mu     sync.Mutex
	users  map[string]map[*Conn]struct{}
	groups map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{
		users:  make(map[string]map[*Conn]struct{}),
		groups: make(map[string]map[*Conn]struct{}),
	}
}

// PresenceNotifier adapts the hub for the presence tracker: every snapshot
// is broadcast to all connected parties as an onlineUsers event.
func PresenceNotifier(h *Hub) func(presence.Snapshot) {
	return func(s presence.Snapshot) {
		h.Broadcast(evtOnlineUsers, s)
	}
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.users[c.userID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.users[c.userID] = set
	}
	set[c] = struct{}{}
}

// remove detaches the connection from every index and closes its send
// channel. After remove returns no further events can reach the connection.
func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.users[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.users, c.userID)
		}
	}
	for groupID := range c.groups {
		h.leaveLocked(c, groupID)
	}

	close(c.send)
}

func (h *Hub) join(c *Conn, groupID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.groups[groupID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.groups[groupID] = set
	}
	set[c] = struct{}{}
	c.groups[groupID] = struct{}{}
}

func (h *Hub) leave(c *Conn, groupID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, groupID)
}

func (h *Hub) leaveLocked(c *Conn, groupID string) {
	if set, ok := h.groups[groupID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.groups, groupID)
		}
	}
	delete(c.groups, groupID)
}

// ToUser delivers an event to every connection the user currently holds.
// Absent recipients are not an error.
func (h *Hub) ToUser(userID, event string, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.users[userID] {
		c.enqueue(Envelope{Event: event, Data: data})
	}
}

// ToGroup delivers an event to every connection subscribed to the group.
func (h *Hub) ToGroup(groupID, event string, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.groups[groupID] {
		c.enqueue(Envelope{Event: event, Data: data})
	}
}

// Broadcast delivers an event to every connection.
func (h *Hub) Broadcast(event string, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, set := range h.users {
		for c := range set {
			c.enqueue(Envelope{Event: event, Data: data})
		}
	}
}
