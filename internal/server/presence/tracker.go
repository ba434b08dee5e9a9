// Package presence tracks which users are reachable right now and what their
// connected clients report they can decrypt. All state is in-memory only and
// rebuilt from zero on restart: it is a cache of "now", not history.
package presence

import (
	"sync"
	"time"
)

// Capability is a connected client's self-reported crypto ability. It is
// trusted as far as the connection identity is trusted and no further; the
// relay uses it only to avoid sending ciphertext to a client that says it
// cannot decrypt.
type Capability struct {
	HasPrivateKey bool `json:"hasPrivateKey"`
	HasWebCrypto  bool `json:"hasWebCrypto"`
}

// Snapshot is the full reachability picture broadcast to all parties after
// every change. LastSeen only carries users with zero open connections.
type Snapshot struct {
	Online   []string             `json:"online"`
	LastSeen map[string]time.Time `json:"lastSeen"`
}

// Tracker owns the presence and capability maps. Every operation is atomic:
// the maps never escape, and the notifier observes snapshots in mutation
// order. A user is either online with at least one connection or offline with
// a last-seen mark, never both.
type Tracker struct {
	mu       sync.Mutex
	conns    map[string]map[string]struct{}
	lastSeen map[string]time.Time
	caps     map[string]Capability

	notify func(Snapshot)
	now    func() time.Time
}

// NewTracker creates an empty tracker. The notifier is invoked after every
// mutating operation with the updated snapshot; it must not call back into
// the tracker. A nil notifier disables notifications.
func NewTracker(notify func(Snapshot)) *Tracker {
	return &Tracker{
		conns:    make(map[string]map[string]struct{}),
		lastSeen: make(map[string]time.Time),
		caps:     make(map[string]Capability),
		notify:   notify,
		now:      time.Now,
	}
}

// Register adds a connection handle to the user's set and clears any
// last-seen mark.
func (t *Tracker) Register(userID, connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		t.conns[userID] = set
	}
	set[connID] = struct{}{}
	delete(t.lastSeen, userID)

	t.notifyLocked()
}

// Unregister removes a connection handle. When the last connection goes away
// the current time is stamped as last-seen and the capability record is
// evicted: capability is meaningful only while connected.
func (t *Tracker) Unregister(userID, connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.conns[userID]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(t.conns, userID)
		t.lastSeen[userID] = t.now()
		delete(t.caps, userID)
	}

	t.notifyLocked()
}

// SetCapability replaces the capability record for a connected user. Reports
// from users without an open connection are ignored.
func (t *Tracker) SetCapability(userID string, c Capability) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.conns[userID]; !ok {
		return
	}
	t.caps[userID] = c

	t.notifyLocked()
}

// IsOnline reports whether the user has at least one open connection.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns[userID]) > 0
}

// Capability returns the user's current capability record, if any.
func (t *Tracker) Capability(userID string) (Capability, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.caps[userID]
	return c, ok
}

// Connections returns the handles currently open for the user.
func (t *Tracker) Connections(userID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.conns[userID]))
	for id := range t.conns[userID] {
		out = append(out, id)
	}
	return out
}

// Snapshot returns a copy of the online set and last-seen map.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	snap := Snapshot{
		Online:   make([]string, 0, len(t.conns)),
		LastSeen: make(map[string]time.Time, len(t.lastSeen)),
	}
	for id := range t.conns {
		snap.Online = append(snap.Online, id)
	}
	for id, ts := range t.lastSeen {
		snap.LastSeen[id] = ts
	}
	return snap
}

// notifyLocked runs under mu so concurrent mutations cannot deliver
// snapshots out of order.
func (t *Tracker) notifyLocked() {
	if t.notify == nil {
		return
	}
	t.notify(t.snapshotLocked())
}
