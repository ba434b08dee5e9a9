package gateway

import (
	"github.com/gorilla/websocket"
)

// outbound buffer per connection; a full buffer drops the event for that
// connection, live delivery is best-effort
const sendBufferSize = 64

// Envelope is the wire frame for every event in both directions.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Conn is one live WebSocket bound to an authenticated identity. A user may
// hold several at once (devices, tabs).
type Conn struct {
	id     string
	userID string
	ws     *websocket.Conn
	send   chan Envelope

	// group subscriptions, guarded by the hub's mutex
	groups map[string]struct{}
}

func newConn(id, userID string, ws *websocket.Conn) *Conn {
	return &Conn{
		id:     id,
		userID: userID,
		ws:     ws,
		send:   make(chan Envelope, sendBufferSize),
		groups: make(map[string]struct{}),
	}
}

// writePump is the single writer for the socket, as gorilla requires. It
// exits when the send channel is closed by the hub.
func (c *Conn) writePump() {
	defer c.ws.Close()
	for env := range c.send {
		if err := c.ws.WriteJSON(env); err != nil {
			return
		}
	}
}

// enqueue offers an event to the connection without blocking; events to a
// slow consumer are dropped. Callers must ensure the connection has not been
// removed from the hub (the hub does this under its lock; the owning read
// loop may call directly).
func (c *Conn) enqueue(env Envelope) {
	select {
	case c.send <- env:
	default:
	}
}
