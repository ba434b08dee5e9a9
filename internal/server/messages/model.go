// Package messages owns the durable message record and its repository.
package messages

import "time"

// Message types.
const (
	TypeText = "text"
	TypeFile = "file"
)

// MetaUnencrypted is the metadata key that declares a payload to be
// plaintext. The relay injects it when coercing short legacy payloads.
const MetaUnencrypted = "unencrypted"

// Message is one relayed record. Ciphertext is opaque to the server; for a
// message whose meta declares unencrypted it is plaintext. Meta is free-form
// and may carry the sender's public key for first-contact key exchange, or
// the storage key of a file payload. JSON tags match the wire protocol.
type Message struct {
	ID         string         `json:"id"`
	SenderID   string         `json:"senderId"`
	ReceiverID string         `json:"receiverId,omitempty"`
	GroupID    string         `json:"groupId,omitempty"`
	Type       string         `json:"type"`
	Ciphertext string         `json:"ciphertext"`
	Meta       map[string]any `json:"meta"`
	Read       bool           `json:"read"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Unencrypted reports whether the metadata explicitly declares the payload
// plaintext.
func (m *Message) Unencrypted() bool {
	v, ok := m.Meta[MetaUnencrypted].(bool)
	return ok && v
}
