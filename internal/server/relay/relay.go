// Package relay implements the accept/validate/persist/broadcast pipeline for
// chat messages, including the backward-compatibility coercion for legacy
// plaintext clients and the online-aware policy gate for encrypted sends.
package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/chakresh/securechat/internal/common"
	"github.com/chakresh/securechat/internal/logging"
	"github.com/chakresh/securechat/internal/server/messages"
	"github.com/chakresh/securechat/internal/server/presence"
)

// Rejection reason codes surfaced to the sender on errorSending. Closed enum.
const (
	ReasonNoCiphertext          = "no_ciphertext"
	ReasonNoTarget              = "no_target"
	ReasonRecipientMissingKey   = "recipient_missing_key"
	ReasonRecipientNoPrivateKey = "recipient_no_private_key"
	ReasonSaveError             = "save_error"
)

// Outbound event names published through the Publisher.
const (
	EventMessage      = "message"
	EventMessagesRead = "messagesRead"
)

// The smallest payload genuine AES-GCM output can have: a 12-byte nonce, at
// least 1 byte of data, and a 16-byte authentication tag. Anything shorter
// that is not already declared unencrypted gets coerced to plaintext for
// compatibility with older clients.
const minEncryptedLen = 29

// Rejection is a policy or validation refusal reported back to the sender.
// It is never retried server-side; the client decides what to do with it.
type Rejection struct {
	Reason     string `json:"reason"`
	ReceiverID string `json:"receiverId,omitempty"`
	Message    string `json:"message,omitempty"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("message rejected: %s", r.Reason)
}

// AsRejection unwraps err into a *Rejection if it is one.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// Inbound is a sendMessage payload as received from a connection. The sender
// identity is never part of it: it always comes from the authenticated
// connection.
type Inbound struct {
	ReceiverID string         `json:"receiverId"`
	GroupID    string         `json:"groupId"`
	Ciphertext string         `json:"ciphertext"`
	Type       string         `json:"type"`
	Meta       map[string]any `json:"meta"`
}

// ReadReceipt notifies a peer or group that a reader has caught up.
type ReadReceipt struct {
	ReaderID string `json:"readerId"`
	GroupID  string `json:"groupId,omitempty"`
}

// KeyDirectory resolves a user's registered public key;
// common.ErrorNotFound when none is registered.
type KeyDirectory interface {
	PublicKey(ctx context.Context, userID string) (string, error)
}

// Tracker is the presence/capability view the policy gate consults.
type Tracker interface {
	IsOnline(userID string) bool
	Capability(userID string) (presence.Capability, bool)
}

// Publisher fans events out to live connections. Delivery is fire-and-forget:
// implementations must not block and must tolerate absent recipients.
type Publisher interface {
	ToUser(userID, event string, data any)
	ToGroup(groupID, event string, data any)
}

type Relay struct {
	store   messages.Repository
	keys    KeyDirectory
	tracker Tracker
	pub     Publisher
	logger  logging.Logger
}

func NewRelay(store messages.Repository, keys KeyDirectory, tracker Tracker, pub Publisher, logger logging.Logger) *Relay {
	return &Relay{
		store:   store,
		keys:    keys,
		tracker: tracker,
		pub:     pub,
		logger:  logger.With("module", "relay"),
	}
}

// Send runs a candidate message through the full pipeline:
// validate, coerce, policy-check, persist, deliver. On success the persisted
// record (already broadcast) is returned; otherwise the error is a
// *Rejection carrying the reason for the sender.
//
// Persist strictly precedes publish: a message is never broadcast unless it
// is durable, but a durable message whose recipient just disconnected is not
// an error — it is retrievable via history.
func (r *Relay) Send(ctx context.Context, senderID string, in Inbound) (*messages.Message, error) {

	if len(in.Ciphertext) == 0 {
		return nil, &Rejection{Reason: ReasonNoCiphertext, Message: "Message cannot be empty"}
	}
	if in.ReceiverID == "" && in.GroupID == "" {
		return nil, &Rejection{Reason: ReasonNoTarget, Message: "Message has no recipient or group"}
	}

	msgType := in.Type
	if msgType == "" {
		msgType = messages.TypeText
	}

	// Meta is copied so coercion never mutates the caller's map.
	meta := make(map[string]any, len(in.Meta)+1)
	for k, v := range in.Meta {
		meta[k] = v
	}

	msg := &messages.Message{
		SenderID:   senderID,
		ReceiverID: in.ReceiverID,
		GroupID:    in.GroupID,
		Type:       msgType,
		Ciphertext: in.Ciphertext,
		Meta:       meta,
		Read:       false,
	}

	// Backward-compatibility coercion: a payload too short to be genuine
	// AES-GCM output from an older plaintext-only client is accepted as
	// unencrypted rather than rejected.
	if len(in.Ciphertext) < minEncryptedLen && !msg.Unencrypted() {
		meta[messages.MetaUnencrypted] = true
		r.logger.Warn(ctx, "short ciphertext coerced to unencrypted",
			"senderId", senderID, "length", len(in.Ciphertext), "minimum", minEncryptedLen)
	}

	// Policy gate, direct messages only. Group messages go straight to
	// persistence: group fan-out cannot be checked against a single
	// recipient's key.
	if msg.ReceiverID != "" && !msg.Unencrypted() {
		if err := r.checkRecipient(ctx, msg.ReceiverID); err != nil {
			return nil, err
		}
	}

	if err := r.store.Insert(ctx, msg); err != nil {
		r.logger.Error(ctx, "failed to persist message", "senderId", senderID, "error", err.Error())
		return nil, &Rejection{Reason: ReasonSaveError, Message: "Failed to save message"}
	}

	if msg.ReceiverID != "" {
		r.pub.ToUser(msg.ReceiverID, EventMessage, msg)
	} else {
		r.pub.ToGroup(msg.GroupID, EventMessage, msg)
	}

	return msg, nil
}

func (r *Relay) checkRecipient(ctx context.Context, receiverID string) error {
	_, err := r.keys.PublicKey(ctx, receiverID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return &Rejection{
				Reason:     ReasonRecipientMissingKey,
				ReceiverID: receiverID,
				Message:    "Recipient has not uploaded an encryption key.",
			}
		}
		r.logger.Error(ctx, "public key lookup failed", "receiverId", receiverID, "error", err.Error())
		return &Rejection{Reason: ReasonSaveError, Message: "Failed to verify recipient key"}
	}

	// Only a recipient that is online right now can tell us it cannot
	// decrypt; an offline recipient with a registered key gets the message
	// durably and sorts decryption out on its next connect.
	if r.tracker.IsOnline(receiverID) {
		if c, ok := r.tracker.Capability(receiverID); ok && !c.HasPrivateKey {
			return &Rejection{
				Reason:     ReasonRecipientNoPrivateKey,
				ReceiverID: receiverID,
				Message:    "Recipient cannot decrypt encrypted messages. Resend unencrypted.",
			}
		}
	}

	return nil
}

// MarkRead is the bulk read-receipt operation. The group form flags unread
// broadcast-style group messages as read and notifies the group; the peer
// form flags unread messages from that peer to the reader and notifies the
// peer. Both are idempotent: with nothing left unread the update is a no-op,
// though the receipt is still published, matching client expectations.
func (r *Relay) MarkRead(ctx context.Context, readerID, otherID, groupID string) error {

	switch {
	case groupID != "":
		n, err := r.store.MarkGroupRead(ctx, groupID)
		if err != nil {
			return fmt.Errorf("error marking group read: %w", err)
		}
		r.logger.Info(ctx, "group messages marked read", "groupId", groupID, "readerId", readerID, "count", n)
		r.pub.ToGroup(groupID, EventMessagesRead, ReadReceipt{ReaderID: readerID, GroupID: groupID})

	case otherID != "":
		n, err := r.store.MarkPeerRead(ctx, otherID, readerID)
		if err != nil {
			return fmt.Errorf("error marking peer read: %w", err)
		}
		r.logger.Info(ctx, "peer messages marked read", "otherId", otherID, "readerId", readerID, "count", n)
		r.pub.ToUser(otherID, EventMessagesRead, ReadReceipt{ReaderID: readerID})
	}

	return nil
}

// History returns persisted messages on demand: the direct conversation with
// otherID, or the group timeline visible to the requester. Limit defaults
// to 100.
func (r *Relay) History(ctx context.Context, userID, otherID, groupID string, limit int) ([]*messages.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	switch {
	case groupID != "":
		return r.store.GroupHistory(ctx, groupID, userID, limit)
	case otherID != "":
		return r.store.DirectHistory(ctx, userID, otherID, limit)
	default:
		return nil, nil
	}
}
