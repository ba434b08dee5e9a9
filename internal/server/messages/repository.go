package messages

import (
	"context"
)

type Repository interface {
	// Insert persists a new message and fills in its ID and CreatedAt.
	Insert(ctx context.Context, m *Message) error

	// DirectHistory returns the conversation between two users in both
	// directions, oldest first.
	DirectHistory(ctx context.Context, userID, otherID string, limit int) ([]*Message, error)

	// GroupHistory returns messages in a group that are public to the group,
	// targeted to the requesting user, or sent by the requester, oldest first.
	GroupHistory(ctx context.Context, groupID, userID string, limit int) ([]*Message, error)

	// MarkGroupRead flags unread broadcast-style group messages (no direct
	// recipient) as read. Returns the number of rows changed.
	MarkGroupRead(ctx context.Context, groupID string) (int64, error)

	// MarkPeerRead flags unread messages sent by senderID to receiverID as
	// read. Returns the number of rows changed.
	MarkPeerRead(ctx context.Context, senderID, receiverID string) (int64, error)
}
