package messages

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/chakresh/securechat/internal/dbx"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (r *PostgresRepository) Insert(ctx context.Context, m *Message) error {

	meta, err := json.Marshal(m.Meta)
	if err != nil {
		return fmt.Errorf("error serializing meta: %w", err)
	}

	query :=
		`INSERT INTO messages (sender_id, receiver_id, group_id, type, ciphertext, meta, read)
	     VALUES ($1, $2, $3, $4, $5, $6, $7)
	     RETURNING id, created_at
	     `

	err = r.db.QueryRowContext(ctx, query,
		m.SenderID, nullable(m.ReceiverID), nullable(m.GroupID),
		m.Type, m.Ciphertext, meta, m.Read).Scan(&m.ID, &m.CreatedAt)

	if err != nil {
		return fmt.Errorf("error performing sql request: %w", err)
	}

	return nil
}

const selectColumns = `id, sender_id, receiver_id, group_id, type, ciphertext, meta, read, created_at`

func (r *PostgresRepository) DirectHistory(ctx context.Context, userID, otherID string, limit int) ([]*Message, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM messages
		 WHERE (sender_id = $1 AND receiver_id = $2)
		    OR (sender_id = $2 AND receiver_id = $1)
		 ORDER BY created_at ASC
		 LIMIT $3
		 `, selectColumns)

	rows, err := r.db.QueryContext(ctx, query, userID, otherID, limit)
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (r *PostgresRepository) GroupHistory(ctx context.Context, groupID, userID string, limit int) ([]*Message, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM messages
		 WHERE group_id = $1
		   AND (receiver_id IS NULL OR receiver_id = $2 OR sender_id = $2)
		 ORDER BY created_at ASC
		 LIMIT $3
		 `, selectColumns)

	rows, err := r.db.QueryContext(ctx, query, groupID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (r *PostgresRepository) MarkGroupRead(ctx context.Context, groupID string) (int64, error) {
	query :=
		`UPDATE messages SET read = true
	     WHERE group_id = $1 AND read = false AND receiver_id IS NULL
	     `

	res, err := r.db.ExecContext(ctx, query, groupID)
	if err != nil {
		return 0, fmt.Errorf("error performing sql request: %w", err)
	}

	return res.RowsAffected()
}

func (r *PostgresRepository) MarkPeerRead(ctx context.Context, senderID, receiverID string) (int64, error) {
	query :=
		`UPDATE messages SET read = true
	     WHERE sender_id = $1 AND receiver_id = $2 AND read = false
	     `

	res, err := r.db.ExecContext(ctx, query, senderID, receiverID)
	if err != nil {
		return 0, fmt.Errorf("error performing sql request: %w", err)
	}

	return res.RowsAffected()
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var out []*Message

	for rows.Next() {
		m := &Message{}
		var receiverID, groupID sql.NullString
		var meta []byte

		err := rows.Scan(&m.ID, &m.SenderID, &receiverID, &groupID,
			&m.Type, &m.Ciphertext, &meta, &m.Read, &m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("error scanning row: %w", err)
		}

		m.ReceiverID = receiverID.String
		m.GroupID = groupID.String

		// meta is always an object on the way out, even if stored as null
		m.Meta = map[string]any{}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Meta); err != nil {
				return nil, fmt.Errorf("error parsing meta: %w", err)
			}
		}

		out = append(out, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return out, nil
}
