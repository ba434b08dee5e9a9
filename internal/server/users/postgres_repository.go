package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/chakresh/securechat/internal/common"
	"github.com/chakresh/securechat/internal/dbx"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, user *User) (*User, error) {

	query :=
		`INSERT INTO users (username, display_name, role, salt, verifier, public_key, private_key_enc)
	     VALUES ($1, $2, $3, $4, $5, $6, $7)
	     RETURNING id
	     `

	err := r.db.QueryRowContext(ctx, query,
		user.Username, user.DisplayName, user.Role,
		user.Salt, user.Verifier, user.PublicKey, user.PrivateKeyEnc).Scan(&user.ID)

	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}

	return user, nil
}

const userColumns = `id, username, display_name, role, salt, verifier, public_key, private_key_enc, created_at`

func (r *PostgresRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE username = $1`, userColumns)
	return r.getOne(ctx, query, username)
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE id = $1`, userColumns)
	return r.getOne(ctx, query, id)
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, arg any) (*User, error) {
	user := &User{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID, &user.Username, &user.DisplayName, &user.Role,
		&user.Salt, &user.Verifier, &user.PublicKey, &user.PrivateKeyEnc, &user.CreatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}

	return user, nil
}

func (r *PostgresRepository) UpdatePublicKey(ctx context.Context, id, publicKey string) error {
	query := `UPDATE users SET public_key = $2 WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, publicKey)
	if err != nil {
		return fmt.Errorf("error performing sql request: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrorNotFound
	}

	return nil
}

func (r *PostgresRepository) FindPublicKey(ctx context.Context, id string) (string, error) {
	query := `SELECT public_key FROM users WHERE id = $1`

	var key string
	err := r.db.QueryRowContext(ctx, query, id).Scan(&key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", common.ErrorNotFound
		}
		return "", fmt.Errorf("error performing sql request: %w", err)
	}

	if key == "" {
		return "", common.ErrorNotFound
	}

	return key, nil
}
