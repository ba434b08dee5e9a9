package users

import (
	"context"
)

type Repository interface {
	Create(ctx context.Context, user *User) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)

	// UpdatePublicKey overwrites the single active public key.
	UpdatePublicKey(ctx context.Context, id, publicKey string) error

	// FindPublicKey returns the user's registered public key, or
	// common.ErrorNotFound when the user is unknown or has no key.
	FindPublicKey(ctx context.Context, id string) (string, error)
}
