// Package common defines shared constants and sentinel errors used across
// the relay server components. Callers should use errors.Is to match these
// values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrorAlreadyExists = errors.New("already exists")

	// Service-level errors (generic/internal flow control).
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")

	// Validation errors.
	ErrorIncorrectKey = errors.New("incorrect public key")

	// Key custody errors. ErrIntegrity covers a wrong secret/password as well
	// as a tampered blob: AES-GCM cannot tell the two apart, and neither case
	// may leak partial key material.
	ErrIntegrity  = errors.New("key blob integrity check failed")
	ErrBlobFormat = errors.New("malformed key blob")
)
