// Package users owns user accounts: registration, credential verification,
// and the custody of each account's encrypted private key blob.
package users

import "time"

// Roles.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// User is a registered identity. PublicKey is the single active public key
// (base64 SPKI DER); uploading a new one overwrites it and messages encrypted
// under the old key become undecryptable, by contract. PrivateKeyEnc is the
// serialized encrypted blob managed by keycustody, empty when no key is in
// custody.
type User struct {
	ID            string
	Username      string
	DisplayName   string
	Role          string
	Salt          []byte
	Verifier      []byte
	PublicKey     string
	PrivateKeyEnc string
	CreatedAt     time.Time
}
