// Package keycustody implements server-side custody of per-user asymmetric
// private keys: generation of browser-compatible key pairs, authenticated
// encryption of the private half at rest, and conditional recovery.
//
// The server never uses these keys for any cryptographic protocol of its own;
// it only stores and returns them.
package keycustody

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/json"

	"github.com/chakresh/securechat/internal/common"
	"golang.org/x/crypto/argon2"
)

// Key-encryption schemes. Every blob is tagged with the scheme that produced
// it so decryption can dispatch without guessing.
//
// SchemePassword is the forward default: the encryption key is derived from
// the user's login password, so it is reproducible at recovery time without
// the server storing the password. SchemeSecret is the legacy path kept for
// administratively created accounts: a single server-wide key derived from an
// operator-supplied secret.
const (
	SchemePassword = "password"
	SchemeSecret   = "secret"
)

// Fixed application salt for the password-derived scheme. It must stay stable
// forever: changing it makes every password-scheme blob unrecoverable.
var passwordSalt = []byte("securechat-key-custody-v1")

const (
	ivSize  = 12
	tagSize = 16
)

// EncryptedKeyBlob is the at-rest form of a private key: AES-256-GCM
// ciphertext with the nonce and authentication tag carried as separate
// fields. Byte fields marshal to base64, matching the layout stored in the
// users table. Blobs written before the scheme tag existed decode with an
// empty Scheme and are treated as SchemeSecret, which is what the legacy
// code produced.
type EncryptedKeyBlob struct {
	Scheme string `json:"scheme,omitempty"`
	IV     []byte `json:"iv"`
	Tag    []byte `json:"tag"`
	Data   []byte `json:"data"`
}

// Encode serializes the blob for storage in a text column.
func (b *EncryptedKeyBlob) Encode() (string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodeBlob parses a stored blob. A structurally broken value yields
// common.ErrBlobFormat.
func DecodeBlob(s string) (*EncryptedKeyBlob, error) {
	b := &EncryptedKeyBlob{}
	if err := json.Unmarshal([]byte(s), b); err != nil {
		return nil, common.ErrBlobFormat
	}
	return b, nil
}

// Manager encrypts and decrypts private key material. It holds only the
// digest of the operator secret, never the secret itself.
type Manager struct {
	secretKey []byte
}

// NewManager derives the legacy fixed key as a one-way hash of the
// operator-supplied secret.
func NewManager(operatorSecret string) *Manager {
	digest := sha256.Sum256([]byte(operatorSecret))
	return &Manager{secretKey: digest[:]}
}

// DeriveKey produces the password-scheme encryption key. Argon2id with a
// fixed application salt keeps the key reproducible from the same password.
func DeriveKey(password []byte) []byte {
	return argon2.IDKey(password, passwordSalt, 1, 64*1024, 4, 32)
}

func (m *Manager) keyFor(scheme string, password []byte) ([]byte, error) {
	switch scheme {
	case SchemePassword:
		return DeriveKey(password), nil
	case SchemeSecret, "":
		return m.secretKey, nil
	default:
		return nil, common.ErrBlobFormat
	}
}

// EncryptPrivateKey seals key material under the given scheme. The password
// argument is only consulted for SchemePassword. A fresh random IV is
// generated per call; the GCM tag is split off into its own field.
func (m *Manager) EncryptPrivateKey(material []byte, scheme string, password []byte) (*EncryptedKeyBlob, error) {
	key, err := m.keyFor(scheme, password)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	iv := common.GenerateRandByteArray(ivSize)
	sealed := aesgcm.Seal(nil, iv, material, nil)

	return &EncryptedKeyBlob{
		Scheme: scheme,
		IV:     iv,
		Tag:    sealed[len(sealed)-tagSize:],
		Data:   sealed[:len(sealed)-tagSize],
	}, nil
}

// DecryptPrivateKey is the inverse of EncryptPrivateKey, dispatching on the
// blob's scheme tag. It fails closed: common.ErrBlobFormat for a structurally
// broken blob, common.ErrIntegrity when the authentication tag does not
// verify (tampered data or wrong secret/password). No partial material is
// ever returned.
func (m *Manager) DecryptPrivateKey(blob *EncryptedKeyBlob, password []byte) ([]byte, error) {
	if blob == nil || len(blob.IV) != ivSize || len(blob.Tag) != tagSize || len(blob.Data) == 0 {
		return nil, common.ErrBlobFormat
	}

	key, err := m.keyFor(blob.Scheme, password)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(blob.Data)+tagSize)
	sealed = append(sealed, blob.Data...)
	sealed = append(sealed, blob.Tag...)

	material, err := aesgcm.Open(nil, blob.IV, sealed, nil)
	if err != nil {
		return nil, common.ErrIntegrity
	}

	return material, nil
}
