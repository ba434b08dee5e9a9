package users

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/chakresh/securechat/internal/common"
	"github.com/chakresh/securechat/internal/logging"
	"github.com/chakresh/securechat/internal/server/auth"
	"github.com/chakresh/securechat/internal/server/config"
	"github.com/chakresh/securechat/internal/server/keycustody"
	"golang.org/x/crypto/argon2"
)

// AuthResult is what a successful register or login yields. PrivateKey is the
// recovered private key material (base64 PKCS#8 DER); it is only populated
// when recovery was requested and the custody blob decrypted cleanly.
type AuthResult struct {
	User       *User
	Token      string
	PrivateKey string
}

type Service struct {
	repo          Repository
	custody       *keycustody.Manager
	jwtSecret     []byte
	tokenValidity time.Duration
	logger        logging.Logger
}

func NewService(repo Repository, custody *keycustody.Manager, cfg *config.Config, logger logging.Logger) *Service {
	return &Service{
		repo:          repo,
		custody:       custody,
		jwtSecret:     []byte(cfg.JWTSecret),
		tokenValidity: cfg.TokenValidityDuration,
		logger:        logger.With("module", "users"),
	}
}

// DeriveVerifier computes the stored password verifier. The per-user salt
// keeps it unrelated to the fixed-salt custody KDF.
func DeriveVerifier(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, 1, 64*1024, 4, 32)
}

func (s *Service) checkVerifier(verifier, candidate []byte) bool {
	return subtle.ConstantTimeCompare(verifier, candidate) == 1
}

// Register creates a self-registered account: a fresh key pair is generated
// and the private half goes into custody under the password-derived scheme,
// so the user can recover it with the same password later.
func (s *Service) Register(ctx context.Context, username, displayName, password string) (*AuthResult, error) {

	if _, err := s.repo.GetByUsername(ctx, username); err == nil {
		return nil, common.ErrorAlreadyExists
	} else if !errors.Is(err, common.ErrorNotFound) {
		return nil, common.ErrorInternal
	}

	kp, err := keycustody.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("error generating key pair: %w", err)
	}

	blob, err := s.custody.EncryptPrivateKey([]byte(kp.PrivateKey), keycustody.SchemePassword, []byte(password))
	if err != nil {
		return nil, fmt.Errorf("error encrypting private key: %w", err)
	}
	blobStr, err := blob.Encode()
	if err != nil {
		return nil, fmt.Errorf("error encoding key blob: %w", err)
	}

	salt := common.GenerateRandByteArray(32)

	user := &User{
		Username:      username,
		DisplayName:   displayName,
		Role:          RoleUser,
		Salt:          salt,
		Verifier:      DeriveVerifier([]byte(password), salt),
		PublicKey:     kp.PublicKey,
		PrivateKeyEnc: blobStr,
	}

	user, err = s.repo.Create(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("error creating user: %w", err)
	}

	token, err := auth.GenerateToken(user.ID, user.Role, s.jwtSecret, s.tokenValidity)
	if err != nil {
		return nil, common.ErrorInternal
	}

	s.logger.Info(ctx, "user registered", "username", username)

	return &AuthResult{User: user, Token: token, PrivateKey: kp.PrivateKey}, nil
}

// Login verifies the credentials and issues a bearer token. When recoverKey
// is set and a custody blob is stored, it attempts decryption with the
// credential supplied here; a failed recovery is logged and otherwise
// non-fatal to the login itself.
func (s *Service) Login(ctx context.Context, username, password string, recoverKey bool) (*AuthResult, error) {

	user, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrorUnauthorized
		}
		return nil, common.ErrorInternal
	}

	if !s.checkVerifier(user.Verifier, DeriveVerifier([]byte(password), user.Salt)) {
		return nil, common.ErrorUnauthorized
	}

	token, err := auth.GenerateToken(user.ID, user.Role, s.jwtSecret, s.tokenValidity)
	if err != nil {
		return nil, common.ErrorInternal
	}

	result := &AuthResult{User: user, Token: token}

	if recoverKey && user.PrivateKeyEnc != "" {
		material, err := s.recoverPrivateKey(user, password)
		if err != nil {
			s.logger.Warn(ctx, "private key recovery failed", "username", username, "error", err.Error())
		} else {
			result.PrivateKey = material
		}
	}

	return result, nil
}

func (s *Service) recoverPrivateKey(user *User, password string) (string, error) {
	blob, err := keycustody.DecodeBlob(user.PrivateKeyEnc)
	if err != nil {
		return "", err
	}

	material, err := s.custody.DecryptPrivateKey(blob, []byte(password))
	if err != nil {
		return "", err
	}

	return string(material), nil
}

// UploadPublicKey overwrites the user's single active public key. In-flight
// messages encrypted under the old key become undecryptable; there is no
// migration.
func (s *Service) UploadPublicKey(ctx context.Context, userID, publicKey string) error {
	if publicKey == "" {
		return common.ErrorIncorrectKey
	}

	if err := s.repo.UpdatePublicKey(ctx, userID, publicKey); err != nil {
		return err
	}

	s.logger.Info(ctx, "public key replaced", "userId", userID)
	return nil
}

// PublicKey looks up the registered public key for the relay's policy gate.
func (s *Service) PublicKey(ctx context.Context, userID string) (string, error) {
	return s.repo.FindPublicKey(ctx, userID)
}
