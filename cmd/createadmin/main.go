// Command createadmin provisions an administrator account directly against
// the database. Unlike self-registration, the private key here goes into
// custody under the operator secret, so the account remains recoverable even
// if the admin password is rotated.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/chakresh/securechat/internal/common"
	"github.com/chakresh/securechat/internal/dbx"
	"github.com/chakresh/securechat/internal/server/config"
	"github.com/chakresh/securechat/internal/server/keycustody"
	"github.com/chakresh/securechat/internal/server/shared/db"
	"github.com/chakresh/securechat/internal/server/users"
	"golang.org/x/term"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("%v", err)
	}
}

func run() error {
	ctx := context.Background()
	cfg := config.LoadConfig()

	if len(os.Args) < 2 {
		return fmt.Errorf("usage: %s <username> [display name]", os.Args[0])
	}
	username := os.Args[1]
	displayName := username
	if len(os.Args) > 2 {
		displayName = os.Args[2]
	}

	fmt.Print("Enter password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("error reading password: %w", err)
	}
	defer common.WipeByteArray(password)

	if len(password) == 0 {
		return errors.New("password cannot be empty")
	}

	repos, err := db.NewPostgresRepositoryManager(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db init error: %w", err)
	}
	defer repos.Conn().Close()

	custody := keycustody.NewManager(cfg.KeyCustodySecret)

	kp, err := keycustody.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("error generating key pair: %w", err)
	}

	blob, err := custody.EncryptPrivateKey([]byte(kp.PrivateKey), keycustody.SchemeSecret, nil)
	if err != nil {
		return fmt.Errorf("error encrypting private key: %w", err)
	}
	blobStr, err := blob.Encode()
	if err != nil {
		return fmt.Errorf("error encoding key blob: %w", err)
	}

	salt := common.GenerateRandByteArray(32)

	admin := &users.User{
		Username:      username,
		DisplayName:   displayName,
		Role:          users.RoleAdmin,
		Salt:          salt,
		Verifier:      users.DeriveVerifier(password, salt),
		PublicKey:     kp.PublicKey,
		PrivateKeyEnc: blobStr,
	}

	// check and insert run in one transaction so two invocations cannot
	// race each other into duplicate accounts
	err = dbx.WithTx(ctx, repos.Conn(), nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := users.NewPostgresRepository(tx)

		if _, err := repo.GetByUsername(ctx, username); err == nil {
			return common.ErrorAlreadyExists
		} else if !errors.Is(err, common.ErrorNotFound) {
			return err
		}

		_, err := repo.Create(ctx, admin)
		return err
	})
	if err != nil {
		if errors.Is(err, common.ErrorAlreadyExists) {
			return fmt.Errorf("user %q already exists", username)
		}
		return fmt.Errorf("error creating admin: %w", err)
	}

	fmt.Printf("Admin %q created.\n", username)
	return nil
}
