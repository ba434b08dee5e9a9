package db

import (
	"context"
	"database/sql"

	"github.com/chakresh/securechat/internal/server/messages"
	"github.com/chakresh/securechat/internal/server/users"
)

type RepositoryManager interface {
	RunMigrations(context.Context) error
	Conn() *sql.DB
	Users() users.Repository
	Messages() messages.Repository
}
