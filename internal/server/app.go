// Package server initializes and runs the relay server: it wires the
// storage backend, the key custody manager, the presence tracker, the
// message relay, and the WebSocket gateway, and handles graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chakresh/securechat/internal/logging"
	"github.com/chakresh/securechat/internal/server/blob"
	"github.com/chakresh/securechat/internal/server/config"
	"github.com/chakresh/securechat/internal/server/gateway"
	"github.com/chakresh/securechat/internal/server/keycustody"
	"github.com/chakresh/securechat/internal/server/presence"
	"github.com/chakresh/securechat/internal/server/relay"
	"github.com/chakresh/securechat/internal/server/shared/db"
	"github.com/chakresh/securechat/internal/server/users"
)

type App struct {
	config  *config.Config
	logger  logging.Logger
	repos   db.RepositoryManager
	gateway *gateway.Gateway
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {

	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(slogger)

	repos, err := db.NewPostgresRepositoryManager(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	custody := keycustody.NewManager(cfg.KeyCustodySecret)
	accounts := users.NewService(repos.Users(), custody, cfg, logger)

	hub := gateway.NewHub()
	tracker := presence.NewTracker(gateway.PresenceNotifier(hub))
	rel := relay.NewRelay(repos.Messages(), accounts, tracker, hub, logger)

	blobs := blob.NewS3Store(cfg)
	gw := gateway.NewGateway(hub, tracker, rel, accounts, blobs, cfg.JWTSecret, logger)

	return &App{config: cfg, logger: logger, repos: repos, gateway: gw}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...", "addr", app.config.EndpointAddrHTTP)

	app.initSignalHandler(cancelFunc)

	srv := &http.Server{
		Addr:    app.config.EndpointAddrHTTP,
		Handler: app.gateway.Routes(),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error(ctx, "server error", "error", err.Error())
			cancelFunc()
		}
	}()

	<-ctx.Done()

	app.logger.Info(ctx, "Shutting down...")

	shutdownCtx, release := context.WithTimeout(context.Background(), 10*time.Second)
	defer release()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.logger.Error(shutdownCtx, "shutdown error", "error", err.Error())
	}
	if err := app.repos.Conn().Close(); err != nil {
		app.logger.Error(shutdownCtx, "db close error", "error", err.Error())
	}
}
