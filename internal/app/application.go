// Package app wires the coordinator's components together and manages
// their lifecycle. Initialization follows dependency order: database →
// registry → arbiter → connections → router → hub → HTTP; shutdown runs
// the reverse.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"liveclass/internal/answers"
	"liveclass/internal/api"
	"liveclass/internal/arbiter"
	"liveclass/internal/auth"
	"liveclass/internal/config"
	"liveclass/internal/hub"
	"liveclass/internal/protocol"
	"liveclass/internal/registry"
	"liveclass/internal/sweeper"
	"liveclass/internal/ws"
	"liveclass/pkg/database"
)

// Application holds the running components.
type Application struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      *registry.Store
	manager    *ws.Manager
	messageHub *hub.Hub
	sweep      *sweeper.Sweeper
	httpServer *http.Server
}

// New constructs the full component graph.
func New(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := database.Open(database.Config{
		Path:            cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := database.Migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store := registry.New(db, logger.Named("registry"))
	arb := arbiter.New(store, cfg.Lifecycle.LivenessWindow, logger.Named("arbiter"))
	answerStore := answers.NewStore(answers.LogSink{Logger: logger.Named("scores")}, logger.Named("answers"))

	manager := ws.NewManager(store, arb, logger.Named("connections"))
	router := protocol.NewRouter(store, arb, manager, answerStore, logger.Named("router"))
	messageHub := hub.NewHub(router, manager, logger.Named("hub"))

	authn := auth.GatewayAuthenticator{}
	wsHandler := ws.NewHandler(manager, store, authn, messageHub.Inbound, cfg.WebSocket, logger.Named("ws"))
	apiServer := api.NewServer(store, manager, authn, logger.Named("api"))

	sweep := sweeper.New(store, answerStore, cfg.Lifecycle, logger.Named("sweeper"), router.Cleanup)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("GET /ws/{session_id}", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		manager:    manager,
		messageHub: messageHub,
		sweep:      sweep,
		httpServer: httpServer,
	}, nil
}

// Start brings the hub and sweeper up, then begins serving.
func (a *Application) Start(ctx context.Context) error {
	a.logger.Info("starting coordinator", zap.String("addr", a.httpServer.Addr))

	if err := a.messageHub.Start(ctx); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}
	a.sweep.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		a.sweep.Stop()
		_ = a.messageHub.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		a.logger.Info("coordinator started")
		return nil
	case <-ctx.Done():
		a.sweep.Stop()
		_ = a.messageHub.Stop()
		return ctx.Err()
	}
}

// Stop shuts everything down in reverse dependency order.
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info("shutting down coordinator")

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Warn("HTTP shutdown error", zap.Error(err))
	}
	a.sweep.Stop()
	if err := a.messageHub.Stop(); err != nil {
		a.logger.Warn("hub shutdown error", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("registry shutdown error", zap.Error(err))
	}

	a.logger.Info("coordinator shutdown complete")
	return nil
}

// Addr returns the configured listen address.
func (a *Application) Addr() string {
	return a.httpServer.Addr
}
