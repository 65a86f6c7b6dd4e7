package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"schoolchat/internal/api"
	"schoolchat/internal/auth"
	"schoolchat/internal/config"
	"schoolchat/internal/hub"
	"schoolchat/internal/pipeline"
	"schoolchat/internal/registry"
	"schoolchat/internal/store"
	"schoolchat/internal/ws"
)

// Application wires the components in dependency order:
// store, registry, hub, pipeline, websocket handler, API, HTTP server.
type Application struct {
	config     *config.Config
	log        zerolog.Logger
	store      *store.Store
	rooms      *registry.Registry
	hub        *hub.Hub
	pipeline   *pipeline.Pipeline
	sessions   *ws.Registry
	limiter    *pipeline.RateLimiter
	httpServer *http.Server
}

func NewApplication(cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open message store: %w", err)
	}

	rooms := registry.New(cfg.Chat.StaffRoom, cfg.Chat.Classes)
	roomHub := hub.New(rooms.All(), logger)

	limiter := pipeline.NewRateLimiter(cfg.Chat.RateLimit, cfg.Chat.RateWindow)
	pipe := pipeline.New(st, roomHub, limiter, logger)

	verifier := auth.NewVerifier(cfg.Auth.Secret)
	sessions := ws.NewRegistry()
	wsHandler := ws.NewHandler(verifier, rooms, roomHub, pipe, sessions, ws.Config{
		PingInterval:     cfg.WS.PingInterval,
		ReadTimeout:      cfg.WS.ReadTimeout,
		WriteTimeout:     cfg.WS.WriteTimeout,
		SendBuffer:       cfg.WS.SendBuffer,
		HandshakeTimeout: cfg.WS.HandshakeTimeout,
	}, logger)

	apiServer := api.NewServer(verifier, rooms, st, roomHub, api.AllowAll{}, sessions, cfg.Chat.HistoryLimit, logger)

	router := mux.NewRouter()
	router.Handle("/ws", wsHandler)
	router.PathPrefix("/").Handler(apiServer)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		log:        logger,
		store:      st,
		rooms:      rooms,
		hub:        roomHub,
		pipeline:   pipe,
		sessions:   sessions,
		limiter:    limiter,
		httpServer: httpServer,
	}, nil
}

// Start brings the hub up before the HTTP server accepts connections.
func (app *Application) Start(ctx context.Context) error {
	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start room hub: %w", err)
	}

	go app.limiterCleanup(ctx)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		_ = app.hub.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		app.log.Info().
			Str("addr", app.httpServer.Addr).
			Int("rooms", len(app.rooms.All())).
			Msg("schoolchat listening")
		return nil
	case <-ctx.Done():
		_ = app.hub.Stop()
		return ctx.Err()
	}
}

func (app *Application) limiterCleanup(ctx context.Context) {
	ticker := time.NewTicker(app.config.Chat.RateWindow * 5)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			app.limiter.Cleanup()
		}
	}
}

// Stop shuts down in reverse order: HTTP, hub, store.
func (app *Application) Stop(ctx context.Context) error {
	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.log.Error().Err(err).Msg("http server shutdown error")
	}
	if err := app.hub.Stop(); err != nil {
		app.log.Error().Err(err).Msg("room hub shutdown error")
	}
	if err := app.store.Close(); err != nil {
		app.log.Error().Err(err).Msg("store shutdown error")
	}
	app.log.Info().Msg("shutdown complete")
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("SCHOOLCHAT_CONFIG"))
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	app, err := NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	appErrCh := make(chan error, 1)
	go func() {
		if err := app.Start(ctx); err != nil {
			appErrCh <- err
		}
	}()

	select {
	case err := <-appErrCh:
		return fmt.Errorf("application error: %w", err)
	case sig := <-signalCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return app.Stop(shutdownCtx)
	}
}

func newLogger(cfg config.LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	var out = os.Stderr
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	if cfg.Pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}
	return logger, nil
}
