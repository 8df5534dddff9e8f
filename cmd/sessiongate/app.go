package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/alexjbarnes/sessiongate/internal/config"
	"github.com/alexjbarnes/sessiongate/internal/guard"
	"github.com/alexjbarnes/sessiongate/internal/logging"
	"github.com/alexjbarnes/sessiongate/internal/login"
	"github.com/alexjbarnes/sessiongate/internal/session"
	"github.com/alexjbarnes/sessiongate/internal/state"
	"github.com/alexjbarnes/sessiongate/internal/transport"
)

// app is everything a command needs, wired once per invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	state   io.Closer
	store   *session.Store
	client  *transport.Client
	router  *guard.Router
	manager *login.Manager
}

// appLoader builds the app. Tests substitute their own.
type appLoader func() (*app, error)

func loadApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return newApp(cfg)
}

// newApp opens the session database and wires store, transport, guard and
// login manager together.
func newApp(cfg *config.Config) (*app, error) {
	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	routes, err := cfg.Routes()
	if err != nil {
		return nil, err
	}

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	store := session.New(appState, logger)

	client := transport.NewClient(transport.Options{
		BaseURL:    cfg.APIURL,
		Timeout:    cfg.RequestTimeout,
		Session:    store,
		LoginRoute: cfg.LoginRoute,
		Logger:     logger,
	})

	router := guard.NewRouter(guard.New(store, routes, cfg.LoginRoute, cfg.HomeRoute), logger)
	client.SetRedirector(router)

	manager := login.NewManager(client, store, login.Options{
		RegistrationEnabled: cfg.RegistrationEnabled,
		DefaultRole:         cfg.DefaultRole,
	}, logger)

	logger.Debug("sessiongate ready",
		slog.String("version", Version),
		slog.String("api", cfg.APIURL),
		slog.String("state", cfg.StatePath),
		slog.Bool("authenticated", store.IsAuthenticated()),
	)

	return &app{
		cfg:     cfg,
		logger:  logger,
		state:   appState,
		store:   store,
		client:  client,
		router:  router,
		manager: manager,
	}, nil
}

// Close releases the session database.
func (a *app) Close() error {
	return a.state.Close()
}
