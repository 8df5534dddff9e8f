package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/sessiongate/internal/config"
	"github.com/alexjbarnes/sessiongate/internal/identity"
	"github.com/alexjbarnes/sessiongate/internal/logging"
	"github.com/alexjbarnes/sessiongate/internal/server"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadIdentity()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.ListenAddr, err)
	}

	return serve(ctx, cfg, ln, logger)
}

// serve runs the identity server on ln until ctx is cancelled.
func serve(ctx context.Context, cfg *config.IdentityConfig, ln net.Listener, logger *slog.Logger) error {
	users, err := cfg.SeedUsers()
	if err != nil {
		return err
	}

	store := identity.NewStore(logger, cfg.StoreOptions()...)
	defer store.Stop()

	if err := store.Seed(users); err != nil {
		return err
	}

	if cfg.TokenSecret == "" {
		logger.Warn("IDENTITY_TOKEN_SECRET not set; tokens will not survive a restart")
	}

	srv := &http.Server{
		Handler: server.NewMux(server.MuxConfig{
			Store:       store,
			Logger:      logger,
			DevProvider: cfg.DevProvider,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		logger.Info("identity server starting",
			slog.String("version", Version),
			slog.String("listen", ln.Addr().String()),
			slog.String("api", server.APIPrefix),
			slog.Int("users", len(users)),
			slog.Bool("dev_provider", cfg.DevProvider),
		)

		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	return g.Wait()
}
