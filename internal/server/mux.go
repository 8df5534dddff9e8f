// Package server provides HTTP server construction for the identity
// backend.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/sessiongate/internal/identity"
)

// APIPrefix is where the backend API is mounted.
const APIPrefix = "/api"

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Store  *identity.Store
	Sender identity.CodeSender
	Logger *slog.Logger

	// DevProvider mounts the stand-in OAuth provider under /dev.
	DevProvider bool
}

// NewMux builds the HTTP mux with the public login endpoints, the
// bearer-protected user endpoints and, optionally, the dev provider. All
// API routes live under APIPrefix.
func NewMux(cfg MuxConfig) *http.ServeMux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	sender := cfg.Sender
	if sender == nil {
		sender = identity.LogSender{Logger: logger}
	}

	api := http.NewServeMux()
	api.HandleFunc("/public/auth/login/email", identity.HandlePasswordLogin(cfg.Store, logger))
	api.HandleFunc("/public/auth/email/send-code", identity.HandleSendEmailCode(cfg.Store, sender, logger))
	api.HandleFunc("/public/auth/email/verify-code", identity.HandleVerifyEmailCode(cfg.Store, logger))
	api.HandleFunc("/public/auth/oauth/google", identity.HandleOAuthCredential(cfg.Store, logger))
	api.HandleFunc("/public/auth/oauth/callback", identity.HandleOAuthCallback(cfg.Store, logger))
	api.HandleFunc("/public/auth/sso/token", identity.HandleSSOToken(cfg.Store, logger))
	api.HandleFunc("/public/auth/register", identity.HandleRegister(cfg.Store, logger))
	api.HandleFunc("/public/auth/logout", identity.HandleLogout(cfg.Store, logger))

	authMiddleware := identity.Middleware(cfg.Store, logger)
	api.Handle("/auth/sso/handoff", authMiddleware(identity.HandleSSOHandoff(cfg.Store, logger)))
	api.Handle("/users/info", authMiddleware(identity.HandleUserInfo(cfg.Store)))
	api.Handle("/users/update/my-info", authMiddleware(identity.HandleUpdateMyInfo(cfg.Store, logger)))

	mux := http.NewServeMux()
	mux.Handle(APIPrefix+"/", http.StripPrefix(APIPrefix, api))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if cfg.DevProvider {
		mux.HandleFunc("/dev/oauth/authorize", identity.HandleProviderAuthorize(cfg.Store, logger))
		mux.HandleFunc("/dev/oauth/credential", identity.HandleProviderCredential(cfg.Store))
	}

	return mux
}
