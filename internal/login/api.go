// Package login implements the ways a user can establish a session. Each
// Strategy talks to the backend and normalizes its answer into a
// models.LoginOutcome; the Manager hands successful outcomes to the
// session store. Relay operations such as sending an email code or the
// SSO bearer handoff never change the session.
package login

//go:generate mockgen -source=api.go -destination=mock_api_test.go -package=login

import (
	"context"

	"github.com/alexjbarnes/sessiongate/internal/transport"
)

// Backend endpoints, relative to the API base URL.
const (
	EndpointPasswordLogin   = "/public/auth/login/email"
	EndpointSendEmailCode   = "/public/auth/email/send-code"
	EndpointVerifyEmailCode = "/public/auth/email/verify-code"
	EndpointOAuthCredential = "/public/auth/oauth/google"
	EndpointOAuthCallback   = "/public/auth/oauth/callback"
	EndpointSSOHandoff      = "/auth/sso/handoff"
	EndpointSSOToken        = "/public/auth/sso/token"
	EndpointRegister        = "/public/auth/register"
	EndpointLogout          = "/public/auth/logout"
	EndpointUserInfo        = "/users/info"
	EndpointUpdateProfile   = "/users/update/my-info"
)

// API sends a call to the backend. *transport.Client satisfies it.
type API interface {
	Do(ctx context.Context, call transport.Call, result any) error
}
