package errors

import "errors"

// Credential errors.
var (
	ErrCredentialRejected   = errors.New("credentials rejected")
	ErrSessionInvalidated   = errors.New("session invalidated by server")
	ErrNotAuthenticated     = errors.New("not logged in")
	ErrRegistrationDisabled = errors.New("self-service registration is disabled")
	ErrCodeExchange         = errors.New("authorization code exchange failed")
	ErrMissingInput         = errors.New("missing required input")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
