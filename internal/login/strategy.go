package login

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/sessiongate/internal/errors"
	"github.com/alexjbarnes/sessiongate/internal/models"
	"github.com/alexjbarnes/sessiongate/internal/transport"
	"golang.org/x/oauth2"
	"golang.org/x/text/unicode/norm"
)

// Strategy is one way of proving identity. Attempt performs the backend
// round trip and returns a complete outcome or an error; it never touches
// the session store.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, api API) (*models.LoginOutcome, error)
}

// Password logs in with email and password.
type Password struct {
	Email    string
	Password string
}

func (Password) Name() string { return "password" }

func (p Password) Attempt(ctx context.Context, api API) (*models.LoginOutcome, error) {
	email := normalizeEmail(p.Email)
	if email == "" || p.Password == "" {
		return nil, fmt.Errorf("password login: email and password: %w", apperrors.ErrMissingInput)
	}

	return sessionCall(ctx, api, "password login", EndpointPasswordLogin, map[string]string{
		"email":    email,
		"password": p.Password,
	})
}

// EmailCode logs in with a one-time code previously sent by SendEmailCode.
type EmailCode struct {
	Email string
	Code  string
}

func (EmailCode) Name() string { return "email-code" }

func (e EmailCode) Attempt(ctx context.Context, api API) (*models.LoginOutcome, error) {
	email := normalizeEmail(e.Email)
	code := strings.TrimSpace(e.Code)
	if email == "" || code == "" {
		return nil, fmt.Errorf("verify email code: email and code: %w", apperrors.ErrMissingInput)
	}

	return sessionCall(ctx, api, "verify email code", EndpointVerifyEmailCode, map[string]string{
		"email": email,
		"code":  code,
	})
}

// OAuthCredential logs in with a credential blob issued to the user by an
// identity provider (for example a Google ID token).
type OAuthCredential struct {
	Credential string
}

func (OAuthCredential) Name() string { return "oauth-credential" }

func (o OAuthCredential) Attempt(ctx context.Context, api API) (*models.LoginOutcome, error) {
	if o.Credential == "" {
		return nil, fmt.Errorf("oauth credential login: credential: %w", apperrors.ErrMissingInput)
	}

	return sessionCall(ctx, api, "oauth credential login", EndpointOAuthCredential, map[string]string{
		"credential": o.Credential,
	})
}

// OAuthCallback completes a provider redirect by handing the authorization
// code back to the backend, which answers with a session.
type OAuthCallback struct {
	Code        string
	RedirectURI string
}

func (OAuthCallback) Name() string { return "oauth-callback" }

func (o OAuthCallback) Attempt(ctx context.Context, api API) (*models.LoginOutcome, error) {
	if o.Code == "" || o.RedirectURI == "" {
		return nil, fmt.Errorf("oauth callback: code and redirect uri: %w", apperrors.ErrMissingInput)
	}

	return sessionCall(ctx, api, "oauth callback", EndpointOAuthCallback, map[string]string{
		"code":        o.Code,
		"redirectUri": o.RedirectURI,
	})
}

// CodeExchange redeems a one-time SSO code for a token set, then fetches
// the profile with the new access token. The code is single use: a
// failure means the flow has to start over.
type CodeExchange struct {
	Code     string
	ClientID string

	// Now is used to turn expires_in into an absolute expiry. Defaults to
	// time.Now.
	Now func() time.Time
}

func (CodeExchange) Name() string { return "code-exchange" }

func (c CodeExchange) Attempt(ctx context.Context, api API) (*models.LoginOutcome, error) {
	ts, err := c.Exchange(ctx, api)
	if err != nil {
		return nil, err
	}

	var profile models.Profile
	if err := api.Do(ctx, transport.Call{
		Method:   http.MethodGet,
		Endpoint: EndpointUserInfo,
		Bearer:   ts.AccessToken,
	}, &profile); err != nil {
		return nil, fmt.Errorf("fetching profile after code exchange: %w: %w", apperrors.ErrCodeExchange, err)
	}

	return &models.LoginOutcome{Token: ts.AccessToken, Profile: &profile}, nil
}

// tokenResponse is the wire form of a code-exchange response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	IDToken      string `json:"id_token,omitempty"`
}

// Exchange performs only the code-for-tokens step.
func (c CodeExchange) Exchange(ctx context.Context, api API) (models.TokenSet, error) {
	if c.Code == "" || c.ClientID == "" {
		return models.TokenSet{}, fmt.Errorf("code exchange: code and client: %w", apperrors.ErrMissingInput)
	}

	var resp tokenResponse
	if err := api.Do(ctx, transport.Call{
		Endpoint: EndpointSSOToken,
		Body: map[string]string{
			"code":   c.Code,
			"client": c.ClientID,
		},
		Raw: true,
	}, &resp); err != nil {
		return models.TokenSet{}, fmt.Errorf("%w: %w", apperrors.ErrCodeExchange, rejected("code exchange", err))
	}

	if resp.AccessToken == "" {
		return models.TokenSet{}, fmt.Errorf("code exchange: response has no access token: %w", apperrors.ErrCodeExchange)
	}

	now := time.Now
	if c.Now != nil {
		now = c.Now
	}

	tok := &oauth2.Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
	}
	if resp.ExpiresIn > 0 {
		tok.Expiry = now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}

	extra := map[string]any{"expires_in": resp.ExpiresIn}
	if resp.IDToken != "" {
		extra["id_token"] = resp.IDToken
	}

	return models.TokenSet{Token: tok.WithExtra(extra)}, nil
}

// sessionCall posts body to endpoint and expects a full session back.
func sessionCall(ctx context.Context, api API, op, endpoint string, body any) (*models.LoginOutcome, error) {
	var out models.LoginOutcome
	if err := api.Do(ctx, transport.Call{Endpoint: endpoint, Body: body}, &out); err != nil {
		return nil, rejected(op, err)
	}

	if !out.Valid() {
		return nil, fmt.Errorf("%s: response is missing token or user info: %w", op, apperrors.ErrAPIResponse)
	}

	return &out, nil
}

// rejected labels backend refusals as rejected credentials. Transport and
// server failures pass through unchanged.
func rejected(op string, err error) error {
	var apiErr *transport.APIError
	if errors.As(err, &apiErr) && !transport.IsTransient(err) {
		return fmt.Errorf("%s: %w: %w", op, apperrors.ErrCredentialRejected, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}

// normalizeEmail trims whitespace and applies Unicode NFC so visually
// identical addresses are sent identically.
func normalizeEmail(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
