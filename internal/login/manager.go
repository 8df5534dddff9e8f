package login

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	apperrors "github.com/alexjbarnes/sessiongate/internal/errors"
	"github.com/alexjbarnes/sessiongate/internal/models"
	"github.com/alexjbarnes/sessiongate/internal/session"
	"github.com/alexjbarnes/sessiongate/internal/transport"
)

// DefaultRole is assigned to self-registered accounts that ask for none.
const DefaultRole = "ROLE_MERCHANT"

// Options configures a Manager.
type Options struct {
	// RegistrationEnabled allows self-service sign-up. Deployments that
	// rely on identity-provider login leave it off.
	RegistrationEnabled bool

	// DefaultRole overrides DefaultRole.
	DefaultRole string
}

// Manager runs strategies and relays against the backend and applies
// their results to the session store.
type Manager struct {
	api    API
	store  *session.Store
	opts   Options
	logger *slog.Logger
}

// NewManager wires a Manager.
func NewManager(api API, store *session.Store, opts Options, logger *slog.Logger) *Manager {
	if opts.DefaultRole == "" {
		opts.DefaultRole = DefaultRole
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Manager{api: api, store: store, opts: opts, logger: logger}
}

// Login runs the strategy and, only on success, saves the outcome as the
// current session. A failed attempt leaves the session as it was.
// Concurrent logins are not serialized: the last one to finish wins.
func (m *Manager) Login(ctx context.Context, s Strategy) (*models.LoginOutcome, error) {
	m.logger.Debug("login attempt", slog.String("strategy", s.Name()))

	outcome, err := s.Attempt(ctx, m.api)
	if err != nil {
		m.logger.Info("login failed",
			slog.String("strategy", s.Name()),
			slog.String("error", err.Error()),
		)

		return nil, err
	}

	m.store.SaveSession(outcome)

	m.logger.Info("logged in",
		slog.String("strategy", s.Name()),
		slog.Int64("user_id", outcome.Profile.ID),
		slog.String("email", outcome.Profile.Email),
	)

	return outcome, nil
}

// SendEmailCode triggers delivery of a login code. The session is not
// touched.
func (m *Manager) SendEmailCode(ctx context.Context, email string) (bool, error) {
	return SendEmailCode(ctx, m.api, email)
}

// HandoffSSO obtains a cross-application code using the current session
// token. The session is not touched.
func (m *Manager) HandoffSSO(ctx context.Context, redirectURI string) (string, error) {
	return BearerHandoff(ctx, m.api, m.store.Token(), redirectURI)
}

// Logout tells the backend the session is over and clears it locally. The
// local clear happens whether or not the backend call succeeds; the
// backend error is returned for information only.
func (m *Manager) Logout(ctx context.Context) error {
	var remoteErr error
	if m.store.IsAuthenticated() {
		remoteErr = m.api.Do(ctx, transport.Call{Endpoint: EndpointLogout}, nil)
		if remoteErr != nil {
			m.logger.Warn("backend logout failed", slog.String("error", remoteErr.Error()))
		}
	}

	m.store.ClearSession()
	m.logger.Info("logged out")

	if remoteErr != nil {
		return fmt.Errorf("logging out: %w", remoteErr)
	}

	return nil
}

// RegisterRequest is the sign-up payload.
type RegisterRequest struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Email    string   `json:"email"`
	Roles    []string `json:"roles,omitempty"`
}

// Register creates an account. It fails immediately with
// ErrRegistrationDisabled when the deployment has sign-up turned off.
// Registration does not log the user in.
func (m *Manager) Register(ctx context.Context, req RegisterRequest) (string, error) {
	if !m.opts.RegistrationEnabled {
		return "", apperrors.ErrRegistrationDisabled
	}

	req.Username = strings.TrimSpace(req.Username)
	req.Email = normalizeEmail(req.Email)

	if req.Username == "" || req.Email == "" || req.Password == "" {
		return "", fmt.Errorf("register: username, email and password: %w", apperrors.ErrMissingInput)
	}

	if len(req.Roles) == 0 {
		req.Roles = []string{m.opts.DefaultRole}
	}

	var msg string
	if err := m.api.Do(ctx, transport.Call{Endpoint: EndpointRegister, Body: req}, &msg); err != nil {
		return "", rejected("register", err)
	}

	if msg == "" {
		return "", fmt.Errorf("register: backend sent no confirmation: %w", apperrors.ErrAPIResponse)
	}

	m.logger.Info("registered account", slog.String("email", req.Email))

	return msg, nil
}

// RefreshProfile re-fetches the user profile for the current session and
// stores it.
func (m *Manager) RefreshProfile(ctx context.Context) (*models.Profile, error) {
	if !m.store.IsAuthenticated() {
		return nil, fmt.Errorf("refreshing profile: %w", apperrors.ErrNotAuthenticated)
	}

	var profile models.Profile
	if err := m.api.Do(ctx, transport.Call{Method: http.MethodGet, Endpoint: EndpointUserInfo}, &profile); err != nil {
		return nil, fmt.Errorf("refreshing profile: %w", err)
	}

	m.store.SetProfile(&profile)

	return m.store.Profile(), nil
}

// ProfileUpdate is a partial profile edit. Empty fields are not sent.
type ProfileUpdate struct {
	Username string `json:"username,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// UpdateProfile sends a profile edit for the current session and stores
// the profile the backend answers with. The token is left alone.
func (m *Manager) UpdateProfile(ctx context.Context, update ProfileUpdate) (*models.Profile, error) {
	if !m.store.IsAuthenticated() {
		return nil, fmt.Errorf("updating profile: %w", apperrors.ErrNotAuthenticated)
	}

	update.Username = strings.TrimSpace(update.Username)
	update.Nickname = strings.TrimSpace(update.Nickname)
	update.Phone = strings.TrimSpace(update.Phone)
	update.Avatar = strings.TrimSpace(update.Avatar)

	if update == (ProfileUpdate{}) {
		return nil, fmt.Errorf("updating profile: no fields to change: %w", apperrors.ErrMissingInput)
	}

	var profile *models.Profile
	if err := m.api.Do(ctx, transport.Call{Endpoint: EndpointUpdateProfile, Body: update}, &profile); err != nil {
		return nil, fmt.Errorf("updating profile: %w", err)
	}

	if profile == nil {
		return nil, fmt.Errorf("updating profile: response has no user info: %w", apperrors.ErrAPIResponse)
	}

	m.store.SetProfile(profile)
	m.logger.Info("profile updated", slog.Int64("user_id", profile.ID))

	return m.store.Profile(), nil
}
