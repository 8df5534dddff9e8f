// Package session holds the authoritative client session: the bearer token
// and the user profile it belongs to. The two are only ever set or cleared
// together. A durable Storage mirrors the session so it survives restarts;
// the in-memory copy stays correct even when the mirror cannot be written.
package session

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/sessiongate/internal/models"
	"github.com/alexjbarnes/sessiongate/internal/state"
	"github.com/golang-jwt/jwt/v5"
)

// Storage is the durable key/value mirror. *state.State satisfies it.
type Storage interface {
	Get(key string) (string, bool)
	Put(pairs map[string]string) error
	Remove(keys ...string) error
}

// Session is a point-in-time copy of the store.
type Session struct {
	Token   string
	Profile *models.Profile
}

// Store is the single source of truth for "is authenticated". It is safe
// for concurrent use; concurrent writers resolve last-write-wins.
type Store struct {
	// writeMu orders writers so storage ends up matching memory.
	writeMu sync.Mutex

	mu      sync.RWMutex
	token   string
	profile *models.Profile

	storage Storage
	logger  *slog.Logger
}

// New creates a store and rehydrates it from storage. A token without a
// readable profile, or a profile without a token, is treated as no
// session and scrubbed from storage.
func New(storage Storage, logger *slog.Logger) *Store {
	if storage == nil {
		storage = NewMemoryStorage()
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Store{storage: storage, logger: logger}
	s.rehydrate()

	return s
}

func (s *Store) rehydrate() {
	token, hasToken := s.storage.Get(state.KeyToken)
	raw, hasInfo := s.storage.Get(state.KeyUserInfo)

	if !hasToken && !hasInfo {
		return
	}

	var profile *models.Profile
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &profile); err != nil {
			s.logger.Warn("discarding unreadable stored profile", slog.String("error", err.Error()))
			profile = nil
		}
	}

	if token == "" || profile == nil {
		if token != "" || profile != nil {
			s.logger.Warn("stored session is incomplete, clearing it",
				slog.Bool("token", token != ""),
				slog.Bool("profile", profile != nil),
			)
		}

		s.removeStored()

		return
	}

	s.token = token
	s.profile = profile

	s.logger.Debug("session restored",
		slog.Int64("user_id", profile.ID),
		slog.String("email", profile.Email),
	)
}

// SaveSession replaces the session with the outcome. A nil or incomplete
// outcome clears the session instead.
func (s *Store) SaveSession(outcome *models.LoginOutcome) {
	if !outcome.Valid() {
		s.ClearSession()
		return
	}

	profile := outcome.Profile.Clone()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.token = outcome.Token
	s.profile = profile
	s.mu.Unlock()

	data, err := json.Marshal(profile)
	if err != nil {
		s.logger.Warn("failed to encode profile", slog.String("error", err.Error()))
		return
	}

	if err := s.storage.Put(map[string]string{
		state.KeyToken:    outcome.Token,
		state.KeyUserInfo: string(data),
	}); err != nil {
		s.logger.Warn("failed to persist session", slog.String("error", err.Error()))
		return
	}

	s.logger.Debug("session saved", slog.Int64("user_id", profile.ID))
}

// ClearSession drops the token and profile and removes both from storage.
// Calling it on an empty store is harmless.
func (s *Store) ClearSession() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	had := s.token != ""
	s.token = ""
	s.profile = nil
	s.mu.Unlock()

	s.removeStored()

	if had {
		s.logger.Debug("session cleared")
	}
}

func (s *Store) removeStored() {
	if err := s.storage.Remove(state.KeyToken, state.KeyUserInfo); err != nil {
		s.logger.Warn("failed to remove stored session", slog.String("error", err.Error()))
	}
}

// SetToken swaps the token while keeping the current profile. This is the
// one exception to token/profile coupling and is only correct when the
// caller knows the profile still belongs to the new token, as after a
// token refresh. With no profile held the call is ignored, and an empty
// token clears the session.
func (s *Store) SetToken(token string) {
	if token == "" {
		s.ClearSession()
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.profile == nil {
		s.mu.Unlock()
		s.logger.Warn("ignoring token update without a session profile")

		return
	}
	s.token = token
	s.mu.Unlock()

	if err := s.storage.Put(map[string]string{state.KeyToken: token}); err != nil {
		s.logger.Warn("failed to persist token", slog.String("error", err.Error()))
	}
}

// SetProfile replaces the profile of the current session, for example
// after re-fetching user info. It is ignored when there is no session.
func (s *Store) SetProfile(p *models.Profile) {
	if p == nil {
		return
	}

	profile := p.Clone()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.token == "" {
		s.mu.Unlock()
		return
	}
	s.profile = profile
	s.mu.Unlock()

	data, err := json.Marshal(profile)
	if err != nil {
		s.logger.Warn("failed to encode profile", slog.String("error", err.Error()))
		return
	}

	if err := s.storage.Put(map[string]string{state.KeyUserInfo: string(data)}); err != nil {
		s.logger.Warn("failed to persist profile", slog.String("error", err.Error()))
	}
}

// IsAuthenticated reports whether a token is held. It does not check the
// token with the backend.
func (s *Store) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.token != ""
}

// Token returns the current bearer token, or "".
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.token
}

// Profile returns a copy of the current profile, or nil.
func (s *Store) Profile() *models.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.profile.Clone()
}

// Snapshot returns the token and profile read under one lock.
func (s *Store) Snapshot() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Session{Token: s.token, Profile: s.profile.Clone()}
}

// ExpiresAt returns the exp claim when the token is a JWT. The signature
// is not verified; the result is informational only.
func (s *Store) ExpiresAt() (time.Time, bool) {
	token := s.Token()
	if token == "" {
		return time.Time{}, false
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}

	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}

	return claims.ExpiresAt.Time, true
}
