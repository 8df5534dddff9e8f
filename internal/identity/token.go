package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultTokenTTL = 24 * time.Hour

	// issuer is stamped into every token this backend signs.
	issuer = "sessiongate-identity"

	// providerAudience marks credentials minted by the stand-in OAuth
	// provider, so an access token cannot be replayed as a credential.
	providerAudience = "oauth-provider"

	// apiAudience marks access tokens for this API.
	apiAudience = "api"
)

// TokenInfo describes a validated access token.
type TokenInfo struct {
	ID        string
	UserID    int64
	ExpiresAt time.Time
}

// IssuedToken is a freshly signed access token.
type IssuedToken struct {
	AccessToken string
	ExpiresAt   time.Time
}

// credentialClaims is the payload of a provider credential.
type credentialClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// idTokenClaims is the payload of the id_token handed out on code exchange.
type idTokenClaims struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

func (s *Store) sign(claims jwt.Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}

	return signed, nil
}

func (s *Store) parse(raw string, claims jwt.Claims, audience string) error {
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)

	return err
}

// IssueToken signs an access token for userID.
func (s *Store) IssueToken(userID int64) (*IssuedToken, error) {
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)

	signed, err := s.sign(jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    issuer,
		Subject:   strconv.FormatInt(userID, 10),
		Audience:  jwt.ClaimStrings{apiAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	if err != nil {
		return nil, err
	}

	return &IssuedToken{AccessToken: signed, ExpiresAt: expiresAt}, nil
}

// ValidateToken checks signature, expiry and revocation of an access
// token and returns its details.
func (s *Store) ValidateToken(raw string) (*TokenInfo, error) {
	var claims jwt.RegisteredClaims
	if err := s.parse(raw, &claims, apiAudience); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad subject %q", ErrInvalidToken, claims.Subject)
	}

	s.mu.RLock()
	_, revoked := s.revoked[claims.ID]
	_, exists := s.byID[userID]
	s.mu.RUnlock()

	if revoked {
		return nil, fmt.Errorf("%w: revoked", ErrInvalidToken)
	}

	if !exists {
		return nil, fmt.Errorf("%w: unknown user", ErrInvalidToken)
	}

	return &TokenInfo{ID: claims.ID, UserID: userID, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// RevokeToken invalidates an access token. Revoking an invalid token is a
// no-op.
func (s *Store) RevokeToken(raw string) bool {
	ti, err := s.ValidateToken(raw)
	if err != nil {
		return false
	}

	s.mu.Lock()
	s.revoked[ti.ID] = ti.ExpiresAt
	s.mu.Unlock()

	s.logger.Debug("token revoked", slog.Int64("user_id", ti.UserID))

	return true
}

// IssueCredential stands in for an external identity provider: it mints
// the credential blob a client would receive from a sign-in widget.
func (s *Store) IssueCredential(email string) (string, error) {
	email = NormalizeEmail(email)
	if _, ok := s.UserByEmail(email); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAccount, email)
	}

	now := s.now()

	return s.sign(credentialClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{providerAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(providerCodeExpiry)),
		},
	})
}

// VerifyCredential checks a provider credential and returns the email it
// vouches for.
func (s *Store) VerifyCredential(raw string) (string, error) {
	var claims credentialClaims
	if err := s.parse(raw, &claims, providerAudience); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidProvider, err)
	}

	if claims.Email == "" {
		return "", errors.Join(ErrInvalidProvider, errors.New("credential has no email"))
	}

	return claims.Email, nil
}

// issueIDToken signs an OpenID-style id_token for the exchanged session.
func (s *Store) issueIDToken(userID int64, clientID string) (string, error) {
	profile, ok := s.UserByID(userID)
	if !ok {
		return "", fmt.Errorf("%w: unknown user", ErrInvalidToken)
	}

	now := s.now()

	return s.sign(idTokenClaims{
		Email: profile.Email,
		Name:  profile.DisplayName(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   strconv.FormatInt(userID, 10),
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	})
}
