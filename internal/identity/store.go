// Package identity is an in-process identity backend speaking the same
// wire contract as the production service. It backs the identity-dev
// server and the end-to-end tests. All state is in memory; accounts,
// codes and tokens are lost on restart.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/sessiongate/internal/models"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"
)

var (
	ErrEmailTaken      = errors.New("email already registered")
	ErrUnknownRole     = errors.New("unknown role")
	ErrBadCredentials  = errors.New("invalid email or password")
	ErrInvalidToken    = errors.New("invalid or expired token")
	ErrInvalidCode     = errors.New("invalid or expired code")
	ErrUnknownClient   = errors.New("unknown client")
	ErrUnknownAccount  = errors.New("no account for email")
	ErrInvalidProvider = errors.New("invalid provider credential")
)

const (
	// emailCodeExpiry controls how long a login code sent by email
	// remains valid.
	emailCodeExpiry = 5 * time.Minute

	// ssoCodeExpiry controls how long a handoff code can be redeemed.
	ssoCodeExpiry = time.Minute

	// providerCodeExpiry bounds the OAuth provider redirect round trip.
	providerCodeExpiry = 5 * time.Minute

	// cleanupInterval controls how often expired entries are reaped.
	cleanupInterval = 5 * time.Minute
)

// Roles the backend knows how to grant.
var knownRoles = map[string]models.Role{
	"ROLE_ADMIN":    {ID: 1, RoleName: "Administrator", RoleCode: "ROLE_ADMIN", Status: 1},
	"ROLE_MERCHANT": {ID: 2, RoleName: "Merchant", RoleCode: "ROLE_MERCHANT", Status: 1},
	"ROLE_USER":     {ID: 3, RoleName: "User", RoleCode: "ROLE_USER", Status: 1},
}

// account is a stored user.
type account struct {
	profile      models.Profile
	passwordHash []byte
}

// pendingCode is a one-time code bound to an email address.
type pendingCode struct {
	code      string
	email     string
	expiresAt time.Time
}

// SSOCode is a handoff code issued to an authenticated user for another
// application.
type SSOCode struct {
	Code        string
	UserID      int64
	RedirectURI string
	ExpiresAt   time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithSecret sets the token signing key. Without it a random key is used.
func WithSecret(secret []byte) Option {
	return func(s *Store) { s.secret = secret }
}

// WithPasswordCost sets the bcrypt cost for new password hashes.
func WithPasswordCost(cost int) Option {
	return func(s *Store) { s.passwordCost = cost }
}

// WithClients restricts code exchange to the given client ids. With no
// clients configured any non-empty client id is accepted.
func WithClients(ids ...string) Option {
	return func(s *Store) {
		for _, id := range ids {
			s.clients[id] = true
		}
	}
}

// WithTokenTTL sets how long issued access tokens live.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Store) { s.tokenTTL = ttl }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store holds all backend state.
type Store struct {
	mu            sync.RWMutex
	accounts      map[string]*account     // email -> account
	byID          map[int64]*account      // id -> account
	emailCodes    map[string]*pendingCode // email -> code
	providerCodes map[string]*pendingCode // provider code -> email
	ssoCodes      map[string]*SSOCode     // code -> SSOCode
	revoked       map[string]time.Time    // token id -> token expiry
	clients       map[string]bool
	nextID        int64

	secret       []byte
	passwordCost int
	tokenTTL     time.Duration
	now          func() time.Time
	logger       *slog.Logger
	stopGC       chan struct{}
	stopOnce     sync.Once
}

// NewStore creates an empty store and starts a background goroutine that
// periodically removes expired codes and revocations. Call Stop() to
// clean up the goroutine.
func NewStore(logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Store{
		accounts:      make(map[string]*account),
		byID:          make(map[int64]*account),
		emailCodes:    make(map[string]*pendingCode),
		providerCodes: make(map[string]*pendingCode),
		ssoCodes:      make(map[string]*SSOCode),
		revoked:       make(map[string]time.Time),
		clients:       make(map[string]bool),
		passwordCost:  bcrypt.DefaultCost,
		tokenTTL:      defaultTokenTTL,
		now:           time.Now,
		logger:        logger,
		stopGC:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if len(s.secret) == 0 {
		s.secret = []byte(RandomHex(32))
	}

	go s.gcLoop()

	return s
}

// Stop terminates the background cleanup goroutine. It is safe to call
// more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopGC) })
}

// gcLoop periodically removes expired entries.
func (s *Store) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopGC:
			return
		}
	}
}

// cleanup removes all expired entries from the store.
func (s *Store) cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, c := range s.emailCodes {
		if now.After(c.expiresAt) {
			delete(s.emailCodes, k)
		}
	}

	for k, c := range s.providerCodes {
		if now.After(c.expiresAt) {
			delete(s.providerCodes, k)
		}
	}

	for k, c := range s.ssoCodes {
		if now.After(c.ExpiresAt) {
			delete(s.ssoCodes, k)
		}
	}

	for k, exp := range s.revoked {
		if now.After(exp) {
			delete(s.revoked, k)
		}
	}
}

// NormalizeEmail lowercases, trims and NFC-normalizes an address so
// lookups match regardless of how the client typed it.
func NormalizeEmail(email string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(email)))
}

// AddUser creates an account. Roles default to ROLE_USER.
func (s *Store) AddUser(username, email, password string, roles ...string) (*models.Profile, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, fmt.Errorf("adding user: email and password are required")
	}

	if len(roles) == 0 {
		roles = []string{"ROLE_USER"}
	}

	granted := make([]models.Role, 0, len(roles))
	for _, code := range roles {
		role, ok := knownRoles[code]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRole, code)
		}

		granted = append(granted, role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.passwordCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	if username == "" {
		username = email[:strings.Index(email+"@", "@")]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[email]; exists {
		return nil, fmt.Errorf("%w: %s", ErrEmailTaken, email)
	}

	s.nextID++
	stamp := s.now().UTC().Format(time.DateTime)

	acct := &account{
		profile: models.Profile{
			ID:        s.nextID,
			Username:  username,
			Nickname:  username,
			Email:     email,
			Status:    1,
			CreatedAt: stamp,
			UpdatedAt: stamp,
			IsDeleted: "0",
			Roles:     granted,
		},
		passwordHash: hash,
	}

	s.accounts[email] = acct
	s.byID[acct.profile.ID] = acct

	return acct.profile.Clone(), nil
}

// Authenticate checks an email and password pair.
func (s *Store) Authenticate(email, password string) (*models.Profile, error) {
	email = NormalizeEmail(email)

	s.mu.RLock()
	acct, ok := s.accounts[email]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrBadCredentials
	}

	if err := bcrypt.CompareHashAndPassword(acct.passwordHash, []byte(password)); err != nil {
		return nil, ErrBadCredentials
	}

	return s.recordLogin(acct, ""), nil
}

// UserByID returns a copy of the profile with the given id.
func (s *Store) UserByID(id int64) (*models.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.byID[id]
	if !ok {
		return nil, false
	}

	return acct.profile.Clone(), true
}

// UserByEmail returns a copy of the profile registered under email.
func (s *Store) UserByEmail(email string) (*models.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[NormalizeEmail(email)]
	if !ok {
		return nil, false
	}

	return acct.profile.Clone(), true
}

// recordLogin stamps the account's last login and returns a copy.
func (s *Store) recordLogin(acct *account, ip string) *models.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct.profile.LastLoginTime = s.now().UTC().Format(time.DateTime)
	if ip != "" {
		acct.profile.LastLoginIP = ip
	}

	return acct.profile.Clone()
}

// ProfileChanges holds the fields a user may edit on their own profile.
// Empty fields are left unchanged.
type ProfileChanges struct {
	Username string
	Nickname string
	Phone    string
	Avatar   string
}

// Empty reports whether the change set edits nothing.
func (c ProfileChanges) Empty() bool {
	return c == ProfileChanges{}
}

// UpdateProfile applies changes to the account with the given id and
// returns the updated profile.
func (s *Store) UpdateProfile(id int64, changes ProfileChanges) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, ErrUnknownAccount)
	}

	if changes.Username != "" {
		acct.profile.Username = changes.Username
	}

	if changes.Nickname != "" {
		acct.profile.Nickname = changes.Nickname
	}

	if changes.Phone != "" {
		acct.profile.Phone = changes.Phone
	}

	if changes.Avatar != "" {
		acct.profile.Avatar = changes.Avatar
	}

	acct.profile.UpdatedAt = s.now().UTC().Format(time.DateTime)

	return acct.profile.Clone(), nil
}

// IssueEmailCode generates a six digit login code for email. It reports
// false when no account exists, in which case nothing is stored.
func (s *Store) IssueEmailCode(email string) (string, bool) {
	email = NormalizeEmail(email)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[email]; !ok {
		return "", false
	}

	// A new code replaces any earlier one for the address.
	code := randomDigits(6)
	s.emailCodes[email] = &pendingCode{code: code, email: email, expiresAt: s.now().Add(emailCodeExpiry)}

	return code, true
}

// ConsumeEmailCode redeems a login code. A code works once.
func (s *Store) ConsumeEmailCode(email, code string) (*models.Profile, error) {
	email = NormalizeEmail(email)
	code = strings.TrimSpace(code)

	s.mu.Lock()
	pc, ok := s.emailCodes[email]
	if ok && pc.code == code {
		delete(s.emailCodes, email)
	} else {
		ok = false
	}
	acct := s.accounts[email]
	s.mu.Unlock()

	if !ok || acct == nil || s.now().After(pc.expiresAt) {
		return nil, ErrInvalidCode
	}

	return s.recordLogin(acct, ""), nil
}

// IssueProviderCode stands in for an external OAuth provider: it returns
// an authorization code the callback endpoint will accept for email.
func (s *Store) IssueProviderCode(email string) (string, error) {
	email = NormalizeEmail(email)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[email]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAccount, email)
	}

	code := RandomHex(16)
	s.providerCodes[code] = &pendingCode{code: code, email: email, expiresAt: s.now().Add(providerCodeExpiry)}

	return code, nil
}

// ConsumeProviderCode redeems a provider authorization code.
func (s *Store) ConsumeProviderCode(code string) (*models.Profile, error) {
	s.mu.Lock()
	pc, ok := s.providerCodes[code]
	if ok {
		delete(s.providerCodes, code)
	}
	s.mu.Unlock()

	if !ok || s.now().After(pc.expiresAt) {
		return nil, ErrInvalidCode
	}

	s.mu.RLock()
	acct := s.accounts[pc.email]
	s.mu.RUnlock()

	if acct == nil {
		return nil, ErrInvalidCode
	}

	return s.recordLogin(acct, ""), nil
}

// SaveSSOCode issues a handoff code for userID.
func (s *Store) SaveSSOCode(userID int64, redirectURI string) *SSOCode {
	sc := &SSOCode{
		Code:        RandomHex(16),
		UserID:      userID,
		RedirectURI: redirectURI,
		ExpiresAt:   s.now().Add(ssoCodeExpiry),
	}

	s.mu.Lock()
	s.ssoCodes[sc.Code] = sc
	s.mu.Unlock()

	return sc
}

// ConsumeSSOCode retrieves and deletes a handoff code.
// Returns nil if not found or expired.
func (s *Store) ConsumeSSOCode(code string) *SSOCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.ssoCodes[code]
	if !ok {
		return nil
	}

	delete(s.ssoCodes, code)

	if s.now().After(sc.ExpiresAt) {
		return nil
	}

	return sc
}

// ClientAllowed reports whether clientID may redeem handoff codes.
func (s *Store) ClientAllowed(clientID string) bool {
	if clientID == "" {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.clients) == 0 || s.clients[clientID]
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}

// randomDigits returns n random decimal digits.
func randomDigits(n int) string {
	var sb strings.Builder

	ten := big.NewInt(10)
	for range n {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}

		sb.WriteByte(byte('0' + d.Int64()))
	}

	return sb.String()
}
