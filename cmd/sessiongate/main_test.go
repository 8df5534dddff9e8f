package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/sessiongate/internal/config"
	apperrors "github.com/alexjbarnes/sessiongate/internal/errors"
	"github.com/alexjbarnes/sessiongate/internal/identity"
	"github.com/alexjbarnes/sessiongate/internal/server"
	"github.com/alexjbarnes/sessiongate/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type testEnv struct {
	cfg   *config.Config
	store *identity.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := identity.NewStore(nil, identity.WithPasswordCost(bcrypt.MinCost))
	t.Cleanup(store.Stop)

	_, err := store.AddUser("ann", "ann@example.com", "secret", "ROLE_MERCHANT")
	require.NoError(t, err)

	srv := httptest.NewServer(server.NewMux(server.MuxConfig{Store: store}))
	t.Cleanup(srv.Close)

	return &testEnv{
		cfg: &config.Config{
			APIURL:         srv.URL + server.APIPrefix,
			StatePath:      filepath.Join(t.TempDir(), "state.db"),
			LoginRoute:     "/auth",
			HomeRoute:      "/home",
			DefaultRole:    "ROLE_MERCHANT",
			OAuthClientID:  "portal",
			RequestTimeout: 5 * time.Second,
			Environment:    "test",
			LogLevel:       "error",
		},
		store: store,
	}
}

// run executes one CLI invocation against the env, the way a user would
// from a fresh process.
func (e *testEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	c := &cli{load: func() (*app, error) { return newApp(e.cfg) }}
	defer func() { require.NoError(t, c.close()) }()

	root := c.rootCmd()

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())

	return out.String(), err
}

func (e *testEnv) login(t *testing.T) {
	t.Helper()

	_, err := e.run(t, "secret\n", "login", "--email", "ann@example.com", "--password", "-")
	require.NoError(t, err)
}

func TestLogin_PasswordFromStdinPersists(t *testing.T) {
	e := newTestEnv(t)

	out, err := e.run(t, "secret\n", "login", "--email", "ann@example.com", "--password", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged in as ann")
	assert.Contains(t, out, "Route: /home")

	out, err = e.run(t, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged in")
	assert.Contains(t, out, "ann@example.com")
	assert.Contains(t, out, "Token expires")
}

func TestLogin_WrongPassword(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.run(t, "", "login", "--email", "ann@example.com", "--password", "nope")
	require.ErrorIs(t, err, apperrors.ErrCredentialRejected)
	assert.Contains(t, err.Error(), "invalid email or password")

	out, err := e.run(t, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Not logged in.")
}

func TestLogin_NeedsAMethod(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.run(t, "", "login", "--email", "ann@example.com")
	assert.Error(t, err)
}

func TestLogin_Credential(t *testing.T) {
	e := newTestEnv(t)

	cred, err := e.store.IssueCredential("ann@example.com")
	require.NoError(t, err)

	out, err := e.run(t, "", "login", "--credential", cred)
	require.NoError(t, err)
	assert.Contains(t, out, "Logged in as ann")
}

func TestWhoami_RevokedSessionIsCleared(t *testing.T) {
	e := newTestEnv(t)
	e.login(t)

	out, err := e.run(t, "", "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, `"email": "ann@example.com"`)

	// Revoke the stored token server-side only.
	st, err := state.LoadAt(e.cfg.StatePath)
	require.NoError(t, err)
	token, ok := st.Get(state.KeyToken)
	require.NoError(t, st.Close())
	require.True(t, ok)
	require.True(t, e.store.RevokeToken(token))

	_, err = e.run(t, "", "whoami")
	require.ErrorIs(t, err, apperrors.ErrSessionInvalidated)
	assert.Contains(t, err.Error(), "now at /auth")

	out, err = e.run(t, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Not logged in.")
}

func TestUpdateProfile(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.run(t, "", "update-profile", "--nickname", "Ace")
	require.ErrorIs(t, err, apperrors.ErrNotAuthenticated)

	e.login(t)

	out, err := e.run(t, "", "update-profile", "--nickname", "Ace")
	require.NoError(t, err)
	assert.Contains(t, out, `"nickname": "Ace"`)

	st, err := state.LoadAt(e.cfg.StatePath)
	require.NoError(t, err)
	info, ok := st.Get(state.KeyUserInfo)
	require.NoError(t, st.Close())
	require.True(t, ok)
	assert.Contains(t, info, `"nickname":"Ace"`)
}

func TestHandoffThenExchange(t *testing.T) {
	e := newTestEnv(t)
	e.login(t)

	out, err := e.run(t, "", "handoff", "--redirect-uri", "https://shop.example.com/sso")
	require.NoError(t, err)

	code := strings.TrimSpace(out)
	require.NotEmpty(t, code)

	out, err = e.run(t, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged in", "handoff must not touch the session")

	out, err = e.run(t, "", "exchange", "--code", code)
	require.NoError(t, err)
	assert.Contains(t, out, "Logged in as ann")

	_, err = e.run(t, "", "exchange", "--code", code)
	require.ErrorIs(t, err, apperrors.ErrCodeExchange)
}

func TestLogout(t *testing.T) {
	e := newTestEnv(t)
	e.login(t)

	out, err := e.run(t, "", "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged out")

	out, err = e.run(t, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Not logged in.")
}

func TestRegister_DisabledByDefault(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.run(t, "", "register", "--username", "bob", "--email", "bob@example.com", "--password", "pw")
	require.ErrorIs(t, err, apperrors.ErrRegistrationDisabled)

	_, ok := e.store.UserByEmail("bob@example.com")
	assert.False(t, ok)
}

func TestRegister_Enabled(t *testing.T) {
	e := newTestEnv(t)
	e.cfg.RegistrationEnabled = true

	out, err := e.run(t, "", "register", "--username", "bob", "--email", "bob@example.com", "--password", "pw")
	require.NoError(t, err)
	assert.Contains(t, out, "registration successful")

	p, ok := e.store.UserByEmail("bob@example.com")
	require.True(t, ok)
	assert.True(t, p.HasRole("ROLE_MERCHANT"))

	out, err = e.run(t, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Not logged in.", "registration does not log in")
}

func TestNavigate(t *testing.T) {
	e := newTestEnv(t)

	out, err := e.run(t, "", "navigate", "/orders")
	require.NoError(t, err)
	assert.Equal(t, "/auth\n", out)

	e.login(t)

	out, err = e.run(t, "", "navigate", "/auth")
	require.NoError(t, err)
	assert.Equal(t, "/home\n", out)

	out, err = e.run(t, "", "navigate", "/login")
	require.NoError(t, err)
	assert.Equal(t, "/home\n", out)
}

func TestReadSecret(t *testing.T) {
	got, err := readSecret(strings.NewReader("ignored"), "literal")
	require.NoError(t, err)
	assert.Equal(t, "literal", got)

	got, err = readSecret(strings.NewReader("from-stdin\r\nnext"), "-")
	require.NoError(t, err)
	assert.Equal(t, "from-stdin", got)

	_, err = readSecret(strings.NewReader(""), "-")
	assert.Error(t, err)
}

// closerFunc adapts a func to io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// failingCloseLoader loads a real app whose database reports an error when
// released.
func failingCloseLoader(e *testEnv) appLoader {
	return func() (*app, error) {
		a, err := newApp(e.cfg)
		if err != nil {
			return nil, err
		}

		db := a.state
		a.state = closerFunc(func() error {
			_ = db.Close()
			return errors.New("disk gone")
		})

		return a, nil
	}
}

func TestExecute_ReportsCloseError(t *testing.T) {
	e := newTestEnv(t)

	c := &cli{load: failingCloseLoader(e)}
	root := c.rootCmd()
	root.SetOut(io.Discard)
	root.SetArgs([]string{"status"})

	err := c.execute(context.Background(), root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closing session database")
	assert.Contains(t, err.Error(), "disk gone")
	assert.Nil(t, c.app)
}

func TestExecute_KeepsCommandErrorWithCloseError(t *testing.T) {
	e := newTestEnv(t)

	c := &cli{load: failingCloseLoader(e)}
	root := c.rootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"login", "--email", "ann@example.com", "--password", "nope"})

	err := c.execute(context.Background(), root)
	require.ErrorIs(t, err, apperrors.ErrCredentialRejected)
	assert.Contains(t, err.Error(), "disk gone")
}

func TestExecute_CleanClose(t *testing.T) {
	e := newTestEnv(t)

	c := &cli{load: func() (*app, error) { return newApp(e.cfg) }}
	root := c.rootCmd()
	root.SetOut(io.Discard)
	root.SetArgs([]string{"status"})

	require.NoError(t, c.execute(context.Background(), root))
	assert.Nil(t, c.app)
}
