package e2e_test

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/sessiongate/internal/guard"
	"github.com/alexjbarnes/sessiongate/internal/identity"
	"github.com/alexjbarnes/sessiongate/internal/login"
	"github.com/alexjbarnes/sessiongate/internal/server"
	"github.com/alexjbarnes/sessiongate/internal/session"
	"github.com/alexjbarnes/sessiongate/internal/state"
	"github.com/alexjbarnes/sessiongate/internal/transport"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/bcrypt"
)

const (
	annEmail    = "ann@example.com"
	annPassword = "ann-secret"
	bobEmail    = "bob@example.com"
	bobPassword = "bob-secret"
	testClient  = "e2e-portal"
	redirectURI = "http://127.0.0.1:19876/oauth/callback"
)

// mailbox captures emailed login codes.
type mailbox struct {
	mu    sync.Mutex
	codes map[string]string
}

func (m *mailbox) SendCode(email, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.codes[email] = code

	return nil
}

func (m *mailbox) code(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.codes[email]
}

// backend is a running identity server.
type backend struct {
	URL     string
	Store   *identity.Store
	Mailbox *mailbox
}

// newBackend starts the identity HTTP stack via server.NewMux on an
// httptest server, with two seeded accounts.
func newBackend(t *testing.T) *backend {
	t.Helper()

	return newBackendWith(t, nil)
}

// newBackendWith is newBackend with the handler wrapped by wrap.
func newBackendWith(t *testing.T, wrap func(*identity.Store, http.Handler) http.Handler) *backend {
	t.Helper()

	store := identity.NewStore(slog.New(slog.DiscardHandler),
		identity.WithPasswordCost(bcrypt.MinCost),
		identity.WithClients(testClient),
	)
	t.Cleanup(store.Stop)

	require.NoError(t, store.Seed([]identity.SeedUser{
		{Email: annEmail, Password: annPassword, Roles: []string{"ROLE_MERCHANT"}},
		{Email: bobEmail, Password: bobPassword},
	}))

	mb := &mailbox{codes: make(map[string]string)}

	var handler http.Handler = server.NewMux(server.MuxConfig{
		Store:       store,
		Sender:      mb,
		DevProvider: true,
	})
	if wrap != nil {
		handler = wrap(store, handler)
	}

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &backend{URL: srv.URL, Store: store, Mailbox: mb}
}

// client is one application instance: durable state, session store,
// transport, route guard and login manager wired the way the CLI does it.
type client struct {
	StatePath string
	State     *state.State
	Session   *session.Store
	Transport *transport.Client
	Router    *guard.Router
	Manager   *login.Manager

	backend *backend
	opts    login.Options
}

func newClient(t *testing.T, b *backend, opts login.Options) *client {
	t.Helper()

	c := &client{
		StatePath: filepath.Join(t.TempDir(), "state.db"),
		backend:   b,
		opts:      opts,
	}
	c.open(t)

	return c
}

func (c *client) open(t *testing.T) {
	t.Helper()

	st, err := state.LoadAt(c.StatePath)
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)

	c.State = st
	c.Session = session.New(st, logger)
	c.Transport = transport.NewClient(transport.Options{
		BaseURL: c.backend.URL + server.APIPrefix,
		Timeout: 5 * time.Second,
		Session: c.Session,
		Logger:  logger,
	})

	table, err := guard.NewTable(guard.DefaultRoutes())
	require.NoError(t, err)

	c.Router = guard.NewRouter(guard.New(c.Session, table, "/auth", "/home"), logger)
	c.Transport.SetRedirector(c.Router)
	c.Manager = login.NewManager(c.Transport, c.Session, c.opts, logger)

	t.Cleanup(func() { _ = st.Close() })
}

// restart closes the database and rebuilds the client from disk, the way
// a relaunched application would.
func (c *client) restart(t *testing.T) {
	t.Helper()

	require.NoError(t, c.State.Close())
	c.open(t)
}

// revokeExchangedTokens revokes every access token the SSO token endpoint
// hands out before the response reaches the client, so the first call made
// with it is refused.
func revokeExchangedTokens(store *identity.Store, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != server.APIPrefix+login.EndpointSSOToken {
			next.ServeHTTP(w, r)
			return
		}

		rec := httptest.NewRecorder()
		next.ServeHTTP(rec, r)

		if tok := gjson.GetBytes(rec.Body.Bytes(), "access_token").String(); tok != "" {
			store.RevokeToken(tok)
		}

		for k, v := range rec.Header() {
			w.Header()[k] = v
		}
		w.WriteHeader(rec.Code)
		w.Write(rec.Body.Bytes())
	})
}

// noRedirect returns an HTTP client that stops at the first redirect.
func noRedirect() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
