package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/sessiongate/internal/guard"
	"github.com/alexjbarnes/sessiongate/internal/identity"
	"github.com/alexjbarnes/sessiongate/internal/state"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the sessiongate
// client.
type Config struct {
	// Base URL of the identity backend API.
	APIURL string `env:"SESSIONGATE_API_URL" envDefault:"http://localhost:8080/api"`

	// Session database. Defaults to ~/.sessiongate/state.db.
	StatePath string `env:"SESSIONGATE_STATE_PATH"`

	// Optional YAML route table. The built-in table is used when empty.
	RoutesFile string `env:"SESSIONGATE_ROUTES_FILE"`

	// Where unauthenticated users are sent, and where authenticated users
	// land when they open a login screen.
	LoginRoute string `env:"SESSIONGATE_LOGIN_ROUTE" envDefault:"/auth"`
	HomeRoute  string `env:"SESSIONGATE_HOME_ROUTE" envDefault:"/home"`

	// Self-service registration is off unless explicitly enabled.
	RegistrationEnabled bool   `env:"SESSIONGATE_REGISTRATION_ENABLED" envDefault:"false"`
	DefaultRole         string `env:"SESSIONGATE_DEFAULT_ROLE" envDefault:"ROLE_MERCHANT"`

	// Client id presented when exchanging SSO codes.
	OAuthClientID string `env:"SESSIONGATE_OAUTH_CLIENT_ID"`

	RequestTimeout time.Duration `env:"SESSIONGATE_REQUEST_TIMEOUT" envDefault:"10s"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// IdentityConfig holds configuration for the local identity server.
type IdentityConfig struct {
	ListenAddr string `env:"IDENTITY_LISTEN_ADDR" envDefault:":8080"`

	// Seed accounts: "email:password[:ROLE_A|ROLE_B],..."
	Users string `env:"IDENTITY_USERS"`

	// Token signing key. A random key is generated when empty, which
	// invalidates every token on restart.
	TokenSecret string        `env:"IDENTITY_TOKEN_SECRET"`
	TokenTTL    time.Duration `env:"IDENTITY_TOKEN_TTL" envDefault:"24h"`

	// Client ids allowed to redeem SSO codes. Empty allows any.
	Clients []string `env:"IDENTITY_CLIENTS" envSeparator:","`

	// Mount the stand-in OAuth provider under /dev.
	DevProvider bool `env:"IDENTITY_DEV_PROVIDER" envDefault:"true"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads client configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.StatePath == "" {
		path, err := state.DefaultPath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("SESSIONGATE_API_URL must be an absolute http(s) URL, got %q", c.APIURL)
	}

	if !strings.HasPrefix(c.LoginRoute, "/") {
		return fmt.Errorf("SESSIONGATE_LOGIN_ROUTE must start with /")
	}

	if !strings.HasPrefix(c.HomeRoute, "/") {
		return fmt.Errorf("SESSIONGATE_HOME_ROUTE must start with /")
	}

	if guard.Clean(c.LoginRoute) == guard.Clean(c.HomeRoute) {
		return fmt.Errorf("SESSIONGATE_LOGIN_ROUTE and SESSIONGATE_HOME_ROUTE must differ")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("SESSIONGATE_REQUEST_TIMEOUT must be positive")
	}

	if c.RegistrationEnabled && c.DefaultRole == "" {
		return fmt.Errorf("SESSIONGATE_DEFAULT_ROLE is required when registration is enabled")
	}

	return validateLogLevel(c.LogLevel)
}

func validateLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "", "debug", "info", "warn", "error":
		return nil
	}

	return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", level)
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Routes returns the route table: the file named by
// SESSIONGATE_ROUTES_FILE, or the built-in table.
func (c *Config) Routes() (*guard.Table, error) {
	routes := guard.DefaultRoutes()

	if c.RoutesFile != "" {
		loaded, err := guard.LoadRoutes(c.RoutesFile)
		if err != nil {
			return nil, err
		}

		routes = loaded
	}

	table, err := guard.NewTable(routes)
	if err != nil {
		return nil, fmt.Errorf("building route table: %w", err)
	}

	if _, ok := table.Lookup(c.LoginRoute); !ok {
		return nil, fmt.Errorf("login route %q is not declared in the route table", c.LoginRoute)
	}

	return table, nil
}

// LoadIdentity reads identity server configuration from environment
// variables, loading a .env file first if present.
func LoadIdentity() (*IdentityConfig, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &IdentityConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *IdentityConfig) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("IDENTITY_LISTEN_ADDR is required")
	}

	if c.TokenTTL <= 0 {
		return fmt.Errorf("IDENTITY_TOKEN_TTL must be positive")
	}

	if c.TokenSecret != "" && len(c.TokenSecret) < tokenSecretMinLen {
		return fmt.Errorf("IDENTITY_TOKEN_SECRET too short (minimum %d characters)", tokenSecretMinLen)
	}

	if _, err := c.SeedUsers(); err != nil {
		return err
	}

	return validateLogLevel(c.LogLevel)
}

// tokenSecretMinLen is the minimum length for a configured signing key.
const tokenSecretMinLen = 32

// SeedUsers parses IDENTITY_USERS.
func (c *IdentityConfig) SeedUsers() ([]identity.SeedUser, error) {
	users, err := identity.ParseUsers(c.Users)
	if err != nil {
		return nil, fmt.Errorf("parsing IDENTITY_USERS: %w", err)
	}

	seen := make(map[string]struct{}, len(users))
	for _, u := range users {
		key := identity.NormalizeEmail(u.Email)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("duplicate email %q in IDENTITY_USERS", u.Email)
		}

		seen[key] = struct{}{}
	}

	return users, nil
}

// StoreOptions translates the configuration into identity store options.
func (c *IdentityConfig) StoreOptions() []identity.Option {
	opts := []identity.Option{identity.WithTokenTTL(c.TokenTTL)}

	if c.TokenSecret != "" {
		opts = append(opts, identity.WithSecret([]byte(c.TokenSecret)))
	}

	if len(c.Clients) > 0 {
		opts = append(opts, identity.WithClients(c.Clients...))
	}

	return opts
}
