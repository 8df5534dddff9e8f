package guard

import (
	"fmt"
	"os"
	"strings"

	"github.com/alexjbarnes/sessiongate/internal/models"
	"gopkg.in/yaml.v3"
)

// maxRedirectHops bounds static and guard redirect chains.
const maxRedirectHops = 8

// Route declares how a path may be reached.
type Route struct {
	Path   string        `yaml:"path"`
	Access models.Access `yaml:"access"`

	// Redirect sends the path elsewhere before any access check.
	Redirect string `yaml:"redirect,omitempty"`

	// Entry marks login and registration screens, which an authenticated
	// user is bounced away from.
	Entry bool `yaml:"entry,omitempty"`
}

// routeFile is the YAML layout of a routes file.
type routeFile struct {
	Routes []Route `yaml:"routes"`
}

// Table is an immutable set of routes keyed by path.
type Table struct {
	routes map[string]Route
}

// DefaultRoutes is the application's built-in route table.
func DefaultRoutes() []Route {
	return []Route{
		{Path: "/", Redirect: "/auth"},
		{Path: "/auth", Access: models.Public, Entry: true},
		{Path: "/register", Access: models.Public, Entry: true},
		{Path: "/oauth/callback", Access: models.Public},
		{Path: "/change-email", Access: models.Public},
		{Path: "/set-password", Access: models.Public},
		{Path: "/login", Redirect: "/auth"},
		{Path: "/forgot-password", Redirect: "/auth"},
		{Path: "/reset-password", Redirect: "/auth"},
		{Path: "/home", Access: models.Authenticated},
	}
}

// NewTable validates routes and builds a table.
func NewTable(routes []Route) (*Table, error) {
	t := &Table{routes: make(map[string]Route, len(routes))}

	for i, r := range routes {
		if !strings.HasPrefix(r.Path, "/") {
			return nil, fmt.Errorf("route %d: path %q must start with /", i+1, r.Path)
		}

		r.Path = Clean(r.Path)
		if _, dup := t.routes[r.Path]; dup {
			return nil, fmt.Errorf("route %d: duplicate path %q", i+1, r.Path)
		}

		if r.Redirect != "" {
			if !strings.HasPrefix(r.Redirect, "/") {
				return nil, fmt.Errorf("route %q: redirect %q must start with /", r.Path, r.Redirect)
			}

			r.Redirect = Clean(r.Redirect)
		}

		t.routes[r.Path] = r
	}

	for path := range t.routes {
		if _, err := t.Resolve(path); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// LoadRoutes reads a YAML routes file:
//
//	routes:
//	  - path: /auth
//	    access: public
//	    entry: true
func LoadRoutes(path string) ([]Route, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading routes file: %w", err)
	}

	var f routeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing routes file: %w", err)
	}

	if len(f.Routes) == 0 {
		return nil, fmt.Errorf("routes file %s declares no routes", path)
	}

	return f.Routes, nil
}

// Lookup returns the route declared for path.
func (t *Table) Lookup(path string) (Route, bool) {
	r, ok := t.routes[Clean(path)]
	return r, ok
}

// Resolve follows static redirects from path and returns the final path.
func (t *Table) Resolve(path string) (string, error) {
	path = Clean(path)

	for hops := 0; hops < maxRedirectHops; hops++ {
		r, ok := t.routes[path]
		if !ok || r.Redirect == "" {
			return path, nil
		}

		path = r.Redirect
	}

	return "", fmt.Errorf("redirect loop starting at %q", path)
}

// Len returns the number of declared routes.
func (t *Table) Len() int {
	return len(t.routes)
}

// Clean drops the query string, fragment and trailing slash from path.
func Clean(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}

	if path == "" {
		return "/"
	}

	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			return "/"
		}
	}

	return path
}
