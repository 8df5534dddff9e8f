// Package guard decides whether a route transition may proceed. It looks
// only at whether the session holds a token; whether the backend still
// accepts that token is discovered by the transport on the next request.
package guard

import "github.com/alexjbarnes/sessiongate/internal/models"

// Authenticator reports local session presence. *session.Store
// satisfies it.
type Authenticator interface {
	IsAuthenticated() bool
}

// Verdict is the guard's answer for one transition.
type Verdict struct {
	Allow  bool
	Target string
}

// Allow lets the transition commit.
func Allow() Verdict { return Verdict{Allow: true} }

// RedirectTo replaces the destination with target.
func RedirectTo(target string) Verdict { return Verdict{Target: target} }

func (v Verdict) String() string {
	if v.Allow {
		return "allow"
	}

	return "redirect(" + v.Target + ")"
}

// Guard evaluates transitions against a route table.
type Guard struct {
	auth       Authenticator
	routes     *Table
	loginRoute string
	homeRoute  string
}

// New creates a guard. Undeclared routes require authentication.
func New(auth Authenticator, routes *Table, loginRoute, homeRoute string) *Guard {
	return &Guard{
		auth:       auth,
		routes:     routes,
		loginRoute: Clean(loginRoute),
		homeRoute:  Clean(homeRoute),
	}
}

// Routes returns the guard's route table.
func (g *Guard) Routes() *Table {
	return g.routes
}

// LoginRoute returns where unauthenticated users are sent.
func (g *Guard) LoginRoute() string {
	return g.loginRoute
}

// Evaluate returns the verdict for navigating to path. Static redirects
// are followed first so a legacy alias is judged as its target.
func (g *Guard) Evaluate(path string) Verdict {
	if target, err := g.routes.Resolve(path); err == nil {
		path = target
	}

	route, ok := g.routes.Lookup(path)

	access := models.Authenticated
	if ok {
		access = route.Access
	}

	authed := g.auth.IsAuthenticated()

	if access == models.Public {
		if authed && route.Entry {
			return RedirectTo(g.homeRoute)
		}

		return Allow()
	}

	if !authed {
		return RedirectTo(g.loginRoute)
	}

	return Allow()
}
