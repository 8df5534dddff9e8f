package guard

import (
	"fmt"
	"log/slog"
	"sync"
)

// Router holds the current route and runs every transition through the
// guard before committing it.
type Router struct {
	mu      sync.Mutex
	guard   *Guard
	current string
	logger  *slog.Logger
}

// NewRouter creates a router positioned at no route.
func NewRouter(g *Guard, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Router{guard: g, logger: logger}
}

// Current returns the last committed path, or "" before the first push.
func (r *Router) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.current
}

// Push navigates to path. Static redirects are applied first, then the
// guard; a guard redirect starts a new transition to its target. The
// committed path is returned.
func (r *Router) Push(path string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	requested := path

	for hops := 0; hops < maxRedirectHops; hops++ {
		resolved, err := r.guard.Routes().Resolve(path)
		if err != nil {
			return r.current, err
		}

		verdict := r.guard.Evaluate(resolved)
		if verdict.Allow {
			r.current = resolved
			r.logger.Debug("navigated",
				slog.String("requested", requested),
				slog.String("path", resolved),
			)

			return resolved, nil
		}

		r.logger.Debug("navigation redirected",
			slog.String("from", resolved),
			slog.String("to", verdict.Target),
		)

		path = verdict.Target
	}

	return r.current, fmt.Errorf("navigation to %q did not settle after %d redirects", requested, maxRedirectHops)
}

// Redirect navigates to path, logging failures. It lets the transport send
// the user to the login route when the backend rejects the session.
func (r *Router) Redirect(path string) {
	if _, err := r.Push(path); err != nil {
		r.logger.Warn("redirect failed", slog.String("path", path), slog.String("error", err.Error()))
	}
}
