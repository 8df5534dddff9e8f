package identity

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
)

// The handlers in this file play the external OAuth provider for local
// development, so the callback and credential flows can be driven without
// a real Google account. They are only mounted by the dev server.

// HandleProviderAuthorize redirects to redirect_uri with an authorization
// code for the account named by the email query parameter, as a provider
// would after the user consents.
func HandleProviderAuthorize(store *Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()

		redirectURI := q.Get("redirect_uri")
		if !validRedirectURI(redirectURI) {
			http.Error(w, "redirect_uri must be an absolute http(s) URL", http.StatusBadRequest)
			return
		}

		code, err := store.IssueProviderCode(q.Get("email"))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrUnknownAccount) {
				status = http.StatusNotFound
			}

			http.Error(w, err.Error(), status)

			return
		}

		target, _ := url.Parse(redirectURI)
		params := target.Query()
		params.Set("code", code)

		if state := q.Get("state"); state != "" {
			params.Set("state", state)
		}

		target.RawQuery = params.Encode()

		logger.Debug("provider authorize", slog.String("redirect_uri", redirectURI))
		http.Redirect(w, r, target.String(), http.StatusFound)
	}
}

// HandleProviderCredential returns a credential for the account named by
// the email query parameter, as a provider sign-in widget would.
func HandleProviderCredential(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeFailure(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		cred, err := store.IssueCredential(r.URL.Query().Get("email"))
		if err != nil {
			writeFailure(w, http.StatusNotFound, err.Error())
			return
		}

		writeOK(w, map[string]string{"credential": cred})
	}
}
