package identity

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/alexjbarnes/sessiongate/internal/models"
)

const (
	// maxRequestBody caps request bodies read by the handlers.
	maxRequestBody = 64 * 1024

	// codeOK is the envelope code for success.
	codeOK = 200

	// codeUnauthorized is the envelope code for a refused login.
	codeUnauthorized = 401

	// codeConflict is the envelope code for a duplicate registration.
	codeConflict = 409
)

// envelope is the response wrapper used by every enveloped endpoint.
type envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data"`
}

// tokenResponse is the plain OAuth token body returned by code exchange.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	IDToken      string `json:"id_token,omitempty"`
}

// CodeSender delivers email login codes.
type CodeSender interface {
	SendCode(email, code string) error
}

// LogSender "delivers" codes by logging them. It is what the dev server
// uses in place of a mail gateway.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) SendCode(email, code string) error {
	s.Logger.Info("email login code", slog.String("email", email), slog.String("code", code))
	return nil
}

func writeEnvelope(w http.ResponseWriter, status, code int, msg string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Code: code, Msg: msg, Data: data})
}

func writeOK(w http.ResponseWriter, data any) {
	writeEnvelope(w, http.StatusOK, codeOK, "success", data)
}

// writeRefusal reports a business-level refusal: HTTP 200 with a non-200
// envelope code, the way the production backend does it.
func writeRefusal(w http.ResponseWriter, code int, msg string) {
	writeEnvelope(w, http.StatusOK, code, msg, nil)
}

// writeFailure reports a protocol-level failure with a matching HTTP
// status.
func writeFailure(w http.ResponseWriter, status int, msg string) {
	writeEnvelope(w, status, status, msg, nil)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}

// decode reads a JSON body into v. It writes the failure response and
// returns false when the request is not a well-formed POST.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		writeFailure(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid request body")
		return false
	}

	return true
}

// respondSession issues a token for profile and writes {token, userInfo}.
func respondSession(w http.ResponseWriter, store *Store, logger *slog.Logger, profile *models.Profile, method string) {
	issued, err := store.IssueToken(profile.ID)
	if err != nil {
		logger.Error("issuing token", slog.String("error", err.Error()))
		writeFailure(w, http.StatusInternalServerError, "internal error")

		return
	}

	logger.Info("login",
		slog.String("method", method),
		slog.Int64("user_id", profile.ID),
	)

	writeOK(w, models.LoginOutcome{Token: issued.AccessToken, Profile: profile})
}

type passwordRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// HandlePasswordLogin returns the email/password login handler. Repeated
// failures from one address are rate limited.
func HandlePasswordLogin(store *Store, logger *slog.Logger) http.HandlerFunc {
	limiter := newLoginRateLimiter(store.now)

	return func(w http.ResponseWriter, r *http.Request) {
		var req passwordRequest
		if !decode(w, r, &req) {
			return
		}

		ip := remoteIP(r)
		if limiter.limited(ip) {
			logger.Warn("login rate limited", slog.String("ip", ip))
			writeFailure(w, http.StatusTooManyRequests, "too many failed login attempts, try again later")

			return
		}

		profile, err := store.Authenticate(req.Email, req.Password)
		if err != nil {
			logger.Warn("login failed", slog.String("email", NormalizeEmail(req.Email)))
			limiter.record(ip)
			writeRefusal(w, codeUnauthorized, "invalid email or password")

			return
		}

		respondSession(w, store, logger, profile, "password")
	}
}

type sendCodeRequest struct {
	Email string `json:"email"`
}

// HandleSendEmailCode returns the handler that emails a login code. The
// response data is true when a code was sent.
func HandleSendEmailCode(store *Store, sender CodeSender, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendCodeRequest
		if !decode(w, r, &req) {
			return
		}

		code, ok := store.IssueEmailCode(req.Email)
		if !ok {
			logger.Debug("email code requested for unknown address", slog.String("email", NormalizeEmail(req.Email)))
			writeOK(w, false)

			return
		}

		if err := sender.SendCode(NormalizeEmail(req.Email), code); err != nil {
			logger.Error("sending email code", slog.String("error", err.Error()))
			writeFailure(w, http.StatusBadGateway, "could not send code")

			return
		}

		writeOK(w, true)
	}
}

type verifyCodeRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// HandleVerifyEmailCode returns the handler that logs in with an emailed
// code.
func HandleVerifyEmailCode(store *Store, logger *slog.Logger) http.HandlerFunc {
	limiter := newLoginRateLimiter(store.now)

	return func(w http.ResponseWriter, r *http.Request) {
		var req verifyCodeRequest
		if !decode(w, r, &req) {
			return
		}

		ip := remoteIP(r)
		if limiter.limited(ip) {
			logger.Warn("code login rate limited", slog.String("ip", ip))
			writeFailure(w, http.StatusTooManyRequests, "too many failed attempts, try again later")

			return
		}

		profile, err := store.ConsumeEmailCode(req.Email, req.Code)
		if err != nil {
			limiter.record(ip)
			writeRefusal(w, codeUnauthorized, "invalid or expired code")

			return
		}

		respondSession(w, store, logger, profile, "email-code")
	}
}

type credentialRequest struct {
	Credential string `json:"credential"`
}

// HandleOAuthCredential returns the handler that logs in with an identity
// provider credential.
func HandleOAuthCredential(store *Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req credentialRequest
		if !decode(w, r, &req) {
			return
		}

		email, err := store.VerifyCredential(req.Credential)
		if err != nil {
			logger.Warn("provider credential rejected", slog.String("error", err.Error()))
			writeRefusal(w, codeUnauthorized, "invalid credential")

			return
		}

		profile, ok := store.UserByEmail(email)
		if !ok {
			writeRefusal(w, codeUnauthorized, "no account for this identity")
			return
		}

		respondSession(w, store, logger, profile, "oauth-credential")
	}
}

type callbackRequest struct {
	Code        string `json:"code"`
	RedirectURI string `json:"redirectUri"`
}

// HandleOAuthCallback returns the handler that completes a provider
// redirect.
func HandleOAuthCallback(store *Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req callbackRequest
		if !decode(w, r, &req) {
			return
		}

		if req.Code == "" || req.RedirectURI == "" {
			writeFailure(w, http.StatusBadRequest, "code and redirectUri are required")
			return
		}

		profile, err := store.ConsumeProviderCode(req.Code)
		if err != nil {
			writeRefusal(w, codeUnauthorized, "invalid or expired authorization code")
			return
		}

		respondSession(w, store, logger, profile, "oauth-callback")
	}
}

type handoffRequest struct {
	RedirectURI string `json:"redirectUri"`
}

// validRedirectURI accepts absolute http and https URLs.
func validRedirectURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}

	return u.Scheme == "https" || u.Scheme == "http"
}

// HandleSSOHandoff returns the handler that trades the caller's bearer
// token for a short-lived code another application can redeem. It must
// be mounted behind Middleware.
func HandleSSOHandoff(store *Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req handoffRequest
		if !decode(w, r, &req) {
			return
		}

		if !validRedirectURI(req.RedirectURI) {
			writeFailure(w, http.StatusBadRequest, "redirectUri must be an absolute http(s) URL")
			return
		}

		userID := RequestUserID(r.Context())
		sc := store.SaveSSOCode(userID, req.RedirectURI)

		logger.Info("sso handoff code issued",
			slog.Int64("user_id", userID),
			slog.String("redirect_uri", req.RedirectURI),
		)

		writeOK(w, map[string]string{"code": sc.Code})
	}
}

type exchangeRequest struct {
	Code   string `json:"code"`
	Client string `json:"client"`
}

// HandleSSOToken returns the code exchange handler. Its responses are
// plain OAuth token JSON, not enveloped.
func HandleSSOToken(store *Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
			return
		}

		var req exchangeRequest

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}

		if req.Code == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "code is required")
			return
		}

		if !store.ClientAllowed(req.Client) {
			writeJSONError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
			return
		}

		sc := store.ConsumeSSOCode(req.Code)
		if sc == nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid or expired code")
			return
		}

		issued, err := store.IssueToken(sc.UserID)
		if err != nil {
			logger.Error("issuing token", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "could not issue token")

			return
		}

		idToken, err := store.issueIDToken(sc.UserID, req.Client)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "account no longer exists")
			return
		}

		logger.Info("sso code exchanged",
			slog.Int64("user_id", sc.UserID),
			slog.String("client", req.Client),
		)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(tokenResponse{
			AccessToken:  issued.AccessToken,
			RefreshToken: RandomHex(32),
			ExpiresIn:    int64(issued.ExpiresAt.Sub(store.now()).Seconds()),
			TokenType:    "Bearer",
			IDToken:      idToken,
		})
	}
}

type registerRequest struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Email    string   `json:"email"`
	Roles    []string `json:"roles"`
}

// HandleRegister returns the sign-up handler. It does not log the new
// user in.
func HandleRegister(store *Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if !decode(w, r, &req) {
			return
		}

		if strings.TrimSpace(req.Username) == "" || req.Email == "" || req.Password == "" {
			writeFailure(w, http.StatusBadRequest, "username, email and password are required")
			return
		}

		profile, err := store.AddUser(strings.TrimSpace(req.Username), req.Email, req.Password, req.Roles...)
		switch {
		case errors.Is(err, ErrEmailTaken):
			writeRefusal(w, codeConflict, "email already registered")
			return
		case errors.Is(err, ErrUnknownRole):
			writeFailure(w, http.StatusBadRequest, err.Error())
			return
		case err != nil:
			logger.Error("registering user", slog.String("error", err.Error()))
			writeFailure(w, http.StatusInternalServerError, "internal error")

			return
		}

		logger.Info("user registered", slog.Int64("user_id", profile.ID))
		writeOK(w, "registration successful")
	}
}

// HandleLogout returns the logout handler. A valid bearer token is
// revoked; logout without one still succeeds.
func HandleLogout(store *Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeFailure(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		if token := bearerToken(r); token != "" && store.RevokeToken(token) {
			logger.Info("logout", slog.String("ip", remoteIP(r)))
		}

		writeOK(w, nil)
	}
}

type updateProfileRequest struct {
	Username string `json:"username"`
	Nickname string `json:"nickname"`
	Phone    string `json:"phone"`
	Avatar   string `json:"avatar"`
}

// HandleUpdateMyInfo lets the authenticated user edit their own profile and
// answers with the updated profile.
func HandleUpdateMyInfo(store *Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req updateProfileRequest
		if !decode(w, r, &req) {
			return
		}

		changes := ProfileChanges{
			Username: strings.TrimSpace(req.Username),
			Nickname: strings.TrimSpace(req.Nickname),
			Phone:    strings.TrimSpace(req.Phone),
			Avatar:   strings.TrimSpace(req.Avatar),
		}
		if changes.Empty() {
			writeFailure(w, http.StatusBadRequest, "nothing to update")
			return
		}

		userID := RequestUserID(r.Context())

		profile, err := store.UpdateProfile(userID, changes)
		if err != nil {
			writeFailure(w, http.StatusForbidden, "account no longer exists")
			return
		}

		logger.Info("profile updated", slog.Int64("user_id", userID))
		writeOK(w, profile)
	}
}

// HandleUserInfo returns the profile of the authenticated caller. It must
// be mounted behind Middleware.
func HandleUserInfo(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeFailure(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		profile, ok := store.UserByID(RequestUserID(r.Context()))
		if !ok {
			writeFailure(w, http.StatusForbidden, "account no longer exists")
			return
		}

		writeOK(w, profile)
	}
}
