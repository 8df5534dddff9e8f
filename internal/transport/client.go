// Package transport is the HTTP client every backend call goes through. It
// attaches the session's bearer token, unwraps the backend's
// {code, msg, data} envelope, and reacts to a rejected session by clearing
// it and sending the user back to the login route.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/sessiongate/internal/errors"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// TransientError wraps an error that is likely temporary. Nothing in this
// package retries; callers decide whether to resubmit.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// APIError is a refusal reported by the backend, either through the
// envelope code or an OAuth-style error body. Msg is meant for the user.
type APIError struct {
	Endpoint string
	Status   int
	Code     int64
	Msg      string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API %s (%d/%d): %s", e.Endpoint, e.Status, e.Code, e.Msg)
}

func (e *APIError) Unwrap() error { return apperrors.ErrAPIResponse }

// Message returns the backend message carried by err, or "".
func Message(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Msg
	}

	return ""
}

const (
	// DefaultBaseURL is where the backend API is mounted.
	DefaultBaseURL = "http://localhost:8080/api"

	// DefaultTimeout bounds each request.
	DefaultTimeout = 10 * time.Second

	// DefaultLoginRoute is where a rejected session is sent.
	DefaultLoginRoute = "/auth"

	// successCode is the envelope code for a successful call.
	successCode = 200

	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024

	// RequestIDHeader carries a per-request correlation id.
	RequestIDHeader = "X-Request-ID"
)

// Session is the part of the session store the transport needs.
type Session interface {
	Token() string
	ClearSession()
}

// Redirector moves the application to another route.
type Redirector interface {
	Redirect(path string)
}

// Call describes one backend request.
type Call struct {
	Method   string
	Endpoint string
	Body     any
	Query    url.Values

	// Bearer, when set, is sent instead of the session token.
	Bearer string

	// Raw marks responses that are plain JSON rather than an envelope.
	Raw bool
}

// Options configures a Client. Zero values pick the defaults.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Session    Session
	Redirector Redirector
	LoginRoute string
	Logger     *slog.Logger
}

// Client talks to the identity backend.
type Client struct {
	httpClient *http.Client
	baseURL    string
	session    Session
	redirector Redirector
	loginRoute string
	logger     *slog.Logger
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so the Authorization header never
// reaches a third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a backend client. Without an HTTPClient one is built
// with the configured timeout and the same-host redirect policy.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}

		httpClient = &http.Client{
			Timeout:       timeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	loginRoute := opts.LoginRoute
	if loginRoute == "" {
		loginRoute = DefaultLoginRoute
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		session:    opts.Session,
		redirector: opts.Redirector,
		loginRoute: loginRoute,
		logger:     logger,
	}
}

// SetRedirector installs the redirect target after construction. The
// router and the transport refer to each other, so one of them has to be
// wired second.
func (c *Client) SetRedirector(r Redirector) {
	c.redirector = r
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// bearerFor returns the token to send and whether it is the session's
// own token. Only a rejection of the session's own token invalidates it.
func (c *Client) bearerFor(call Call) (string, bool) {
	sessionToken := ""
	if c.session != nil {
		sessionToken = c.session.Token()
	}

	if call.Bearer != "" {
		return call.Bearer, call.Bearer == sessionToken
	}

	return sessionToken, sessionToken != ""
}

// Do sends the call and decodes the response data into result (which may
// be nil). A 403 on a request that carried the session's token clears the
// session, redirects to the login route and returns ErrSessionInvalidated.
// A 403 for any other bearer, such as a freshly exchanged token, is an
// ordinary rejection.
func (c *Client) Do(ctx context.Context, call Call, result any) error {
	method := call.Method
	if method == "" {
		method = http.MethodPost
	}

	target := c.baseURL + call.Endpoint
	if len(call.Query) > 0 {
		target += "?" + call.Query.Encode()
	}

	var body io.Reader
	if call.Body != nil {
		payload, err := json.Marshal(call.Body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	requestID := uuid.NewString()

	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, requestID)

	if call.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	bearer, sessionBearer := c.bearerFor(call)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: fmt.Errorf("sending request to %s: %w: %w", call.Endpoint, apperrors.ErrAPIRequest, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", call.Endpoint, err)
	}

	c.logger.Debug("api call",
		slog.String("method", method),
		slog.String("endpoint", call.Endpoint),
		slog.Int("status", resp.StatusCode),
		slog.String("request_id", requestID),
	)

	if resp.StatusCode == http.StatusForbidden && sessionBearer {
		c.rejectSession(call.Endpoint)
		return fmt.Errorf("API %s: %w", call.Endpoint, apperrors.ErrSessionInvalidated)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(call.Endpoint, resp.StatusCode, respBody)
	}

	if call.Raw {
		return c.decodeRaw(call.Endpoint, resp.StatusCode, respBody, result)
	}

	return c.decodeEnvelope(call.Endpoint, resp.StatusCode, respBody, result)
}

// rejectSession handles a server-side session rejection. It runs once per
// rejected response.
func (c *Client) rejectSession(endpoint string) {
	c.logger.Warn("session rejected by server, logging out", slog.String("endpoint", endpoint))

	if c.session != nil {
		c.session.ClearSession()
	}

	if c.redirector != nil {
		c.redirector.Redirect(c.loginRoute)
	}
}

func (c *Client) statusError(endpoint string, status int, body []byte) error {
	if msg := errorMessage(body); msg != "" {
		apiErr := &APIError{
			Endpoint: endpoint,
			Status:   status,
			Code:     gjson.GetBytes(body, "code").Int(),
			Msg:      msg,
		}
		if isTransientStatus(status) {
			return &TransientError{Err: apiErr}
		}

		return apiErr
	}

	err := fmt.Errorf("API %s returned status %d: %s: %w", endpoint, status, sanitizeResponseBody(body), apperrors.ErrAPIResponse)
	if isTransientStatus(status) {
		return &TransientError{Err: err}
	}

	return err
}

func (c *Client) decodeEnvelope(endpoint string, status int, body []byte, result any) error {
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("decoding response from %s: invalid JSON: %w", endpoint, apperrors.ErrAPIResponse)
	}

	code := gjson.GetBytes(body, "code")
	if !code.Exists() {
		return fmt.Errorf("decoding response from %s: missing envelope code: %w", endpoint, apperrors.ErrAPIResponse)
	}

	if code.Int() != successCode {
		msg := gjson.GetBytes(body, "msg").String()
		if msg == "" {
			msg = "request failed"
		}

		return &APIError{Endpoint: endpoint, Status: status, Code: code.Int(), Msg: msg}
	}

	data := gjson.GetBytes(body, "data")
	if result == nil || !data.Exists() || data.Type == gjson.Null {
		return nil
	}

	if err := json.Unmarshal([]byte(data.Raw), result); err != nil {
		return fmt.Errorf("decoding response from %s: %w", endpoint, err)
	}

	return nil
}

func (c *Client) decodeRaw(endpoint string, status int, body []byte, result any) error {
	if msg := gjson.GetBytes(body, "error"); msg.Exists() && msg.String() != "" {
		return &APIError{Endpoint: endpoint, Status: status, Msg: errorMessage(body)}
	}

	if result == nil {
		return nil
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("decoding response from %s: %w", endpoint, err)
	}

	return nil
}

// errorMessage extracts a human-readable message from an envelope or an
// OAuth error body.
func errorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}

	for _, path := range []string{"msg", "error_description", "error"} {
		if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}

	return ""
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}
