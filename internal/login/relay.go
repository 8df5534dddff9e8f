package login

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/alexjbarnes/sessiongate/internal/errors"
	"github.com/alexjbarnes/sessiongate/internal/transport"
	"github.com/tidwall/gjson"
)

// SendEmailCode asks the backend to deliver a one-time login code. It
// reports whether the backend acknowledged delivery.
func SendEmailCode(ctx context.Context, api API, email string) (bool, error) {
	email = normalizeEmail(email)
	if email == "" {
		return false, fmt.Errorf("send email code: email: %w", apperrors.ErrMissingInput)
	}

	var ack bool
	if err := api.Do(ctx, transport.Call{
		Endpoint: EndpointSendEmailCode,
		Body:     map[string]string{"email": email},
	}, &ack); err != nil {
		return false, rejected("send email code", err)
	}

	return ack, nil
}

// BearerHandoff trades an existing bearer token for a short-lived code that
// another application redeems after a redirect. The code does not belong
// to this client's session and must not be stored.
func BearerHandoff(ctx context.Context, api API, token, redirectURI string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("sso handoff: %w", apperrors.ErrNotAuthenticated)
	}

	if redirectURI == "" {
		return "", fmt.Errorf("sso handoff: redirect uri: %w", apperrors.ErrMissingInput)
	}

	var raw json.RawMessage
	if err := api.Do(ctx, transport.Call{
		Endpoint: EndpointSSOHandoff,
		Body:     map[string]string{"redirectUri": redirectURI},
		Bearer:   token,
	}, &raw); err != nil {
		return "", rejected("sso handoff", err)
	}

	// The code arrives either bare or as {"code": "..."}.
	v := gjson.ParseBytes(raw)

	code := v.Get("code").String()
	if v.Type == gjson.String {
		code = v.String()
	}

	if code == "" {
		return "", fmt.Errorf("sso handoff: response has no code: %w", apperrors.ErrAPIResponse)
	}

	return code, nil
}
