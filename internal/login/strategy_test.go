package login

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/sessiongate/internal/errors"
	"github.com/alexjbarnes/sessiongate/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// --- interchangeable strategies ---

func TestStrategies_NormalizeToLoginOutcome(t *testing.T) {
	tests := []struct {
		strategy Strategy
		endpoint string
		wantBody map[string]string
	}{
		{Password{Email: "a@b.com", Password: "x"}, EndpointPasswordLogin,
			map[string]string{"email": "a@b.com", "password": "x"}},
		{EmailCode{Email: "a@b.com", Code: "123456"}, EndpointVerifyEmailCode,
			map[string]string{"email": "a@b.com", "code": "123456"}},
		{OAuthCredential{Credential: "cred"}, EndpointOAuthCredential,
			map[string]string{"credential": "cred"}},
		{OAuthCallback{Code: "c1", RedirectURI: "http://localhost/cb"}, EndpointOAuthCallback,
			map[string]string{"code": "c1", "redirectUri": "http://localhost/cb"}},
	}

	for _, tt := range tests {
		t.Run(tt.strategy.Name(), func(t *testing.T) {
			ctrl := gomock.NewController(t)
			api := NewMockAPI(ctrl)

			api.EXPECT().Do(gomock.Any(), callTo(tt.endpoint), gomock.Any()).
				DoAndReturn(func(ctx context.Context, call transport.Call, result any) error {
					assert.Equal(t, tt.wantBody, call.Body)
					assert.Empty(t, call.Bearer)
					return respond(sessionBody("t1", 1))(ctx, call, result)
				})

			out, err := tt.strategy.Attempt(context.Background(), api)
			require.NoError(t, err)
			assert.Equal(t, "t1", out.Token)
			assert.Equal(t, int64(1), out.Profile.ID)
			assert.Equal(t, "ROLE_MERCHANT", out.Profile.Roles[0].RoleCode)
		})
	}
}

func TestStrategies_MissingInputSkipsNetwork(t *testing.T) {
	strategies := []Strategy{
		Password{Email: "a@b.com"},
		Password{Password: "x"},
		EmailCode{Email: "a@b.com", Code: "  "},
		OAuthCredential{},
		OAuthCallback{Code: "c1"},
		CodeExchange{Code: "c1"},
	}

	for _, s := range strategies {
		ctrl := gomock.NewController(t)
		api := NewMockAPI(ctrl)

		_, err := s.Attempt(context.Background(), api)
		require.Error(t, err, s.Name())
		assert.ErrorIs(t, err, apperrors.ErrMissingInput, s.Name())
	}
}

func TestPassword_NormalizesEmail(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := NewMockAPI(ctrl)

	// Decomposed e + combining acute must arrive composed.
	api.EXPECT().Do(gomock.Any(), callTo(EndpointPasswordLogin), gomock.Any()).
		DoAndReturn(func(ctx context.Context, call transport.Call, result any) error {
			body := call.Body.(map[string]string)
			assert.Equal(t, "ren\u00e9@b.com", body["email"])
			return respond(sessionBody("t1", 1))(ctx, call, result)
		})

	_, err := Password{Email: "  rene\u0301@b.com ", Password: "x"}.Attempt(context.Background(), api)
	require.NoError(t, err)
}

func TestPassword_RejectedCarriesServerMessage(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := NewMockAPI(ctrl)

	api.EXPECT().Do(gomock.Any(), callTo(EndpointPasswordLogin), gomock.Any()).
		Return(rejection(EndpointPasswordLogin, "wrong email or password"))

	_, err := Password{Email: "a@b.com", Password: "bad"}.Attempt(context.Background(), api)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrCredentialRejected)
	assert.Equal(t, "wrong email or password", transport.Message(err))
}

func TestPassword_TransportFailureIsNotRejection(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := NewMockAPI(ctrl)

	netErr := &transport.TransientError{Err: apperrors.ErrAPIRequest}
	api.EXPECT().Do(gomock.Any(), gomock.Any(), gomock.Any()).Return(netErr)

	_, err := Password{Email: "a@b.com", Password: "x"}.Attempt(context.Background(), api)
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperrors.ErrCredentialRejected)
	assert.True(t, transport.IsTransient(err))
}

func TestPassword_IncompleteResponse(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := NewMockAPI(ctrl)

	api.EXPECT().Do(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(respond(map[string]any{"token": "t1"}))

	_, err := Password{Email: "a@b.com", Password: "x"}.Attempt(context.Background(), api)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAPIResponse)
}

// --- CodeExchange ---

func TestCodeExchange_ExchangesThenFetchesProfile(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := NewMockAPI(ctrl)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	gomock.InOrder(
		api.EXPECT().Do(gomock.Any(), callTo(EndpointSSOToken), gomock.Any()).
			DoAndReturn(func(ctx context.Context, call transport.Call, result any) error {
				assert.True(t, call.Raw, "token endpoint is not enveloped")
				assert.Equal(t, map[string]string{"code": "abc", "client": "merchant"}, call.Body)
				return respond(map[string]any{
					"access_token":  "at1",
					"refresh_token": "rt1",
					"expires_in":    3600,
					"token_type":    "Bearer",
					"id_token":      "idt",
				})(ctx, call, result)
			}),
		api.EXPECT().Do(gomock.Any(), callTo(EndpointUserInfo), gomock.Any()).
			DoAndReturn(func(ctx context.Context, call transport.Call, result any) error {
				assert.Equal(t, http.MethodGet, call.Method)
				assert.Equal(t, "at1", call.Bearer)
				return respond(map[string]any{"id": 7, "email": "a@b.com"})(ctx, call, result)
			}),
	)

	ce := CodeExchange{Code: "abc", ClientID: "merchant", Now: func() time.Time { return now }}
	out, err := ce.Attempt(context.Background(), api)
	require.NoError(t, err)
	assert.Equal(t, "at1", out.Token)
	assert.Equal(t, int64(7), out.Profile.ID)
}

func TestCodeExchange_TokenSetMapping(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := NewMockAPI(ctrl)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	api.EXPECT().Do(gomock.Any(), callTo(EndpointSSOToken), gomock.Any()).
		DoAndReturn(respond(map[string]any{
			"access_token": "at1",
			"expires_in":   60,
			"token_type":   "Bearer",
			"id_token":     "idt",
		}))

	ts, err := CodeExchange{Code: "abc", ClientID: "merchant", Now: func() time.Time { return now }}.
		Exchange(context.Background(), api)
	require.NoError(t, err)
	assert.Equal(t, "at1", ts.AccessToken)
	assert.Empty(t, ts.RefreshToken)
	assert.Equal(t, "Bearer", ts.TokenType)
	assert.Equal(t, now.Add(time.Minute), ts.Expiry)
	assert.Equal(t, "idt", ts.IDToken())
}

func TestCodeExchange_ReplayedCodeIsRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := NewMockAPI(ctrl)

	api.EXPECT().Do(gomock.Any(), callTo(EndpointSSOToken), gomock.Any()).
		Return(&transport.APIError{Endpoint: EndpointSSOToken, Status: 400, Msg: "invalid or expired authorization code"})

	_, err := CodeExchange{Code: "used", ClientID: "merchant"}.Attempt(context.Background(), api)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrCodeExchange)
	assert.ErrorIs(t, err, apperrors.ErrCredentialRejected)
}

func TestCodeExchange_MissingAccessToken(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := NewMockAPI(ctrl)

	api.EXPECT().Do(gomock.Any(), callTo(EndpointSSOToken), gomock.Any()).
		DoAndReturn(respond(map[string]any{"token_type": "Bearer"}))

	_, err := CodeExchange{Code: "abc", ClientID: "merchant"}.Attempt(context.Background(), api)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrCodeExchange)
}

func TestCodeExchange_ProfileFetchFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := NewMockAPI(ctrl)

	api.EXPECT().Do(gomock.Any(), callTo(EndpointSSOToken), gomock.Any()).
		DoAndReturn(respond(map[string]any{"access_token": "at1", "token_type": "Bearer"}))
	api.EXPECT().Do(gomock.Any(), callTo(EndpointUserInfo), gomock.Any()).
		Return(errors.New("boom"))

	_, err := CodeExchange{Code: "abc", ClientID: "merchant"}.Attempt(context.Background(), api)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrCodeExchange)
}

// --- relays ---

func TestSendEmailCode_ReturnsAck(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := NewMockAPI(ctrl)

	api.EXPECT().Do(gomock.Any(), callTo(EndpointSendEmailCode), gomock.Any()).
		DoAndReturn(func(ctx context.Context, call transport.Call, result any) error {
			assert.Equal(t, map[string]string{"email": "a@b.com"}, call.Body)
			return respond(true)(ctx, call, result)
		})

	ok, err := SendEmailCode(context.Background(), api, "a@b.com")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSendEmailCode_DeliveryFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := NewMockAPI(ctrl)

	api.EXPECT().Do(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(rejection(EndpointSendEmailCode, "mailbox unavailable"))

	ok, err := SendEmailCode(context.Background(), api, "a@b.com")
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, "mailbox unavailable", transport.Message(err))
}

func TestBearerHandoff_SendsTokenInHeaderNotBody(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := NewMockAPI(ctrl)

	api.EXPECT().Do(gomock.Any(), callTo(EndpointSSOHandoff), gomock.Any()).
		DoAndReturn(func(ctx context.Context, call transport.Call, result any) error {
			assert.Equal(t, "t1", call.Bearer)
			assert.Equal(t, map[string]string{"redirectUri": "https://other.example/cb"}, call.Body)
			return respond(map[string]string{"code": "abc"})(ctx, call, result)
		})

	code, err := BearerHandoff(context.Background(), api, "t1", "https://other.example/cb")
	require.NoError(t, err)
	assert.Equal(t, "abc", code)
}

func TestBearerHandoff_BareStringCode(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := NewMockAPI(ctrl)

	api.EXPECT().Do(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(respond("abc"))

	code, err := BearerHandoff(context.Background(), api, "t1", "https://other.example/cb")
	require.NoError(t, err)
	assert.Equal(t, "abc", code)
}

func TestBearerHandoff_EmptyCode(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := NewMockAPI(ctrl)

	api.EXPECT().Do(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(respond(map[string]string{}))

	_, err := BearerHandoff(context.Background(), api, "t1", "https://other.example/cb")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAPIResponse)
}

func TestBearerHandoff_RequiresToken(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := NewMockAPI(ctrl)

	_, err := BearerHandoff(context.Background(), api, "", "https://other.example/cb")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNotAuthenticated)
}
