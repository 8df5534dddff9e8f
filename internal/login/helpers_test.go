package login

import (
	"context"
	"encoding/json"

	"github.com/alexjbarnes/sessiongate/internal/models"
	"github.com/alexjbarnes/sessiongate/internal/session"
	"github.com/alexjbarnes/sessiongate/internal/transport"
)

// respond returns a DoAndReturn func that decodes data into the result
// pointer the code under test passed in.
func respond(data any) func(context.Context, transport.Call, any) error {
	return func(_ context.Context, _ transport.Call, result any) error {
		if result == nil {
			return nil
		}

		b, err := json.Marshal(data)
		if err != nil {
			return err
		}

		return json.Unmarshal(b, result)
	}
}

// callTo matches a transport.Call by endpoint.
type callTo string

func (m callTo) Matches(x any) bool {
	c, ok := x.(transport.Call)
	return ok && c.Endpoint == string(m)
}

func (m callTo) String() string { return "call to " + string(m) }

func sessionBody(token string, id int64) map[string]any {
	return map[string]any{
		"token": token,
		"userInfo": map[string]any{
			"id":       id,
			"username": "alice",
			"email":    "a@b.com",
			"roles":    []map[string]any{{"id": 1, "roleCode": "ROLE_MERCHANT"}},
		},
	}
}

func rejection(endpoint, msg string) error {
	return &transport.APIError{Endpoint: endpoint, Status: 200, Code: 401, Msg: msg}
}

// newStore returns an in-memory store and its storage.
func newStore() (*session.Store, *session.MemoryStorage) {
	mem := session.NewMemoryStorage()
	return session.New(mem, nil), mem
}

// existingSession seeds the store with a session for "t0".
func existingSession(s *session.Store) {
	s.SaveSession(&models.LoginOutcome{Token: "t0", Profile: &models.Profile{ID: 99, Email: "old@b.com"}})
}
