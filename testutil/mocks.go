package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/teamtalima/beastie/twitchapi"
)

// MockTwitchServer creates a test server that mocks Twitch Helix and OAuth responses.
// Unknown paths answer 404.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu            sync.Mutex
	subscriptions map[string]twitchapi.SubscriptionRequest
	deleted       []string
	nextID        int
}

// NewMockTwitchServer creates a new mock Twitch API server closed on test cleanup.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers:      make(map[string]http.HandlerFunc),
		subscriptions: make(map[string]twitchapi.SubscriptionRequest),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	m.MockOAuthTokenResponse("mock-app-token", 3600)
	m.mockSubscriptions()
	return m
}

// HelixClient returns a client whose Helix and token requests hit the mock.
func (m *MockTwitchServer) HelixClient() *twitchapi.HelixClient {
	return &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{
			ClientID:     "mock-client-id",
			ClientSecret: "mock-client-secret",
			TokenURL:     m.URL + "/oauth2/token",
		},
		ClientID: "mock-client-id",
		BaseURL:  m.URL + "/helix",
	}
}

func (m *MockTwitchServer) handle(path string, fn http.HandlerFunc) {
	m.mu.Lock()
	m.Handlers[path] = fn
	m.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockUserResponse adds a handler for /helix/users endpoint
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("login") != login {
			writeJSON(w, http.StatusOK, map[string]any{"data": []any{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]string{
				{"id": userID, "login": login, "display_name": login},
			},
		})
	})
}

// MockStreamsResponse adds a handler for /helix/streams endpoint. An empty slice
// reports the channel offline.
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]any) {
	if streams == nil {
		streams = []map[string]any{}
	}
	m.handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": streams})
	})
}

// MockError makes path answer with status and a Helix-style error body.
func (m *MockTwitchServer) MockError(path string, status int) {
	m.handle(path, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status, map[string]any{
			"error":   http.StatusText(status),
			"status":  status,
			"message": "mock failure",
		})
	})
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	})
}

// mockSubscriptions serves POST and DELETE on /helix/eventsub/subscriptions,
// answering 409 for a type already registered.
func (m *MockTwitchServer) mockSubscriptions() {
	m.handle("/helix/eventsub/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req twitchapi.SubscriptionRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
				return
			}
			m.mu.Lock()
			for _, existing := range m.subscriptions {
				if existing.Type == req.Type {
					m.mu.Unlock()
					writeJSON(w, http.StatusConflict, map[string]any{"message": "subscription already exists"})
					return
				}
			}
			m.nextID++
			id := fmt.Sprintf("sub-%d", m.nextID)
			m.subscriptions[id] = req
			m.mu.Unlock()
			writeJSON(w, http.StatusAccepted, map[string]any{
				"data": []twitchapi.Subscription{{
					ID:        id,
					Status:    "webhook_callback_verification_pending",
					Type:      req.Type,
					Version:   req.Version,
					Condition: req.Condition,
					Transport: twitchapi.Transport{Method: req.Transport.Method, Callback: req.Transport.Callback},
				}},
			})
		case http.MethodDelete:
			id := r.URL.Query().Get("id")
			m.mu.Lock()
			_, ok := m.subscriptions[id]
			delete(m.subscriptions, id)
			if ok {
				m.deleted = append(m.deleted, id)
			}
			m.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

// Subscriptions returns the types of the currently registered subscriptions.
func (m *MockTwitchServer) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subscriptions))
	for _, s := range m.subscriptions {
		out = append(out, s.Type)
	}
	return out
}

// PreRegister records a subscription of type subType as already existing.
func (m *MockTwitchServer) PreRegister(subType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.subscriptions[fmt.Sprintf("sub-%d", m.nextID)] = twitchapi.SubscriptionRequest{Type: subType}
}

// Deleted returns the ids removed through DELETE, in order.
func (m *MockTwitchServer) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}
