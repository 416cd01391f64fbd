package server

import (
	"encoding/json"
	"errors"
	"net/http"
)

var (
	errNoDatabase    = errors.New("database not configured")
	errChatDown      = errors.New("twitch chat not connected")
	errBotNotCreated = errors.New("bot not started")
)

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB == nil || h.deps.DB.PingContext(r.Context()) != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.deps.DB == nil {
				return errNoDatabase
			}
			return h.deps.DB.PingContext(r.Context())
		}},
		{"twitch_chat", func() error {
			if h.deps.ChatConnected == nil || !h.deps.ChatConnected() {
				return errChatDown
			}
			return nil
		}},
		{"bot", func() error {
			if h.deps.Status == nil {
				return errBotNotCreated
			}
			if _, ok := h.deps.Status(); !ok {
				return errBotNotCreated
			}
			return nil
		}},
		{"credentials", func() error {
			if h.deps.Credentials == nil {
				return nil
			}
			return h.deps.Credentials(r.Context())
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			// Set headers before writing status code
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
