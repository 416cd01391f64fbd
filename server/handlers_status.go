package server

import (
	"encoding/json"
	"net/http"

	"github.com/teamtalima/beastie/bot"
)

type statusResponse struct {
	bot.Status
	Adapters *AdapterStatus `json:"adapters,omitempty"`
}

// HandleStatus returns the orchestrator's stream state as JSON.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if h.deps.Status == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "starting"})
		return
	}
	st, ok := h.deps.Status()
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "starting"})
		return
	}
	resp := statusResponse{Status: st}
	if h.deps.Adapters != nil {
		a := h.deps.Adapters()
		resp.Adapters = &a
	}
	_ = json.NewEncoder(w).Encode(resp)
}
