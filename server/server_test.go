package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/teamtalima/beastie/bot"
)

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

func readyDeps() Deps {
	return Deps{
		DB:            fakePinger{},
		ChatConnected: func() bool { return true },
		Status: func() (bot.Status, bool) {
			return bot.Status{IsStreaming: true, CurStreamID: "123", Broadcaster: "beastie"}, true
		},
	}
}

func serve(t *testing.T, deps Deps, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rr := httptest.NewRecorder()
	NewMux(ctx, deps).ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func TestHealthz(t *testing.T) {
	rr := serve(t, readyDeps(), http.MethodGet, "/healthz")
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("correlation id header missing")
	}

	deps := readyDeps()
	deps.DB = fakePinger{err: errors.New("down")}
	if rr := serve(t, deps, http.MethodGet, "/healthz"); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz with db down = %d, want 503", rr.Code)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*Deps)
		wantStatus int
		wantFailed string
	}{
		{name: "ready", mutate: func(*Deps) {}, wantStatus: http.StatusOK},
		{name: "database down", mutate: func(d *Deps) { d.DB = fakePinger{err: errors.New("refused")} }, wantStatus: http.StatusServiceUnavailable, wantFailed: "database"},
		{name: "chat down", mutate: func(d *Deps) { d.ChatConnected = func() bool { return false } }, wantStatus: http.StatusServiceUnavailable, wantFailed: "twitch_chat"},
		{name: "bot starting", mutate: func(d *Deps) { d.Status = func() (bot.Status, bool) { return bot.Status{}, false } }, wantStatus: http.StatusServiceUnavailable, wantFailed: "bot"},
		{name: "missing credentials", mutate: func(d *Deps) {
			d.Credentials = func(context.Context) error { return errors.New("no twitter token") }
		}, wantStatus: http.StatusServiceUnavailable, wantFailed: "credentials"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := readyDeps()
			tt.mutate(&deps)
			rr := serve(t, deps, http.MethodGet, "/readyz")
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body=%s", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			var resp map[string]string
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp["failed_check"] != tt.wantFailed {
				t.Errorf("failed_check = %q, want %q", resp["failed_check"], tt.wantFailed)
			}
		})
	}
}

func TestStatusEndpoint(t *testing.T) {
	rr := serve(t, readyDeps(), http.MethodGet, "/status")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["is_streaming"] != true || got["cur_stream_id"] != "123" {
		t.Errorf("body = %v", got)
	}

	if _, ok := got["adapters"]; ok {
		t.Errorf("adapters reported without an Adapters dep: %v", got)
	}

	deps := readyDeps()
	deps.Status = nil
	if rr := serve(t, deps, http.MethodGet, "/status"); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status before bot exists = %d, want 503", rr.Code)
	}
	if rr := serve(t, readyDeps(), http.MethodPost, "/status"); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /status = %d, want 405", rr.Code)
	}
}

func TestStatusAdapters(t *testing.T) {
	deps := readyDeps()
	deps.Adapters = func() AdapterStatus {
		return AdapterStatus{ChatConnected: true, TimedMessages: true, TwitterBreaker: "open"}
	}
	rr := serve(t, deps, http.MethodGet, "/status")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got struct {
		CurStreamID string        `json:"cur_stream_id"`
		Adapters    AdapterStatus `json:"adapters"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.CurStreamID != "123" {
		t.Errorf("cur_stream_id = %q", got.CurStreamID)
	}
	want := AdapterStatus{ChatConnected: true, TimedMessages: true, TwitterBreaker: "open"}
	if got.Adapters != want {
		t.Errorf("adapters = %+v, want %+v", got.Adapters, want)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "")
	rr := serve(t, readyDeps(), http.MethodGet, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rr.Code)
	}

	t.Setenv("ADMIN_TOKEN", "metrics-token")
	if rr := serve(t, readyDeps(), http.MethodGet, "/metrics"); rr.Code != http.StatusUnauthorized {
		t.Errorf("metrics without token = %d, want 401", rr.Code)
	}
}

func TestWebhookRoute(t *testing.T) {
	called := false
	deps := readyDeps()
	deps.Webhook = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	})
	rr := serve(t, deps, http.MethodPost, WebhookPath)
	if !called || rr.Code != http.StatusNoContent {
		t.Errorf("webhook called=%v status=%d", called, rr.Code)
	}
}

func TestStartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() { done <- Start(ctx, NewMux(ctx, readyDeps()), "127.0.0.1:0", ready) }()

	var addr net.Addr
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("Start() returned early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + addr.String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestStartListenError(t *testing.T) {
	if err := Start(context.Background(), http.NotFoundHandler(), "256.0.0.1:bad", nil); err == nil {
		t.Fatal("Start() with an invalid address should fail")
	}
}
