package server

import (
	"context"
	"net/http"

	"github.com/teamtalima/beastie/bot"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the collaborators the handlers read from. Any of them may be nil while
// the bot is still starting; the affected endpoints then report not ready.
type Deps struct {
	DB Pinger
	// Status returns the orchestrator snapshot, ok=false until the bot exists.
	Status func() (bot.Status, bool)
	// ChatConnected reports whether Twitch chat is up.
	ChatConnected func() bool
	// Credentials checks stored tokens the bot depends on.
	Credentials func(ctx context.Context) error
	// Webhook serves EventSub callbacks at WebhookPath.
	Webhook http.Handler
	// Adapters reports adapter health for /status. Optional.
	Adapters func() AdapterStatus
}

// AdapterStatus is the adapter section of /status.
type AdapterStatus struct {
	ChatConnected bool `json:"chat_connected"`
	TimedMessages bool `json:"timed_messages"`

	// TwitterBreaker is the circuit breaker state, empty when Twitter is disabled.
	TwitterBreaker string `json:"twitter_breaker,omitempty"`
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}
