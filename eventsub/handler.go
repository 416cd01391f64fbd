// Package eventsub receives Twitch EventSub webhook callbacks and manages the
// subscriptions that feed them. Verified notifications are decoded into Events and
// delivered on a channel.
package eventsub

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/teamtalima/beastie/telemetry"
	"github.com/teamtalima/beastie/twitchapi"
)

// Kind names an inbound event.
type Kind string

const (
	KindStreamChanged Kind = "stream changed"
	KindUsersFollows  Kind = "users follows"
	KindSubscribed    Kind = "subscribed"
)

// Event is a decoded EventSub notification. Stream is nil when the broadcaster went offline.
type Event struct {
	MessageID     string
	CorrelationID string
	Kind          Kind
	Stream        *twitchapi.Stream
	UserName      string
}

// EventSub request headers.
const (
	HeaderMessageID        = "Twitch-Eventsub-Message-Id"
	HeaderMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	HeaderMessageSignature = "Twitch-Eventsub-Message-Signature"
	HeaderMessageType      = "Twitch-Eventsub-Message-Type"
)

// Message types.
const (
	MessageNotification = "notification"
	MessageVerification = "webhook_callback_verification"
	MessageRevocation   = "revocation"
)

var (
	// ErrInvalidSignature is returned when the HMAC header is missing or wrong.
	ErrInvalidSignature = errors.New("invalid eventsub signature")
	// ErrStaleMessage is returned for timestamps more than MaxMessageAge from now.
	ErrStaleMessage = errors.New("eventsub message outside replay window")
)

const (
	// MaxMessageAge is the replay window Twitch recommends.
	MaxMessageAge  = 10 * time.Minute
	maxBodyBytes   = 1 << 20
	dedupeSize     = 1024
	deliverTimeout = 3 * time.Second
)

// Handler is the http.Handler mounted at the EventSub callback URL.
type Handler struct {
	secret []byte
	events chan Event
	seen   *lru.Cache[string, struct{}]
	clock  clockwork.Clock

	mu       sync.RWMutex
	closed   bool
	onRevoke func(twitchapi.Subscription)
}

// NewHandler returns a Handler verifying with secret and buffering up to buffer events.
func NewHandler(secret string, buffer int) *Handler {
	if buffer <= 0 {
		buffer = 64
	}
	seen, _ := lru.New[string, struct{}](dedupeSize)
	return &Handler{
		secret: []byte(secret),
		events: make(chan Event, buffer),
		seen:   seen,
		clock:  clockwork.NewRealClock(),
	}
}

// Events returns the channel verified notifications are delivered on. It is closed by Close.
func (h *Handler) Events() <-chan Event { return h.events }

// OnRevocation registers fn to be called when Twitch revokes a subscription.
func (h *Handler) OnRevocation(fn func(twitchapi.Subscription)) {
	h.mu.Lock()
	h.onRevoke = fn
	h.mu.Unlock()
}

// Close stops delivery and closes the Events channel. Safe to call more than once.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.events)
}

// Sign computes the signature header value Twitch sends for a message.
func Sign(secret, messageID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature and timestamp headers against body.
func (h *Handler) Verify(header http.Header, body []byte) error {
	id := header.Get(HeaderMessageID)
	ts := header.Get(HeaderMessageTimestamp)
	sig := header.Get(HeaderMessageSignature)
	if id == "" || ts == "" || sig == "" {
		return ErrInvalidSignature
	}
	want := Sign(string(h.secret), id, ts, body)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrInvalidSignature
	}
	sent, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ErrInvalidSignature
	}
	if skew := h.clock.Since(sent); skew > MaxMessageAge || skew < -MaxMessageAge {
		return ErrStaleMessage
	}
	return nil
}

type envelope struct {
	Challenge    string                 `json:"challenge"`
	Subscription twitchapi.Subscription `json:"subscription"`
	Event        json.RawMessage        `json:"event"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	corr := telemetry.GetCorrelation(ctx)
	if corr == "" {
		corr = uuid.NewString()
		ctx = telemetry.WithCorrelation(ctx, corr)
	}
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "eventsub"))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		telemetry.RecordWebhookRejected("body")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := h.Verify(r.Header, body); err != nil {
		reason := "signature"
		if errors.Is(err, ErrStaleMessage) {
			reason = "stale"
		}
		telemetry.RecordWebhookRejected(reason)
		logger.Warn("eventsub message rejected", slog.Any("err", err))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		telemetry.RecordWebhookRejected("decode")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	msgID := r.Header.Get(HeaderMessageID)
	switch r.Header.Get(HeaderMessageType) {
	case MessageVerification:
		logger.Info("eventsub subscription verified", slog.String("type", env.Subscription.Type), slog.String("id", env.Subscription.ID))
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, env.Challenge)
	case MessageRevocation:
		logger.Warn("eventsub subscription revoked",
			slog.String("type", env.Subscription.Type),
			slog.String("id", env.Subscription.ID),
			slog.String("status", env.Subscription.Status))
		h.mu.RLock()
		fn := h.onRevoke
		h.mu.RUnlock()
		if fn != nil {
			fn(env.Subscription)
		}
		w.WriteHeader(http.StatusNoContent)
	case MessageNotification:
		// Claimed before delivery so a redelivery racing the first copy is dropped.
		if found, _ := h.seen.ContainsOrAdd(msgID, struct{}{}); found {
			logger.Debug("duplicate eventsub message", slog.String("message_id", msgID))
			w.WriteHeader(http.StatusNoContent)
			return
		}
		ev, err := decodeEvent(env.Subscription.Type, env.Event)
		if err != nil {
			h.seen.Remove(msgID)
			telemetry.RecordWebhookRejected("decode")
			logger.Warn("eventsub notification not decoded", slog.String("type", env.Subscription.Type), slog.Any("err", err))
			// Acknowledge so Twitch does not redeliver something we cannot read.
			w.WriteHeader(http.StatusNoContent)
			return
		}
		ev.MessageID = msgID
		ev.CorrelationID = corr
		_, span := telemetry.StartSpan(ctx, "eventsub.deliver",
			attribute.String("eventsub.type", env.Subscription.Type),
			attribute.String("eventsub.message_id", msgID))
		err = h.deliver(ctx, ev)
		telemetry.EndSpan(span, err)
		if err != nil {
			h.seen.Remove(msgID)
			logger.Warn("eventsub event not delivered", slog.Any("err", err))
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

var errClosed = errors.New("eventsub handler closed")

func (h *Handler) deliver(ctx context.Context, ev Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return errClosed
	}
	ctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()
	select {
	case h.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
