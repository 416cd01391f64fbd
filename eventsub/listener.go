package eventsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/teamtalima/beastie/twitchapi"
)

// SubscriptionAPI is the part of the Helix client the listener needs.
type SubscriptionAPI interface {
	CreateSubscription(ctx context.Context, sr twitchapi.SubscriptionRequest) (*twitchapi.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// Options configures a Listener.
type Options struct {
	CallbackURL string
	Secret      string
	// SubscribeEvents adds channel.subscribe, which needs broadcaster authorisation.
	SubscribeEvents bool
	Buffer          int
}

// Listener owns the EventSub subscriptions for one broadcaster and the Handler
// receiving them.
type Listener struct {
	api     SubscriptionAPI
	handler *Handler
	opts    Options
	logger  *slog.Logger

	mu        sync.Mutex
	created   []string
	destroyed bool
}

// NewListener builds a Listener. It performs no I/O.
func NewListener(api SubscriptionAPI, opts Options) *Listener {
	l := &Listener{
		api:     api,
		handler: NewHandler(opts.Secret, opts.Buffer),
		opts:    opts,
		logger:  slog.Default().With(slog.String("component", "eventsub")),
	}
	l.handler.OnRevocation(l.forget)
	return l
}

// Handler returns the HTTP handler to mount at the callback URL.
func (l *Listener) Handler() *Handler { return l.handler }

// Events returns the channel of decoded notifications.
func (l *Listener) Events() <-chan Event { return l.handler.Events() }

func (l *Listener) requests(broadcasterID string) []twitchapi.SubscriptionRequest {
	transport := twitchapi.Transport{Method: "webhook", Callback: l.opts.CallbackURL, Secret: l.opts.Secret}
	byBroadcaster := map[string]string{"broadcaster_user_id": broadcasterID}
	reqs := []twitchapi.SubscriptionRequest{
		{Type: TypeStreamOnline, Version: "1", Condition: byBroadcaster, Transport: transport},
		{Type: TypeStreamOffline, Version: "1", Condition: byBroadcaster, Transport: transport},
		{Type: TypeChannelFollow, Version: "2", Condition: map[string]string{
			"broadcaster_user_id": broadcasterID,
			"moderator_user_id":   broadcasterID,
		}, Transport: transport},
	}
	if l.opts.SubscribeEvents {
		reqs = append(reqs, twitchapi.SubscriptionRequest{Type: TypeChannelSubscribe, Version: "1", Condition: byBroadcaster, Transport: transport})
	}
	return reqs
}

// Connect creates the webhook subscriptions for broadcasterID. Subscriptions Twitch
// already holds for this callback are kept as they are.
func (l *Listener) Connect(ctx context.Context, broadcasterID string) error {
	if broadcasterID == "" {
		return errors.New("eventsub: broadcaster id empty")
	}
	for _, req := range l.requests(broadcasterID) {
		sub, err := l.api.CreateSubscription(ctx, req)
		if errors.Is(err, twitchapi.ErrSubscriptionExists) {
			l.logger.Info("eventsub subscription already present", slog.String("type", req.Type))
			continue
		}
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", req.Type, err)
		}
		l.mu.Lock()
		l.created = append(l.created, sub.ID)
		l.mu.Unlock()
		l.logger.Info("eventsub subscription created",
			slog.String("type", sub.Type),
			slog.String("id", sub.ID),
			slog.String("status", sub.Status))
	}
	return nil
}

func (l *Listener) forget(sub twitchapi.Subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created = slices.DeleteFunc(l.created, func(id string) bool { return id == sub.ID })
}

// Destroy deletes every subscription Connect created and closes the event channel.
// All deletions are attempted; their errors are joined. Later calls are no-ops.
func (l *Listener) Destroy(ctx context.Context) error {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return nil
	}
	l.destroyed = true
	ids := l.created
	l.created = nil
	l.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := l.api.DeleteSubscription(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("delete subscription %s: %w", id, err))
		}
	}
	l.handler.Close()
	return errors.Join(errs...)
}
