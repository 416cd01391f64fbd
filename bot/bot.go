// Package bot wires the platform adapters together. It owns the broadcaster's
// stream state and turns inbound webhook events and Discord messages into posts
// on the other platforms.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"golang.org/x/sync/errgroup"

	"github.com/teamtalima/beastie/discordbot"
	"github.com/teamtalima/beastie/eventsub"
	"github.com/teamtalima/beastie/notify"
	"github.com/teamtalima/beastie/streamchange"
	"github.com/teamtalima/beastie/telemetry"
	"github.com/teamtalima/beastie/twitchapi"
)

// ErrPersistenceCheck aborts Create when the persistence layer is unusable.
var ErrPersistenceCheck = errors.New("persistence check failed")

// ChatClient is the Twitch chat adapter.
type ChatClient interface {
	notify.Adapter
	Connect(ctx context.Context) error
	ToggleStreamIntervals(live bool)
}

// Webhooks is the Twitch webhook listener.
type Webhooks interface {
	notify.Destroyer
	Connect(ctx context.Context, broadcasterID string) error
	Events() <-chan eventsub.Event
}

// DiscordClient is the Discord adapter.
type DiscordClient interface {
	notify.Adapter
	Login(ctx context.Context) error
	Messages() <-chan discordbot.RelayMessage
	FeedChannelID() snowflake.ID
}

// TwitterClient is the Twitter adapter.
type TwitterClient interface {
	notify.Adapter
	Start(ctx context.Context)
	PostMessage(ctx context.Context, msg discordbot.RelayMessage) error
}

// Broadcaster looks up the monitored account.
type Broadcaster interface {
	GetProfile(ctx context.Context) (*twitchapi.User, error)
	GetStream(ctx context.Context) (*twitchapi.Stream, error)
}

// Deps are the collaborators Create wires together. Twitter may be nil, in which
// case live tweets and the Discord relay are skipped.
type Deps struct {
	CheckPersistence func(ctx context.Context) (bool, error)
	Chat             ChatClient
	Broadcaster      Broadcaster
	Webhooks         Webhooks
	Discord          DiscordClient
	Twitter          TwitterClient
	// PostTimeout bounds each outbound post. Defaults to 30s.
	PostTimeout time.Duration
}

// State is the broadcaster's stream state. It is only written by the Run goroutine
// once Create returns.
type State struct {
	IsStreaming bool
	CurStreamID string
	Stream      *twitchapi.Stream
	// EndedStreamID is the stream whose end has already been announced.
	EndedStreamID string
}

// Status is the read-only snapshot served on /status.
type Status struct {
	IsStreaming bool       `json:"is_streaming"`
	CurStreamID string     `json:"cur_stream_id"`
	Title       string     `json:"title,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	Broadcaster string     `json:"broadcaster"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Bot is the orchestrator.
type Bot struct {
	deps        Deps
	state       State
	broadcaster *twitchapi.User
	status      atomic.Pointer[Status]
	log         *slog.Logger

	posts      sync.WaitGroup
	streamInfo chan twitchapi.Stream

	destroyOnce sync.Once
	destroyErr  error
}

// Create runs the startup sequence: persistence check, broadcaster lookup, webhook
// subscriptions, then state hydration from the current stream. Any failure aborts.
func Create(ctx context.Context, deps Deps) (*Bot, error) {
	if deps.Chat == nil || deps.Broadcaster == nil || deps.Webhooks == nil || deps.Discord == nil {
		return nil, errors.New("bot: chat, broadcaster, webhooks and discord are required")
	}
	if deps.PostTimeout <= 0 {
		deps.PostTimeout = 30 * time.Second
	}
	b := &Bot{
		deps:       deps,
		log:        slog.Default().With(slog.String("component", "bot")),
		streamInfo: make(chan twitchapi.Stream, 1),
	}

	if deps.CheckPersistence != nil {
		ok, err := deps.CheckPersistence(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPersistenceCheck, err)
		}
		if !ok {
			return nil, ErrPersistenceCheck
		}
	}

	user, err := deps.Broadcaster.GetProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("broadcaster lookup: %w", err)
	}
	b.broadcaster = user
	b.log = b.log.With(slog.String("broadcaster", user.Login))

	if err := deps.Webhooks.Connect(ctx, user.ID); err != nil {
		// Subscriptions created before the failure are removed again.
		if derr := deps.Webhooks.Destroy(context.WithoutCancel(ctx)); derr != nil {
			b.log.Warn("webhook cleanup failed", slog.Any("err", derr))
		}
		return nil, fmt.Errorf("webhook subscribe: %w", err)
	}

	stream, err := deps.Broadcaster.GetStream(ctx)
	if err != nil {
		b.log.Warn("stream lookup failed; assuming offline", slog.Any("err", err))
		stream = nil
	}
	b.state = hydrate(stream)
	b.publish()
	b.log.Info("bot created",
		slog.Bool("is_streaming", b.state.IsStreaming),
		slog.String("cur_stream_id", b.state.CurStreamID))
	return b, nil
}

func hydrate(stream *twitchapi.Stream) State {
	if stream == nil || stream.ID == "" {
		return State{CurStreamID: streamchange.NoStreamID}
	}
	return State{IsStreaming: stream.Type == "live", CurStreamID: stream.ID, Stream: stream}
}

// Start connects Twitch chat, logs in to Discord, starts the Twitter token refresher
// and applies the hydrated interval state.
func (b *Bot) Start(ctx context.Context) error {
	if err := b.deps.Chat.Connect(ctx); err != nil {
		return err
	}
	if err := b.deps.Discord.Login(ctx); err != nil {
		return err
	}
	if b.deps.Twitter != nil {
		b.deps.Twitter.Start(ctx)
	}
	b.deps.Chat.ToggleStreamIntervals(b.state.IsStreaming)
	telemetry.SetStreamLive(b.state.IsStreaming)
	return nil
}

// Status returns the latest published state snapshot.
func (b *Bot) Status() Status {
	if s := b.status.Load(); s != nil {
		return *s
	}
	return Status{CurStreamID: streamchange.NoStreamID}
}

func (b *Bot) publish() {
	s := &Status{
		IsStreaming: b.state.IsStreaming,
		CurStreamID: b.state.CurStreamID,
		UpdatedAt:   time.Now().UTC(),
	}
	if b.broadcaster != nil {
		s.Broadcaster = b.broadcaster.Login
	}
	if b.state.IsStreaming && b.state.Stream != nil {
		s.Title = b.state.Stream.Title
		if !b.state.Stream.StartedAt.IsZero() {
			started := b.state.Stream.StartedAt
			s.StartedAt = &started
		}
	}
	b.status.Store(s)
}

// WaitPosts blocks until every dispatched post has finished.
func (b *Bot) WaitPosts() { b.posts.Wait() }

// Destroy tears down all adapters concurrently and waits for every one of them. It
// returns the first failure in adapter order: twitch, webhooks, discord, twitter.
// Later calls return nil.
func (b *Bot) Destroy(ctx context.Context) error {
	ran := false
	b.destroyOnce.Do(func() {
		ran = true
		b.destroyErr = b.destroy(ctx)
	})
	if !ran {
		return nil
	}
	return b.destroyErr
}

func (b *Bot) destroy(ctx context.Context) error {
	adapters := []struct {
		name string
		d    notify.Destroyer
	}{
		{"twitch", b.deps.Chat},
		{"webhooks", b.deps.Webhooks},
		{"discord", b.deps.Discord},
	}
	if b.deps.Twitter != nil {
		adapters = append(adapters, struct {
			name string
			d    notify.Destroyer
		}{"twitter", b.deps.Twitter})
	}

	errs := make([]error, len(adapters))
	var g errgroup.Group
	for i, a := range adapters {
		g.Go(func() error {
			if err := a.d.Destroy(ctx); err != nil {
				errs[i] = fmt.Errorf("%s destroy: %w", a.name, err)
				b.log.Warn("adapter teardown failed", slog.String("adapter", a.name), slog.Any("err", err))
			}
			return nil
		})
	}
	_ = g.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
