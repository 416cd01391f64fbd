package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/teamtalima/beastie/discordbot"
	"github.com/teamtalima/beastie/eventsub"
	"github.com/teamtalima/beastie/notify"
	"github.com/teamtalima/beastie/streamchange"
	"github.com/teamtalima/beastie/telemetry"
	"github.com/teamtalima/beastie/twitchapi"
)

const streamLookupTimeout = 5 * time.Second

// Run is the event loop. It is the only writer of the bot state and returns when
// ctx is cancelled or both inbound channels are closed.
func (b *Bot) Run(ctx context.Context) error {
	events := b.deps.Webhooks.Events()
	msgs := b.deps.Discord.Messages()
	for events != nil || msgs != nil {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			b.handleEvent(ctx, ev)
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			b.onDiscordMessage(ctx, msg)
		case info := <-b.streamInfo:
			b.applyStreamInfo(info)
		}
	}
	return nil
}

func (b *Bot) handleEvent(ctx context.Context, ev eventsub.Event) {
	corr := ev.CorrelationID
	if corr == "" {
		corr = uuid.NewString()
	}
	ctx = telemetry.WithCorrelation(ctx, corr)
	ctx, span := telemetry.StartSpan(ctx, "bot.event",
		attribute.String("event.kind", string(ev.Kind)),
		attribute.String("event.message_id", ev.MessageID))
	defer telemetry.EndSpan(span, nil)
	telemetry.RecordEvent(string(ev.Kind))

	switch ev.Kind {
	case eventsub.KindStreamChanged:
		b.onStreamChange(ctx, ev)
	case eventsub.KindUsersFollows:
		b.onFollow(ctx, ev)
	case eventsub.KindSubscribed:
		b.onSubscribe(ctx, ev)
	default:
		telemetry.LoggerWithCorr(ctx).Warn("unknown event kind", slog.String("kind", string(ev.Kind)))
	}
}

func (b *Bot) onStreamChange(ctx context.Context, ev eventsub.Event) {
	res := streamchange.Evaluate(ev.Stream, b.state.CurStreamID)
	b.state.IsStreaming = res.Live
	b.state.CurStreamID = res.StreamID
	if res.Live {
		b.state.Stream = ev.Stream
	} else {
		b.state.Stream = nil
	}
	endOfStream := !res.Live && res.EndOfStream && b.state.EndedStreamID != res.StreamID
	if endOfStream {
		b.state.EndedStreamID = res.StreamID
	}
	b.publish()
	telemetry.SetStreamLive(res.Live)

	telemetry.LoggerWithCorr(ctx).Info("stream changed",
		slog.Bool("live", res.Live),
		slog.Bool("new_stream", res.NewStream),
		slog.String("stream_id", res.StreamID))

	if res.NewStream {
		b.announce(ctx, *ev.Stream)
	}
	if endOfStream {
		b.dispatch(ctx, "twitch", b.deps.Chat, notify.EndOfStream, "")
	}
	b.deps.Chat.ToggleStreamIntervals(b.state.IsStreaming)
}

// announce posts the live notifications for a new stream. stream.online
// notifications carry no title, so it is looked up on a post goroutine first and
// handed back to the loop for the status snapshot.
func (b *Bot) announce(ctx context.Context, stream twitchapi.Stream) {
	if stream.Title != "" {
		b.postLive(ctx, stream)
		return
	}
	b.posts.Add(1)
	go func() {
		defer b.posts.Done()
		if b.fillStreamInfo(ctx, &stream) {
			select {
			case b.streamInfo <- stream:
			default:
			}
		}
		b.postLive(ctx, stream)
	}()
}

func (b *Bot) postLive(ctx context.Context, stream twitchapi.Stream) {
	if b.deps.Twitter != nil {
		b.dispatch(ctx, "twitter", b.deps.Twitter, notify.TwitterLive, stream.Title)
	}
	b.dispatch(ctx, "discord", b.deps.Discord, notify.DiscordLive, stream.Title)
}

// fillStreamInfo copies title and category from Helix. It reports whether stream
// changed; lookup failures leave it as is.
func (b *Bot) fillStreamInfo(ctx context.Context, stream *twitchapi.Stream) bool {
	lctx, cancel := context.WithTimeout(ctx, streamLookupTimeout)
	defer cancel()
	cur, err := b.deps.Broadcaster.GetStream(lctx)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("stream info lookup failed", slog.Any("err", err))
		return false
	}
	if cur == nil || cur.ID != stream.ID {
		return false
	}
	stream.Title = cur.Title
	stream.GameName = cur.GameName
	return true
}

// applyStreamInfo records looked-up details if the stream is still the current one.
func (b *Bot) applyStreamInfo(info twitchapi.Stream) {
	if !b.state.IsStreaming || b.state.Stream == nil || b.state.Stream.ID != info.ID {
		return
	}
	updated := *b.state.Stream
	updated.Title = info.Title
	updated.GameName = info.GameName
	b.state.Stream = &updated
	b.publish()
}

func (b *Bot) onFollow(ctx context.Context, ev eventsub.Event) {
	b.dispatch(ctx, "twitch", b.deps.Chat, notify.TwitchNewFollow, ev.UserName)
}

func (b *Bot) onSubscribe(ctx context.Context, ev eventsub.Event) {
	b.dispatch(ctx, "twitch", b.deps.Chat, notify.TwitchNewSub, ev.UserName)
}

func (b *Bot) onDiscordMessage(ctx context.Context, msg discordbot.RelayMessage) {
	if b.deps.Twitter == nil {
		return
	}
	feed := b.deps.Discord.FeedChannelID()
	if feed == 0 || msg.ChannelID != feed {
		return
	}
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	b.posts.Add(1)
	go func() {
		defer b.posts.Done()
		pctx, cancel := context.WithTimeout(ctx, b.deps.PostTimeout)
		defer cancel()
		start := time.Now()
		err := guard(func() error { return b.deps.Twitter.PostMessage(pctx, msg) })
		b.record(ctx, "twitter", "discord_relay", start, err)
		if err == nil && telemetry.RelayedMessages != nil {
			telemetry.RelayedMessages.Inc()
		}
	}()
}

// dispatch posts on its own goroutine. Failures are logged and counted only.
func (b *Bot) dispatch(ctx context.Context, platform string, p notify.Poster, kind notify.Kind, payload string) {
	b.posts.Add(1)
	go func() {
		defer b.posts.Done()
		pctx, cancel := context.WithTimeout(ctx, b.deps.PostTimeout)
		defer cancel()
		pctx, span := telemetry.StartSpan(pctx, "bot.post",
			attribute.String("post.platform", platform),
			attribute.String("post.kind", string(kind)))
		start := time.Now()
		err := guard(func() error { return p.Post(pctx, kind, payload) })
		telemetry.EndSpan(span, err)
		b.record(ctx, platform, string(kind), start, err)
	}()
}

// guard turns a panicking post into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("post panicked: %v", r)
		}
	}()
	return fn()
}

func (b *Bot) record(ctx context.Context, platform, kind string, start time.Time, err error) {
	result := telemetry.ResultOK
	switch {
	case errors.Is(err, notify.ErrUnsupportedKind):
		result = telemetry.ResultUnsupported
	case err != nil:
		result = telemetry.ResultError
	}
	telemetry.RecordPost(platform, kind, result, time.Since(start))
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("post failed",
			slog.String("platform", platform),
			slog.String("kind", kind),
			slog.Any("err", err))
	}
}
