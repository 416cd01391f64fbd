// Command beastie is the stream notification bot. It:
//   - Loads configuration and initializes structured logging, metrics and tracing.
//   - Opens Postgres and holds the Twitter user token in the oauth_tokens table.
//   - Starts the HTTP server first so Twitch can verify the EventSub callback.
//   - Creates the orchestrator (persistence check, broadcaster lookup, webhook
//     subscriptions, stream state hydration), connects chat, Discord and Twitter,
//     then runs the event loop.
//
// Shutdown is graceful on SIGINT/SIGTERM: in-flight posts finish, then every adapter
// is torn down. Schema migrations are applied with cmd/migrate.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/teamtalima/beastie/bot"
	"github.com/teamtalima/beastie/chat"
	"github.com/teamtalima/beastie/config"
	"github.com/teamtalima/beastie/crypto"
	"github.com/teamtalima/beastie/db"
	"github.com/teamtalima/beastie/discordbot"
	"github.com/teamtalima/beastie/eventsub"
	"github.com/teamtalima/beastie/server"
	"github.com/teamtalima/beastie/telemetry"
	"github.com/teamtalima/beastie/twitchapi"
	"github.com/teamtalima/beastie/twitter"
)

var version = "dev"

func main() {
	config.LoadDotEnv()
	setupLogger()

	if err := run(); err != nil {
		slog.Error("beastie exited with error", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func setupLogger() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(ctx, "beastie", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("tracing shutdown failed", slog.Any("err", err))
		}
	}()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	store := &db.TokenStore{DB: database}
	if cfg.EncryptionKey != "" {
		sealer, err := crypto.NewAESSealer(cfg.EncryptionKey)
		if err != nil {
			return fmt.Errorf("encryption key: %w", err)
		}
		store.Sealer = sealer
	} else {
		slog.Warn("ENCRYPTION_KEY not set; OAuth tokens are stored in plaintext")
	}

	apiClient := &http.Client{Timeout: 10 * time.Second}
	helix := &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
			HTTPClient:   apiClient,
		},
		ClientID:   cfg.TwitchClientID,
		HTTPClient: apiClient,
	}

	listener := eventsub.NewListener(helix, eventsub.Options{
		CallbackURL:     cfg.EventSubCallbackURL,
		Secret:          cfg.EventSubSecret,
		SubscribeEvents: cfg.EventSubSubscribeEvents,
	})

	chatClient := chat.New(chat.Options{
		Channel:       cfg.TwitchChannel,
		Username:      cfg.TwitchBotUsername,
		OAuthToken:    cfg.TwitchOAuthToken,
		TimedMessages: cfg.TimedMessages,
		TimedInterval: cfg.TimedInterval,
		Commands:      chat.Commands(cfg.DiscordInviteURL, cfg.TwitterProfileURL, cfg.ChatCommands),
	})

	liveChannel, err := parseChannelID("DISCORD_LIVE_CHANNEL_ID", cfg.DiscordLiveChannelID)
	if err != nil {
		return err
	}
	feedChannel, err := parseChannelID("DISCORD_FEED_CHANNEL_ID", cfg.DiscordFeedChannelID)
	if err != nil {
		return err
	}
	discordClient, err := discordbot.New(discordbot.Options{
		Token:         cfg.DiscordToken,
		LiveChannelID: liveChannel,
		FeedChannelID: feedChannel,
		TwitchChannel: cfg.TwitchChannel,
	})
	if err != nil {
		return err
	}

	// Left as a nil interface when disabled so the bot skips Twitter entirely.
	var twitterClient bot.TwitterClient
	var tw *twitter.Client
	if cfg.TwitterEnabled() {
		seeded, err := twitter.SeedToken(ctx, store, cfg.TwitterAccessToken, cfg.TwitterRefreshToken)
		if err != nil {
			return fmt.Errorf("twitter token: %w", err)
		}
		if seeded {
			slog.Info("twitter token seeded from environment")
		}
		tw = twitter.New(store, twitter.Options{
			ClientID:      cfg.TwitterClientID,
			ClientSecret:  cfg.TwitterClientSecret,
			TwitchChannel: cfg.TwitchChannel,
		})
		twitterClient = tw
	} else {
		slog.Info("twitter disabled: TWITTER_CLIENT_ID and a seed token are required")
	}

	var current atomic.Pointer[bot.Bot]
	handler := server.NewMux(ctx, server.Deps{
		DB: database,
		Status: func() (bot.Status, bool) {
			if b := current.Load(); b != nil {
				return b.Status(), true
			}
			return bot.Status{}, false
		},
		ChatConnected: chatClient.Connected,
		Credentials: func(ctx context.Context) error {
			if twitterClient == nil {
				return nil
			}
			_, ok, err := store.Get(ctx, twitter.Provider)
			if err == nil && !ok {
				err = errors.New("twitter token missing")
			}
			return err
		},
		Webhook: listener.Handler(),
		Adapters: func() server.AdapterStatus {
			a := server.AdapterStatus{
				ChatConnected: chatClient.Connected(),
				TimedMessages: chatClient.IntervalsRunning(),
			}
			if tw != nil {
				a.TwitterBreaker = tw.BreakerState().String()
			}
			return a
		},
	})

	ready := make(chan net.Addr, 1)
	srvErr := make(chan error, 1)
	go func() { srvErr <- server.Start(ctx, handler, cfg.HTTPAddr, ready) }()
	select {
	case <-ready:
	case err := <-srvErr:
		return fmt.Errorf("http server: %w", err)
	}

	b, err := bot.Create(ctx, bot.Deps{
		CheckPersistence: func(ctx context.Context) (bool, error) {
			return db.CheckTeammateTable(ctx, database)
		},
		Chat:        chatClient,
		Broadcaster: &twitchapi.Broadcaster{Helix: helix, Login: cfg.TwitchChannel},
		Webhooks:    listener,
		Discord:     discordClient,
		Twitter:     twitterClient,
	})
	if err != nil {
		stop()
		<-srvErr
		return err
	}
	current.Store(b)

	if err := b.Start(ctx); err != nil {
		slog.Error("bot start failed", slog.Any("err", err))
		stop()
		_ = teardown(b)
		<-srvErr
		return err
	}
	slog.Info("beastie running", slog.String("channel", cfg.TwitchChannel), slog.String("version", version))

	if err := b.Run(ctx); err != nil {
		slog.Error("event loop failed", slog.Any("err", err))
	}
	slog.Info("shutting down")
	stop()
	err = teardown(b)
	if serr := <-srvErr; serr != nil && err == nil {
		err = serr
	}
	return err
}

// teardown waits for in-flight posts, then destroys every adapter.
func teardown(b *bot.Bot) error {
	b.WaitPosts()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := b.Destroy(ctx); err != nil {
		return fmt.Errorf("teardown: %w", err)
	}
	return nil
}

func parseChannelID(name, v string) (snowflake.ID, error) {
	if v == "" {
		return 0, nil
	}
	id, err := snowflake.Parse(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	return id, nil
}
