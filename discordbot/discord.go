// Package discordbot is the Discord adapter: it announces live streams and relays
// guild messages to the orchestrator.
package discordbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/disgoorg/disgo"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"
	"github.com/jonboulle/clockwork"

	"github.com/teamtalima/beastie/notify"
)

const (
	platform  = "discord"
	colorLive = 0x9146FF
)

// RelayMessage is a non-bot guild message handed to the orchestrator.
type RelayMessage struct {
	ChannelID      snowflake.ID
	AuthorName     string
	Content        string
	AttachmentURLs []string
}

// ErrNoLiveChannel is returned by Post when no announcement channel is configured.
var ErrNoLiveChannel = errors.New("discord live channel not configured")

type gatewayConn interface {
	OpenGateway(ctx context.Context) error
	Close(ctx context.Context)
}

type messageCreator interface {
	CreateMessage(channelID snowflake.ID, messageCreate discord.MessageCreate, opts ...rest.RequestOpt) (*discord.Message, error)
}

// Options configures a Client.
type Options struct {
	Token         string
	LiveChannelID snowflake.ID
	FeedChannelID snowflake.ID
	TwitchChannel string
	Buffer        int
}

// Client is the Discord adapter.
type Client struct {
	gw   gatewayConn
	rest messageCreator
	opts Options
	log  *slog.Logger
	msgs chan RelayMessage
	clk  clockwork.Clock

	mu       sync.RWMutex
	loggedIn bool
	closed   bool
}

// New builds a Client over disgo. The gateway is not opened until Login.
func New(opts Options) (*Client, error) {
	c := newClient(nil, nil, opts)
	client, err := disgo.New(opts.Token,
		bot.WithGatewayConfigOpts(
			gateway.WithIntents(
				gateway.IntentGuilds,
				gateway.IntentGuildMessages,
				gateway.IntentMessageContent,
			),
		),
		bot.WithEventListenerFunc(c.onReady),
		bot.WithEventListenerFunc(c.onMessage),
	)
	if err != nil {
		return nil, fmt.Errorf("discord client: %w", err)
	}
	c.gw = client
	c.rest = client.Rest
	return c, nil
}

func newClient(gw gatewayConn, rc messageCreator, opts Options) *Client {
	if opts.Buffer <= 0 {
		opts.Buffer = 32
	}
	return &Client{
		gw:   gw,
		rest: rc,
		opts: opts,
		log:  slog.Default().With(slog.String("component", "discord")),
		msgs: make(chan RelayMessage, opts.Buffer),
		clk:  clockwork.NewRealClock(),
	}
}

// Login opens the gateway.
func (c *Client) Login(ctx context.Context) error {
	if err := c.gw.OpenGateway(ctx); err != nil {
		return fmt.Errorf("discord login: %w", err)
	}
	c.mu.Lock()
	c.loggedIn = true
	c.mu.Unlock()
	return nil
}

// Messages returns the channel relayed guild messages are delivered on. It is
// closed by Destroy.
func (c *Client) Messages() <-chan RelayMessage { return c.msgs }

// FeedChannelID is the channel whose messages are relayed to Twitter.
func (c *Client) FeedChannelID() snowflake.ID { return c.opts.FeedChannelID }

// Post sends a live announcement. payload, when set, is used as the stream title.
func (c *Client) Post(ctx context.Context, kind notify.Kind, payload string) error {
	if kind != notify.DiscordLive {
		return notify.Unsupported(platform, kind)
	}
	if c.opts.LiveChannelID == 0 {
		return ErrNoLiveChannel
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.rest.CreateMessage(c.opts.LiveChannelID, c.liveMessage(payload), rest.WithCtx(ctx))
	if err != nil {
		return fmt.Errorf("discord create message: %w", err)
	}
	return nil
}

func (c *Client) liveMessage(title string) discord.MessageCreate {
	url := "https://twitch.tv/" + c.opts.TwitchChannel
	now := c.clk.Now()
	embed := discord.Embed{
		Title:     c.opts.TwitchChannel + " is live on Twitch!",
		URL:       url,
		Color:     colorLive,
		Timestamp: &now,
	}
	if title != "" {
		embed.Description = title
	}
	return discord.MessageCreate{
		Content: "@here we're live! Come hang out: " + url,
		Embeds:  []discord.Embed{embed},
	}
}

func (c *Client) onReady(_ *events.Ready) {
	c.log.Info("discord logged in")
}

func (c *Client) onMessage(e *events.MessageCreate) {
	if e.GuildID == nil {
		return
	}
	c.relay(e.ChannelID, e.Message)
}

func (c *Client) relay(channelID snowflake.ID, msg discord.Message) {
	if msg.Author.Bot {
		return
	}
	rm := RelayMessage{
		ChannelID:  channelID,
		AuthorName: msg.Author.EffectiveName(),
		Content:    msg.Content,
	}
	for _, a := range msg.Attachments {
		rm.AttachmentURLs = append(rm.AttachmentURLs, a.URL)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.msgs <- rm:
	default:
		c.log.Warn("discord relay buffer full; message dropped", slog.String("channel_id", channelID.String()))
	}
}

// Destroy closes the gateway and the Messages channel. Later calls are no-ops.
func (c *Client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.msgs)
	loggedIn := c.loggedIn
	c.mu.Unlock()

	if loggedIn {
		c.gw.Close(ctx)
	}
	return nil
}
