package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/teamtalima/beastie/notify"
	"github.com/teamtalima/beastie/telemetry"
)

const platform = "twitch"

// ErrNotConnected is returned by Post before Connect succeeds or after the
// connection drops.
var ErrNotConnected = errors.New("twitch chat not connected")

// ircClient is the subset of *twitch.Client the adapter drives.
type ircClient interface {
	Join(channels ...string)
	Say(channel, text string)
	Connect() error
	Disconnect() error
	OnConnect(func())
	OnPrivateMessage(func(twitch.PrivateMessage))
}

// Options configures a Client.
type Options struct {
	Channel       string
	Username      string
	OAuthToken    string
	TimedMessages []string
	TimedInterval time.Duration
	Commands      map[string]string

	// ReconnectDelay is the first wait before redialling a dropped connection. It
	// doubles per failed attempt up to maxReconnectDelay.
	ReconnectDelay time.Duration
}

const (
	defaultReconnectDelay = 2 * time.Second
	maxReconnectDelay     = time.Minute
)

// Client is the Twitch chat adapter.
type Client struct {
	irc      ircClient
	opts     Options
	commands map[string]string
	logger   *slog.Logger

	connected atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once
	connErr   chan error
	stop      chan struct{}

	mu           sync.Mutex
	started      bool
	destroyed    bool
	intervalStop chan struct{}
	intervalDone chan struct{}
	timedIdx     atomic.Uint64
}

// New builds a Client over go-twitch-irc. It performs no I/O.
func New(opts Options) *Client {
	oauth := opts.OAuthToken
	if oauth != "" && !strings.HasPrefix(oauth, "oauth:") {
		oauth = "oauth:" + oauth
	}
	return newClient(twitch.NewClient(opts.Username, oauth), opts)
}

func newClient(irc ircClient, opts Options) *Client {
	opts.Channel = strings.ToLower(strings.TrimPrefix(opts.Channel, "#"))
	if opts.TimedInterval <= 0 {
		opts.TimedInterval = 15 * time.Minute
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	c := &Client{
		irc:      irc,
		opts:     opts,
		commands: normalizeCommands(opts.Commands),
		logger:   slog.Default().With(slog.String("component", "twitch_chat"), slog.String("channel", opts.Channel)),
		ready:    make(chan struct{}),
		connErr:  make(chan error, 1),
		stop:     make(chan struct{}),
	}
	irc.OnConnect(func() {
		c.connected.Store(true)
		c.readyOnce.Do(func() { close(c.ready) })
		c.logger.Info("twitch chat connected")
	})
	irc.OnPrivateMessage(c.onMessage)
	return c
}

// Connect joins the channel and blocks until the IRC client reports connected,
// the connection fails, or ctx ends.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("twitch chat: already connecting")
	}
	c.started = true
	c.mu.Unlock()

	c.irc.Join(c.opts.Channel)
	go c.connectLoop()

	select {
	case <-c.ready:
		return nil
	case err := <-c.connErr:
		if err == nil {
			err = errors.New("connection closed")
		}
		return fmt.Errorf("twitch chat connect: %w", err)
	case <-ctx.Done():
		_ = c.irc.Disconnect()
		return ctx.Err()
	}
}

// connectLoop runs the IRC session. A failure before the first connect is reported
// to Connect; once connected, dropped sessions are redialled with backoff until
// Disconnect or Destroy.
func (c *Client) connectLoop() {
	delay := c.opts.ReconnectDelay
	for {
		err := c.irc.Connect()
		wasUp := c.connected.Swap(false)
		if errors.Is(err, twitch.ErrClientDisconnected) || c.isDestroyed() {
			c.connErr <- err
			return
		}
		select {
		case <-c.ready:
		default:
			c.connErr <- err
			return
		}
		if wasUp {
			delay = c.opts.ReconnectDelay
		}

		c.logger.Warn("twitch chat connection lost, reconnecting", slog.Any("err", err), slog.Duration("delay", delay))
		if telemetry.ChatReconnects != nil {
			telemetry.ChatReconnects.Inc()
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.stop:
			timer.Stop()
			return
		}
		delay = min(delay*2, maxReconnectDelay)
		if c.isDestroyed() {
			return
		}
	}
}

func (c *Client) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// Connected reports whether the IRC session is up.
func (c *Client) Connected() bool { return c.connected.Load() }

// Post renders kind into a chat line and sends it to the broadcaster channel.
func (c *Client) Post(ctx context.Context, kind notify.Kind, payload string) error {
	var text string
	switch kind {
	case notify.EndOfStream:
		text = "That's a wrap! Thanks for hanging out, see you next stream <3"
	case notify.TwitchNewFollow:
		text = fmt.Sprintf("Welcome to the team, %s! Thanks for the follow!", payload)
	case notify.TwitchNewSub:
		text = fmt.Sprintf("%s just subscribed! Thank you for the support!", payload)
	default:
		return notify.Unsupported(platform, kind)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.say(text)
}

func (c *Client) say(text string) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	c.irc.Say(c.opts.Channel, text)
	return nil
}

// ToggleStreamIntervals starts the timed message ticker when live and stops it
// otherwise. Calling it twice with the same value changes nothing.
func (c *Client) ToggleStreamIntervals(live bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	running := c.intervalStop != nil
	switch {
	case live && !running:
		if len(c.opts.TimedMessages) == 0 {
			return
		}
		c.intervalStop = make(chan struct{})
		c.intervalDone = make(chan struct{})
		go c.runIntervals(c.intervalStop, c.intervalDone)
		c.logger.Info("stream intervals started", slog.Duration("interval", c.opts.TimedInterval))
	case !live && running:
		c.stopIntervalsLocked()
		c.logger.Info("stream intervals stopped")
	}
}

// IntervalsRunning reports whether the timed message ticker is active.
func (c *Client) IntervalsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intervalStop != nil
}

func (c *Client) stopIntervalsLocked() {
	if c.intervalStop == nil {
		return
	}
	close(c.intervalStop)
	<-c.intervalDone
	c.intervalStop = nil
	c.intervalDone = nil
}

func (c *Client) runIntervals(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.opts.TimedInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.postTimed()
		}
	}
}

func (c *Client) postTimed() {
	msgs := c.opts.TimedMessages
	if len(msgs) == 0 {
		return
	}
	i := c.timedIdx.Add(1) - 1
	text := msgs[i%uint64(len(msgs))]
	if err := c.say(text); err != nil {
		c.logger.Debug("timed message skipped", slog.Any("err", err))
		return
	}
	if telemetry.TimedMessagesOut != nil {
		telemetry.TimedMessagesOut.Inc()
	}
}

// Destroy stops the intervals and disconnects. Later calls are no-ops.
func (c *Client) Destroy(_ context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	close(c.stop)
	c.stopIntervalsLocked()
	started := c.started
	c.mu.Unlock()

	if !started {
		return nil
	}
	c.connected.Store(false)
	err := c.irc.Disconnect()
	if errors.Is(err, twitch.ErrConnectionIsNotOpen) {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("twitch chat disconnect: %w", err)
	}
	return nil
}
