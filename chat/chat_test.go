package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/teamtalima/beastie/notify"
)

// fakeIRC is an in-memory ircClient.
type fakeIRC struct {
	mu         sync.Mutex
	joined     []string
	said       []string
	onConnect  func()
	onMessage  func(twitch.PrivateMessage)
	connectErr error
	drops      int // Connect calls that come up, then fail with errConnReset
	connects   int
	disconnect chan struct{}
	closeOnce  sync.Once
}

var errConnReset = errors.New("read tcp: connection reset by peer")

func newFakeIRC() *fakeIRC { return &fakeIRC{disconnect: make(chan struct{})} }

func (f *fakeIRC) Join(channels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, channels...)
}

func (f *fakeIRC) Say(channel, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.said = append(f.said, channel+": "+text)
}

func (f *fakeIRC) Connect() error {
	f.mu.Lock()
	f.connects++
	drop := f.drops > 0
	if drop {
		f.drops--
	}
	f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.onConnect()
	if drop {
		return errConnReset
	}
	<-f.disconnect
	return twitch.ErrClientDisconnected
}

func (f *fakeIRC) Disconnect() error {
	f.closeOnce.Do(func() { close(f.disconnect) })
	return nil
}

func (f *fakeIRC) OnConnect(fn func())                            { f.onConnect = fn }
func (f *fakeIRC) OnPrivateMessage(fn func(twitch.PrivateMessage)) { f.onMessage = fn }

func (f *fakeIRC) connectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeIRC) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.said...)
}

func connectedClient(t *testing.T, opts Options) (*Client, *fakeIRC) {
	t.Helper()
	irc := newFakeIRC()
	c := newClient(irc, opts)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Destroy(context.Background()) })
	return c, irc
}

func TestConnectJoinsChannel(t *testing.T) {
	c, irc := connectedClient(t, Options{Channel: "#Beastie"})
	if !c.Connected() {
		t.Fatal("client should report connected")
	}
	if len(irc.joined) != 1 || irc.joined[0] != "beastie" {
		t.Errorf("joined = %v, want [beastie]", irc.joined)
	}
	if err := c.Connect(context.Background()); err == nil {
		t.Error("second Connect should fail")
	}
}

func TestConnectFailure(t *testing.T) {
	irc := newFakeIRC()
	irc.connectErr = errors.New("login authentication failed")
	c := newClient(irc, Options{Channel: "beastie"})
	if err := c.Connect(context.Background()); !errors.Is(err, irc.connectErr) {
		t.Fatalf("Connect() error = %v, want %v", err, irc.connectErr)
	}
	if err := c.Post(context.Background(), notify.EndOfStream, ""); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Post() error = %v, want ErrNotConnected", err)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	irc := newFakeIRC()
	irc.drops = 1
	c := newClient(irc, Options{Channel: "beastie", ReconnectDelay: 10 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Destroy(context.Background()) })

	deadline := time.Now().Add(2 * time.Second)
	for irc.connectCalls() < 2 || !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatalf("not reconnected: connect calls = %d, connected = %v", irc.connectCalls(), c.Connected())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.Post(context.Background(), notify.EndOfStream, ""); err != nil {
		t.Fatalf("Post() after reconnect error = %v", err)
	}
}

func TestDestroyStopsReconnect(t *testing.T) {
	irc := newFakeIRC()
	irc.drops = 1
	c := newClient(irc, Options{Channel: "beastie", ReconnectDelay: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("connection never dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := irc.connectCalls(); n != 1 {
		t.Errorf("connect calls after Destroy = %d, want 1", n)
	}
}

func TestPost(t *testing.T) {
	tests := []struct {
		kind    notify.Kind
		payload string
		want    string
		wantErr error
	}{
		{kind: notify.EndOfStream, want: "beastie: That's a wrap! Thanks for hanging out, see you next stream <3"},
		{kind: notify.TwitchNewFollow, payload: "Fan", want: "beastie: Welcome to the team, Fan! Thanks for the follow!"},
		{kind: notify.TwitchNewSub, payload: "Subber", want: "beastie: Subber just subscribed! Thank you for the support!"},
		{kind: notify.DiscordLive, wantErr: notify.ErrUnsupportedKind},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			c, irc := connectedClient(t, Options{Channel: "beastie"})
			err := c.Post(context.Background(), tt.kind, tt.payload)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Post() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Post() error = %v", err)
			}
			got := irc.messages()
			if len(got) != 1 || got[0] != tt.want {
				t.Errorf("said = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPostBeforeConnect(t *testing.T) {
	c := newClient(newFakeIRC(), Options{Channel: "beastie"})
	if err := c.Post(context.Background(), notify.TwitchNewFollow, "x"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Post() error = %v, want ErrNotConnected", err)
	}
}

func TestToggleStreamIntervals(t *testing.T) {
	c, irc := connectedClient(t, Options{
		Channel:       "beastie",
		TimedMessages: []string{"first", "second"},
		TimedInterval: 10 * time.Millisecond,
	})

	c.ToggleStreamIntervals(true)
	c.ToggleStreamIntervals(true)
	if !c.IntervalsRunning() {
		t.Fatal("intervals should run while live")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(irc.messages()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := irc.messages()
	if len(got) < 3 {
		t.Fatalf("timed messages = %v, want at least 3", got)
	}
	want := []string{"beastie: first", "beastie: second", "beastie: first"}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("message %d = %q, want %q", i, got[i], w)
		}
	}

	c.ToggleStreamIntervals(false)
	c.ToggleStreamIntervals(false)
	if c.IntervalsRunning() {
		t.Fatal("intervals should stop when offline")
	}
	n := len(irc.messages())
	time.Sleep(40 * time.Millisecond)
	if len(irc.messages()) != n {
		t.Error("timed messages posted after intervals stopped")
	}
}

func TestToggleWithoutTimedMessages(t *testing.T) {
	c, _ := connectedClient(t, Options{Channel: "beastie"})
	c.ToggleStreamIntervals(true)
	if c.IntervalsRunning() {
		t.Error("no timed messages configured, ticker should not start")
	}
}

func TestCommands(t *testing.T) {
	cmds := Commands("https://discord.gg/beastie", "", map[string]string{"!lurk": "Enjoy the lurk"})
	c, irc := connectedClient(t, Options{Channel: "beastie", Username: "beastiebot", Commands: cmds})

	irc.onMessage(twitch.PrivateMessage{User: twitch.User{Name: "viewer"}, Message: "!Discord please"})
	irc.onMessage(twitch.PrivateMessage{User: twitch.User{Name: "viewer"}, Message: "!twitter"})
	irc.onMessage(twitch.PrivateMessage{User: twitch.User{Name: "viewer"}, Message: "hello"})
	irc.onMessage(twitch.PrivateMessage{User: twitch.User{Name: "BeastieBot"}, Message: "!lurk"})
	irc.onMessage(twitch.PrivateMessage{User: twitch.User{Name: "viewer"}, Message: "!lurk"})

	got := irc.messages()
	want := []string{"beastie: Join the Discord: https://discord.gg/beastie", "beastie: Enjoy the lurk"}
	if len(got) != len(want) {
		t.Fatalf("replies = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("reply %d = %q, want %q", i, got[i], want[i])
		}
	}
	_ = c
}

func TestDestroy(t *testing.T) {
	c, _ := connectedClient(t, Options{Channel: "beastie", TimedMessages: []string{"x"}, TimedInterval: time.Hour})
	c.ToggleStreamIntervals(true)
	if err := c.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if c.Connected() || c.IntervalsRunning() {
		t.Error("Destroy should disconnect and stop intervals")
	}
	if err := c.Destroy(context.Background()); err != nil {
		t.Errorf("second Destroy() error = %v", err)
	}
	c.ToggleStreamIntervals(true)
	if c.IntervalsRunning() {
		t.Error("intervals must not restart after Destroy")
	}
}
