// Package twitter is the Twitter adapter. It tweets over API v2 with an OAuth2
// user token kept in the oauth_tokens table and refreshed in the background.
package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"

	"github.com/teamtalima/beastie/db"
	"github.com/teamtalima/beastie/discordbot"
	"github.com/teamtalima/beastie/notify"
	"github.com/teamtalima/beastie/oauth"
	"github.com/teamtalima/beastie/telemetry"
)

const (
	platform = "twitter"
	// Provider is the oauth_tokens row holding the user token.
	Provider = "twitter"
	// MaxTweetRunes is the tweet length limit.
	MaxTweetRunes = 280

	defaultBaseURL  = "https://api.twitter.com"
	defaultTokenURL = "https://api.twitter.com/2/oauth2/token"

	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 5 * time.Minute
)

// ErrEmptyMessage is returned by PostMessage for a message with nothing to tweet.
var ErrEmptyMessage = errors.New("nothing to tweet")

// APIError is a non-2xx response from the Twitter API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitter api: status %d: %s", e.StatusCode, e.Body)
}

// Options configures a Client.
type Options struct {
	ClientID      string
	ClientSecret  string
	TwitchChannel string

	BaseURL         string
	TokenURL        string
	HTTPClient      *http.Client
	RefreshInterval time.Duration
	RefreshWindow   time.Duration

	// BreakerFailures consecutive failed tweets open the circuit breaker, which then
	// rejects tweets for BreakerTimeout before letting one through.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Client is the Twitter adapter.
type Client struct {
	store   oauth.Store
	refresh oauth.RefreshFunc
	http    *http.Client
	baseURL string
	opts    Options
	log     *slog.Logger
	breaker *gobreaker.CircuitBreaker
	clk     clockwork.Clock

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      <-chan struct{}
	destroyed bool
}

// OAuthConfig is the OAuth2 client used to refresh the user token.
func OAuthConfig(clientID, clientSecret, tokenURL string) *oauth2.Config {
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInHeader},
		Scopes:       []string{"tweet.read", "tweet.write", "users.read", "offline.access"},
	}
}

// New builds a Client reading its token from store. It performs no I/O.
func New(store oauth.Store, opts Options) *Client {
	refresh := oauth.OAuth2Refresh(OAuthConfig(opts.ClientID, opts.ClientSecret, opts.TokenURL))
	// The store is read on every request so refreshed tokens are picked up at once.
	ts := &oauth.StoreTokenSource{Store: store, Provider: Provider, Refresh: refresh}
	var baseTransport http.RoundTripper
	if opts.HTTPClient != nil {
		baseTransport = opts.HTTPClient.Transport
	}
	hc := &http.Client{
		Transport: &oauth2.Transport{Source: ts, Base: baseTransport},
		Timeout:   15 * time.Second,
	}

	base := opts.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	c := &Client{
		store:   store,
		refresh: refresh,
		http:    hc,
		baseURL: strings.TrimRight(base, "/"),
		opts:    opts,
		log:     slog.Default().With(slog.String("component", "twitter")),
		clk:     clockwork.NewRealClock(),
	}
	c.breaker = c.newBreaker()
	return c
}

func (c *Client) newBreaker() *gobreaker.CircuitBreaker {
	failures := c.opts.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	timeout := c.opts.BreakerTimeout
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        platform,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: breakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			telemetry.SetBreakerState(name, breakerStateValue(to))
		},
	})
}

// breakerSuccess counts rejected requests as healthy calls: the API answered, the
// tweet itself was refused. Expired auth and rate limits still count as failures.
func breakerSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusTooManyRequests:
			return false
		}
		return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
	}
	return false
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// BreakerState reports the circuit breaker state.
func (c *Client) BreakerState() gobreaker.State { return c.breaker.State() }

// SeedToken stores an initial user token unless one is already present.
func SeedToken(ctx context.Context, store oauth.Store, accessToken, refreshToken string) (bool, error) {
	if accessToken == "" && refreshToken == "" {
		return false, nil
	}
	_, ok, err := store.Get(ctx, Provider)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	// Unknown expiry; the refresher renews it on its first pass.
	tok := db.Token{AccessToken: accessToken, RefreshToken: refreshToken}
	if err := store.Upsert(ctx, Provider, tok); err != nil {
		return false, fmt.Errorf("seed twitter token: %w", err)
	}
	return true, nil
}

// Start launches the token refresher. It stops on Destroy or when ctx ends.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = oauth.StartRefresher(ctx, c.store, Provider, c.opts.RefreshInterval, c.opts.RefreshWindow, c.refresh)
}

// Post tweets the live announcement. payload is the stream title and may be empty.
func (c *Client) Post(ctx context.Context, kind notify.Kind, payload string) error {
	if kind != notify.TwitterLive {
		return notify.Unsupported(platform, kind)
	}
	id, err := c.tweet(ctx, LiveText(c.opts.TwitchChannel, payload, c.clk.Now()))
	if err != nil {
		return err
	}
	c.log.Info("live tweet posted", slog.String("tweet_id", id), slog.String("title", payload))
	return nil
}

// LiveText renders the live announcement. The start time keeps consecutive
// announcements distinct, since Twitter refuses duplicate tweets.
func LiveText(channel, title string, at time.Time) string {
	link := "https://twitch.tv/" + channel
	head := fmt.Sprintf("%s is live on Twitch (%s)", channel, at.UTC().Format("Jan 2 15:04 MST"))
	title = strings.TrimSpace(title)
	if title == "" {
		return head + "! Come hang out: " + link
	}
	room := MaxTweetRunes - utf8.RuneCountInString(head+":  "+link)
	if room < 2 {
		return head + "! Come hang out: " + link
	}
	return head + ": " + Truncate(title, room) + " " + link
}

// PostMessage tweets a relayed Discord message.
func (c *Client) PostMessage(ctx context.Context, msg discordbot.RelayMessage) error {
	text := ComposeMessage(msg.Content, msg.AttachmentURLs)
	if text == "" {
		return ErrEmptyMessage
	}
	_, err := c.tweet(ctx, text)
	return err
}

// ComposeMessage fits content into a tweet, appending the first attachment URL
// when it still fits.
func ComposeMessage(content string, attachmentURLs []string) string {
	text := Truncate(strings.TrimSpace(content), MaxTweetRunes)
	if len(attachmentURLs) == 0 {
		return text
	}
	u := attachmentURLs[0]
	if text == "" {
		if utf8.RuneCountInString(u) <= MaxTweetRunes {
			return u
		}
		return ""
	}
	if utf8.RuneCountInString(text)+1+utf8.RuneCountInString(u) <= MaxTweetRunes {
		return text + " " + u
	}
	return text
}

// Truncate shortens s to at most n runes, marking a cut with an ellipsis.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

type createTweetResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

// tweet creates a tweet through the circuit breaker. While the breaker is open it
// fails fast with gobreaker.ErrOpenState.
func (c *Client) tweet(ctx context.Context, text string) (string, error) {
	id, err := c.breaker.Execute(func() (interface{}, error) {
		return c.createTweet(ctx, text)
	})
	if err != nil {
		return "", err
	}
	return id.(string), nil
}

func (c *Client) createTweet(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/2/tweets", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("twitter create tweet: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	var out createTweetResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("twitter decode response: %w", err)
	}
	return out.Data.ID, nil
}

// Destroy stops the token refresher. Later calls are no-ops.
func (c *Client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("twitter refresher stop: %w", ctx.Err())
	}
}
