// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs:
// broadcaster lookup, current stream status and EventSub subscription management,
// all using an app access token.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const helixBaseURL = "https://api.twitch.tv/helix"

// APIError is a non-2xx Helix response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("helix %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// ErrNotFound is returned when a lookup yields no rows.
var ErrNotFound = errors.New("not found")

// HelixClient provides the Helix calls the bot needs.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
	// BaseURL overrides the Helix root, e.g. for a mock server.
	BaseURL        string
}

// User is a Helix user row.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

// Stream is a Helix stream row. Type is "live" for an active broadcast.
type Stream struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	UserLogin string    `json:"user_login"`
	UserName  string    `json:"user_name"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	GameName  string    `json:"game_name"`
	StartedAt time.Time `json:"started_at"`
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return strings.TrimSuffix(hc.BaseURL, "/")
	}
	return helixBaseURL
}

// do issues a Helix request and decodes the JSON response into out (when non-nil).
// A 401 drops the cached app token and retries once.
func (hc *HelixClient) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		payload = b
	}
	for attempt := 0; ; attempt++ {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return err
		}
		u := hc.baseURL() + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rd)
		if err != nil {
			return err
		}
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := hc.http().Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			drain(resp)
			hc.AppTokenSource.Invalidate()
			continue
		}
		defer drain(resp)
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(b)}
		}
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

// GetUser resolves a login name to its user row.
func (hc *HelixClient) GetUser(ctx context.Context, login string) (*User, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/users", url.Values{"login": {login}}, nil, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("user %q: %w", login, ErrNotFound)
	}
	return &body.Data[0], nil
}

// GetStream returns the live stream for a login, or nil when the channel is offline.
func (hc *HelixClient) GetStream(ctx context.Context, login string) (*Stream, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/streams", url.Values{"user_login": {login}, "type": {"live"}}, nil, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	return &body.Data[0], nil
}

// Broadcaster binds a HelixClient to the single monitored channel.
type Broadcaster struct {
	Helix *HelixClient
	Login string
}

// GetProfile looks up the broadcaster's user row.
func (b *Broadcaster) GetProfile(ctx context.Context) (*User, error) {
	return b.Helix.GetUser(ctx, b.Login)
}

// GetStream returns the broadcaster's live stream, or nil when offline.
func (b *Broadcaster) GetStream(ctx context.Context) (*Stream, error) {
	return b.Helix.GetStream(ctx, b.Login)
}
