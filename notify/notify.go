// Package notify defines the post kinds exchanged between the orchestrator and the
// platform adapters, and the small interfaces every adapter satisfies.
package notify

import (
	"context"
	"errors"
	"fmt"
)

// Kind names an outbound notification.
type Kind string

const (
	TwitterLive     Kind = "twitter_live"
	DiscordLive     Kind = "discord_live"
	EndOfStream     Kind = "end_of_stream"
	TwitchNewFollow Kind = "twitch_new_follow"
	TwitchNewSub    Kind = "twitch_new_sub"
)

// ErrUnsupportedKind is returned by adapters asked to post a kind they do not handle.
var ErrUnsupportedKind = errors.New("unsupported post kind")

// Poster publishes a notification to one platform. Implementations may fail; callers
// are expected to log and continue.
type Poster interface {
	Post(ctx context.Context, kind Kind, payload string) error
}

// Destroyer releases an adapter's connection and background work.
type Destroyer interface {
	Destroy(ctx context.Context) error
}

// Adapter is a platform connection that can both post and be torn down.
type Adapter interface {
	Poster
	Destroyer
}

// Unsupported wraps ErrUnsupportedKind with the adapter and kind for logging.
func Unsupported(platform string, kind Kind) error {
	return fmt.Errorf("%s: %w: %s", platform, ErrUnsupportedKind, kind)
}
