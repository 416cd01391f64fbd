package eventsub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teamtalima/beastie/twitchapi"
)

// Subscription types the listener creates.
const (
	TypeStreamOnline     = "stream.online"
	TypeStreamOffline    = "stream.offline"
	TypeChannelFollow    = "channel.follow"
	TypeChannelSubscribe = "channel.subscribe"
)

type streamOnlineEvent struct {
	ID                   string    `json:"id"`
	BroadcasterUserID    string    `json:"broadcaster_user_id"`
	BroadcasterUserLogin string    `json:"broadcaster_user_login"`
	BroadcasterUserName  string    `json:"broadcaster_user_name"`
	Type                 string    `json:"type"`
	StartedAt            time.Time `json:"started_at"`
}

type userEvent struct {
	UserID    string `json:"user_id"`
	UserLogin string `json:"user_login"`
	UserName  string `json:"user_name"`
}

func decodeEvent(subType string, raw json.RawMessage) (Event, error) {
	switch subType {
	case TypeStreamOnline:
		var e streamOnlineEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return Event{}, fmt.Errorf("decode %s: %w", subType, err)
		}
		return Event{Kind: KindStreamChanged, Stream: &twitchapi.Stream{
			ID:        e.ID,
			UserID:    e.BroadcasterUserID,
			UserLogin: e.BroadcasterUserLogin,
			UserName:  e.BroadcasterUserName,
			Type:      e.Type,
			StartedAt: e.StartedAt,
		}}, nil
	case TypeStreamOffline:
		return Event{Kind: KindStreamChanged}, nil
	case TypeChannelFollow, TypeChannelSubscribe:
		var e userEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return Event{}, fmt.Errorf("decode %s: %w", subType, err)
		}
		name := e.UserName
		if name == "" {
			name = e.UserLogin
		}
		kind := KindUsersFollows
		if subType == TypeChannelSubscribe {
			kind = KindSubscribed
		}
		return Event{Kind: kind, UserName: name}, nil
	default:
		return Event{}, fmt.Errorf("unknown subscription type %q", subType)
	}
}
