package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Transport describes where EventSub delivers notifications.
type Transport struct {
	Method   string `json:"method"`
	Callback string `json:"callback,omitempty"`
	Secret   string `json:"secret,omitempty"`
}

// SubscriptionRequest is the body of POST /eventsub/subscriptions.
type SubscriptionRequest struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport Transport         `json:"transport"`
}

// Subscription is an EventSub subscription as reported by Helix.
type Subscription struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport Transport         `json:"transport"`
	CreatedAt time.Time         `json:"created_at"`
}

// ErrSubscriptionExists is returned when Helix reports a 409 for a duplicate subscription.
var ErrSubscriptionExists = errors.New("eventsub subscription already exists")

// CreateSubscription registers a webhook subscription.
func (hc *HelixClient) CreateSubscription(ctx context.Context, sr SubscriptionRequest) (*Subscription, error) {
	var body struct {
		Data []Subscription `json:"data"`
	}
	err := hc.do(ctx, http.MethodPost, "/eventsub/subscriptions", nil, sr, &body)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		return nil, fmt.Errorf("%s: %w", sr.Type, ErrSubscriptionExists)
	}
	if err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("create %s subscription: empty response", sr.Type)
	}
	return &body.Data[0], nil
}

// DeleteSubscription removes a subscription by id.
func (hc *HelixClient) DeleteSubscription(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("subscription id empty")
	}
	return hc.do(ctx, http.MethodDelete, "/eventsub/subscriptions", url.Values{"id": {id}}, nil, nil)
}
