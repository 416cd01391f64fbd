// Package oauth keeps OAuth user tokens persisted in the oauth_tokens table fresh.
// It performs jittered checks and refreshes when expiry falls within a configured
// window, and exposes the stored token as an oauth2.TokenSource.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/teamtalima/beastie/db"
)

// Store is the persistence the refresher needs; *db.TokenStore satisfies it.
type Store interface {
	Get(ctx context.Context, provider string) (db.Token, bool, error)
	Upsert(ctx context.Context, provider string, tok db.Token) error
}

// RefreshFunc exchanges a stored token for a new one.
type RefreshFunc func(ctx context.Context, current db.Token) (db.Token, error)

// ErrNoToken is returned when a provider has no stored token.
var ErrNoToken = errors.New("no stored oauth token")

// StartRefresher launches a goroutine that periodically checks the provider's token and
// refreshes it when its remaining lifetime is <= window. The returned channel is closed
// once the goroutine exits after ctx is cancelled.
func StartRefresher(ctx context.Context, store Store, provider string, interval, window time.Duration, fn RefreshFunc) <-chan struct{} {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	done := make(chan struct{})
	// Randomize initial delay to spread load across instances.
	initialJitter := jitter(interval / 2)
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			if err := RefreshIfDue(ctx, store, provider, window, fn); err != nil && !errors.Is(err, ErrNoToken) {
				slog.Warn("token refresh failed", slog.String("provider", provider), slog.Any("err", err))
			}
			// Per-iteration jitter of +-20% of interval.
			nextSleep := interval - interval/5 + jitter(2*interval/5)
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
	return done
}

// RefreshIfDue refreshes and persists the provider's token when it expires within window.
func RefreshIfDue(ctx context.Context, store Store, provider string, window time.Duration, fn RefreshFunc) error {
	cur, ok, err := store.Get(ctx, provider)
	if err != nil {
		return err
	}
	if !ok || cur.RefreshToken == "" {
		return ErrNoToken
	}
	if !cur.Expiry.IsZero() && time.Until(cur.Expiry) > window {
		return nil
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	next, err := fn(ctx2, cur)
	cancel()
	if err != nil {
		return err
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	if next.Scope == "" {
		next.Scope = cur.Scope
	}
	next.Scope = strings.TrimSpace(next.Scope)
	if err := store.Upsert(ctx, provider, next); err != nil {
		return fmt.Errorf("token persist failed: %w", err)
	}
	slog.Info("token refreshed", slog.String("provider", provider), slog.Time("expires_at", next.Expiry))
	return nil
}

// OAuth2Refresh returns a RefreshFunc that runs the refresh_token grant against cfg.
func OAuth2Refresh(cfg *oauth2.Config) RefreshFunc {
	return func(ctx context.Context, current db.Token) (db.Token, error) {
		tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken}).Token()
		if err != nil {
			return db.Token{}, err
		}
		scope, _ := tok.Extra("scope").(string)
		return db.Token{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			Expiry:       tok.Expiry,
			Scope:        scope,
		}, nil
	}
}

// StoreTokenSource serves the stored token for Provider as an oauth2.TokenSource,
// refreshing inline through Refresh when it has already expired.
type StoreTokenSource struct {
	Store    Store
	Provider string
	Refresh  RefreshFunc

	mu sync.Mutex
}

// Token implements oauth2.TokenSource.
func (s *StoreTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cur, ok, err := s.Store.Get(ctx, s.Provider)
	if err != nil {
		return nil, err
	}
	if !ok || cur.AccessToken == "" {
		return nil, fmt.Errorf("%s: %w", s.Provider, ErrNoToken)
	}
	// A zero expiry is left to the background refresher.
	if s.Refresh != nil && !cur.Expiry.IsZero() && time.Until(cur.Expiry) <= 30*time.Second {
		if err := RefreshIfDue(ctx, s.Store, s.Provider, 30*time.Second, s.Refresh); err != nil {
			return nil, err
		}
		if cur, _, err = s.Store.Get(ctx, s.Provider); err != nil {
			return nil, err
		}
	}
	return &oauth2.Token{
		AccessToken:  cur.AccessToken,
		RefreshToken: cur.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       cur.Expiry,
	}, nil
}

func jitter(n time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	return rand.N(n)
}
