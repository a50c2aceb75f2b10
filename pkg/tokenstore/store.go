// Package tokenstore caches QQ app access tokens.
//
// Keys are account IDs and values are the access tokens returned by
// getAppAccessToken. The gateway and REST client share one store per
// process so a token fetched for an Identify is reused for message
// sends until it nears expiry.
package tokenstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
)

// Token is a cached access token with its expiry.
type Token struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired checks if the token has expired.
func (t *Token) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// TTL returns the remaining lifetime, or zero if expired.
func (t *Token) TTL() time.Duration {
	d := time.Until(t.ExpiresAt)
	if d < 0 {
		return 0
	}
	return d
}

// RefreshAt returns when a refresh should run so a new token is in
// place `lead` before expiry. A token already inside the lead window
// refreshes immediately.
func (t *Token) RefreshAt(lead time.Duration) time.Time {
	at := t.ExpiresAt.Add(-lead)
	if now := time.Now(); at.Before(now) {
		return now
	}
	return at
}

// Store defines the token storage interface.
type Store interface {
	// Set stores a token with the given key and TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get retrieves a token by key. Returns ErrTokenNotFound or ErrTokenExpired.
	Get(ctx context.Context, key string) (*Token, error)
	// Delete removes a token by key.
	Delete(ctx context.Context, key string) error
	// Cleanup removes all expired tokens.
	Cleanup(ctx context.Context) (int, error)
}
