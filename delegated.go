package credvault

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// DelegatedToken is a credential obtained from an external service and held
// on behalf of an identity. There is at most one per (identity, service).
//
// Token values are secrets and must never be logged.
type DelegatedToken struct {
	Identity     string     `json:"-"`
	Service      string     `json:"-"`
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Scope        string     `json:"scope,omitempty"`
	TokenType    string     `json:"token_type,omitempty"`
	ConnectedAt  time.Time  `json:"connected_at"`
	LastUsedAt   time.Time  `json:"last_used_at"`
}

// IsExpired reports whether the token has an expiry strictly before now
func (t *DelegatedToken) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && t.ExpiresAt.Before(now)
}

// IsValid reports whether the token has an access token and is not past its
// expiry. Tokens without an expiry never expire.
func (t *DelegatedToken) IsValid(now time.Time) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return t.ExpiresAt == nil || t.ExpiresAt.After(now)
}

// IsConnected reports whether an access token is present, regardless of expiry
func (t *DelegatedToken) IsConnected() bool {
	return t != nil && t.AccessToken != ""
}

// Clone returns a deep copy
func (t *DelegatedToken) Clone() *DelegatedToken {
	if t == nil {
		return nil
	}
	out := *t
	if t.ExpiresAt != nil {
		e := *t.ExpiresAt
		out.ExpiresAt = &e
	}
	return &out
}

// OAuth2Token converts the record to an *oauth2.Token for use with an
// oauth2 client
func (t *DelegatedToken) OAuth2Token() *oauth2.Token {
	out := &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
	}
	if t.ExpiresAt != nil {
		out.Expiry = *t.ExpiresAt
	}
	return out
}

// TokenGrant is the payload handed to the vault when a service connection
// completes or is updated. Empty strings and a nil ExpiresAt mean "absent".
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	Scope        string
	TokenType    string
}

// GrantFromOAuth2 builds a TokenGrant from an oauth2 token. The "scope" extra
// is carried over when the provider returned one.
func GrantFromOAuth2(tok *oauth2.Token) TokenGrant {
	g := TokenGrant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		e := tok.Expiry
		g.ExpiresAt = &e
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		g.Scope = scope
	}
	return g
}

// UsageTouch records that a token was read at a point in time
type UsageTouch struct {
	Identity string
	Service  string
	At       time.Time
}

// VaultStats is a read-only aggregate over the vault
type VaultStats struct {
	IdentityCount   int            `json:"identity_count"`
	TotalTokenCount int            `json:"total_token_count"`
	PerService      map[string]int `json:"per_service"`
}

// MutateFunc receives the current record (nil if none) and returns the record
// to store. Returning nil deletes the record. Returning an error aborts the
// mutation with no change.
type MutateFunc func(current *DelegatedToken) (*DelegatedToken, error)

// DelegatedTokenStore persists delegated tokens keyed by (identity, service).
//
// Implementations run each Mutate atomically with respect to every other
// mutation of the same store.
type DelegatedTokenStore interface {
	// GetToken returns the record or an error matching ErrNotFound
	GetToken(ctx context.Context, identity, service string) (*DelegatedToken, error)

	// ListTokens returns all records of an identity keyed by service
	ListTokens(ctx context.Context, identity string) (map[string]*DelegatedToken, error)

	// Mutate atomically reads, transforms and writes one record
	Mutate(ctx context.Context, identity, service string, fn MutateFunc) (*DelegatedToken, error)

	// TouchTokens sets LastUsedAt on existing records. Touches for records
	// that no longer exist are ignored. A touch never moves LastUsedAt back.
	TouchTokens(ctx context.Context, touches []UsageTouch) error

	// DeleteExpired removes every record whose expiry is strictly before now
	// and returns how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	Stats(ctx context.Context) (VaultStats, error)

	Close() error
}
