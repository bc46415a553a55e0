//go:build !wasm
// +build !wasm

package gae

import (
	"time"

	"cloud.google.com/go/datastore"
	cv "github.com/panyam/credvault"
)

// AccountEntity is the Datastore entity for accounts
// Key format: normalized email
type AccountEntity struct {
	Key          *datastore.Key `datastore:"__key__"`
	ID           int64          `datastore:"id"`
	PasswordHash string         `datastore:"password_hash,noindex"`
	CreatedAt    time.Time      `datastore:"created_at"`
	LastLoginAt  time.Time      `datastore:"last_login_at,noindex"` // zero if never
}

func (e *AccountEntity) ToAccount() *cv.Account {
	a := &cv.Account{
		ID:           e.ID,
		Email:        e.Key.Name,
		PasswordHash: e.PasswordHash,
		CreatedAt:    e.CreatedAt.UTC(),
	}
	if !e.LastLoginAt.IsZero() {
		t := e.LastLoginAt.UTC()
		a.LastLoginAt = &t
	}
	return a
}

func AccountToEntity(a *cv.Account, key *datastore.Key) *AccountEntity {
	e := &AccountEntity{
		Key:          key,
		ID:           a.ID,
		PasswordHash: a.PasswordHash,
		CreatedAt:    a.CreatedAt.UTC(),
	}
	if a.LastLoginAt != nil {
		e.LastLoginAt = a.LastLoginAt.UTC()
	}
	return e
}

// SequenceEntity holds the high-water mark of a named id sequence
type SequenceEntity struct {
	Value int64 `datastore:"value,noindex"`
}

// DelegatedTokenEntity is the Datastore entity for delegated tokens.
// Key format: service, with an Identity parent keyed by identity.
type DelegatedTokenEntity struct {
	Key          *datastore.Key `datastore:"__key__"`
	AccessToken  string         `datastore:"access_token,noindex"`
	RefreshToken string         `datastore:"refresh_token,noindex"`
	ExpiresAt    time.Time      `datastore:"expires_at"` // zero if the token never expires
	Scope        string         `datastore:"scope,noindex"`
	TokenType    string         `datastore:"token_type,noindex"`
	ConnectedAt  time.Time      `datastore:"connected_at,noindex"`
	LastUsedAt   time.Time      `datastore:"last_used_at,noindex"`
}

// expiredAt reports whether the entity has an expiry strictly before now
func (e *DelegatedTokenEntity) expiredAt(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(now)
}

func (e *DelegatedTokenEntity) ToDelegatedToken() *cv.DelegatedToken {
	t := &cv.DelegatedToken{
		Service:      e.Key.Name,
		AccessToken:  e.AccessToken,
		RefreshToken: e.RefreshToken,
		Scope:        e.Scope,
		TokenType:    e.TokenType,
		ConnectedAt:  e.ConnectedAt.UTC(),
		LastUsedAt:   e.LastUsedAt.UTC(),
	}
	if e.Key.Parent != nil {
		t.Identity = e.Key.Parent.Name
	}
	if !e.ExpiresAt.IsZero() {
		x := e.ExpiresAt.UTC()
		t.ExpiresAt = &x
	}
	return t
}

func DelegatedTokenToEntity(t *cv.DelegatedToken, key *datastore.Key) *DelegatedTokenEntity {
	e := &DelegatedTokenEntity{
		Key:          key,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		Scope:        t.Scope,
		TokenType:    t.TokenType,
		ConnectedAt:  t.ConnectedAt.UTC(),
		LastUsedAt:   t.LastUsedAt.UTC(),
	}
	if t.ExpiresAt != nil {
		e.ExpiresAt = t.ExpiresAt.UTC()
	}
	return e
}
