// Package client talks to a credvault server: it registers and logs in
// accounts, keeps the returned session token in a CredentialStore and
// provides an http.Client that sends it as a bearer token.
package client

import (
	"time"
)

// ServerCredential is the session issued by one server
type ServerCredential struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	UserEmail string    `json:"user_email"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// IsExpired reports whether the session is at or past its expiry
func (c *ServerCredential) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// CredentialStore defines the interface for storing and retrieving credentials
type CredentialStore interface {
	// GetCredential retrieves a credential for a server URL
	// Returns nil, nil if no credential exists for the server
	GetCredential(serverURL string) (*ServerCredential, error)

	// SetCredential stores a credential for a server URL
	SetCredential(serverURL string, cred *ServerCredential) error

	// RemoveCredential removes a credential for a server URL
	RemoveCredential(serverURL string) error

	// ListServers returns all server URLs with stored credentials
	ListServers() ([]string, error)

	// Save persists any pending changes (for stores that batch writes)
	Save() error
}
