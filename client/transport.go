package client

import (
	"net/http"
)

// TokenSource returns the bearer token to send, or "" to send none
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a TokenSource that always returns the same token
type StaticToken string

func (s StaticToken) Token() (string, error) {
	return string(s), nil
}

// AuthTransport wraps an http.RoundTripper to add Authorization headers
type AuthTransport struct {
	Base   http.RoundTripper
	Source TokenSource
}

// RoundTrip implements http.RoundTripper
func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Source != nil {
		token, err := t.Source.Token()
		if err != nil {
			return nil, err
		}
		if token != "" {
			// Clone the request to avoid mutating the original
			req = req.Clone(req.Context())
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// NewAuthTransport creates an AuthTransport that sends a fixed token
func NewAuthTransport(token string) *AuthTransport {
	return &AuthTransport{Base: http.DefaultTransport, Source: StaticToken(token)}
}
