// Package grpc carries credvault session tokens across gRPC calls. Clients
// attach the bearer session token to outgoing metadata; server interceptors
// verify it and expose the claims to handlers.
package grpc

import (
	"context"

	"google.golang.org/grpc/metadata"

	cv "github.com/panyam/credvault"
)

// DefaultMetadataKeyAuthorization is the metadata key holding
// "Bearer <session token>"
const DefaultMetadataKeyAuthorization = "authorization"

// Config holds the metadata key configuration for auth context.
type Config struct {
	// MetadataKeyAuthorization defaults to "authorization"
	MetadataKeyAuthorization string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{MetadataKeyAuthorization: DefaultMetadataKeyAuthorization}
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.MetadataKeyAuthorization == "" {
		c.MetadataKeyAuthorization = DefaultMetadataKeyAuthorization
	}
}

// ClaimsFromContext returns the claims verified by the interceptor, or nil
// for unauthenticated calls.
func ClaimsFromContext(ctx context.Context) *cv.SessionClaims {
	return cv.ClaimsFromContext(ctx)
}

// UserIDFromContext returns the authenticated account id, or 0.
func UserIDFromContext(ctx context.Context) int64 {
	if claims := ClaimsFromContext(ctx); claims != nil {
		return claims.UserID
	}
	return 0
}

// IsAuthenticated returns true if the interceptor verified a session token.
func IsAuthenticated(ctx context.Context) bool {
	return ClaimsFromContext(ctx) != nil
}

// TokenToOutgoingContext attaches a session token to outgoing gRPC metadata.
func TokenToOutgoingContext(ctx context.Context, token string) context.Context {
	return TokenToOutgoingContextWithKey(ctx, token, DefaultMetadataKeyAuthorization)
}

// TokenToOutgoingContextWithKey attaches a session token under a custom key.
func TokenToOutgoingContextWithKey(ctx context.Context, token string, key string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, key, "Bearer "+token)
}

// tokenFromIncoming reads the bearer session token from incoming metadata
func tokenFromIncoming(ctx context.Context, config *Config) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get(config.MetadataKeyAuthorization) {
		if token := cv.BearerToken(v); token != "" {
			return token
		}
	}
	return ""
}
