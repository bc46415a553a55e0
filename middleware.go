package credvault

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

type claimsKey struct{}

// SessionVerifier verifies a bearer session token
type SessionVerifier interface {
	Verify(token string) (*SessionClaims, error)
}

// Middleware establishes the caller's identity from a bearer session token
type Middleware struct {
	Verifier SessionVerifier
	Logger   *slog.Logger

	// AuthTokenHeaderName defaults to "Authorization"
	AuthTokenHeaderName string

	// AuthTokenCookieName, if set, is checked when the header is absent
	AuthTokenCookieName string
}

// EnsureReasonableDefaults fills in unset config values
func (m *Middleware) EnsureReasonableDefaults() {
	if m.AuthTokenHeaderName == "" {
		m.AuthTokenHeaderName = "Authorization"
	}
	if m.Logger == nil {
		m.Logger = slog.Default()
	}
}

// ClaimsFromContext returns the verified session claims set by the
// middleware, or nil
func ClaimsFromContext(ctx context.Context) *SessionClaims {
	claims, _ := ctx.Value(claimsKey{}).(*SessionClaims)
	return claims
}

// ContextWithClaims returns a context carrying claims
func ContextWithClaims(ctx context.Context, claims *SessionClaims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// style value. Returns "" if the scheme is not Bearer.
func BearerToken(value string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func (m *Middleware) tokenFromRequest(r *http.Request) string {
	if token := BearerToken(r.Header.Get(m.AuthTokenHeaderName)); token != "" {
		return token
	}
	if m.AuthTokenCookieName != "" {
		if cookie, err := r.Cookie(m.AuthTokenCookieName); err == nil {
			return cookie.Value
		}
	}
	return ""
}

// Authenticate verifies the request's session token
func (m *Middleware) Authenticate(r *http.Request) (*SessionClaims, error) {
	m.EnsureReasonableDefaults()
	token := m.tokenFromRequest(r)
	if token == "" {
		return nil, NewAuthError(ErrAuthentication, ErrCodeInvalidToken, "Authentication required", "")
	}
	return m.Verifier.Verify(token)
}

// ExtractUser puts verified claims into the request context when a valid
// token is present but lets every request through.
func (m *Middleware) ExtractUser(next http.Handler) http.Handler {
	m.EnsureReasonableDefaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims, err := m.Authenticate(r); err == nil {
			r = r.WithContext(ContextWithClaims(r.Context(), claims))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireSession rejects requests without a valid session token with 401
func (m *Middleware) RequireSession(next http.Handler) http.Handler {
	m.EnsureReasonableDefaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := m.Authenticate(r)
		if err != nil {
			m.Logger.Debug("rejected session token", "path", r.URL.Path, "error", err)
			writeError(w, NewAuthError(ErrAuthentication, ErrCodeInvalidToken, "Authentication required", ""))
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
	})
}
