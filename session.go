package credvault

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultSessionTTL is how long an issued session token stays valid
const DefaultSessionTTL = 24 * time.Hour

// SessionClaims is the payload of a session token
type SessionClaims struct {
	UserID int64  `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// IssuedAtTime returns the issuance time, zero if missing
func (c *SessionClaims) IssuedAtTime() time.Time {
	if c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time
}

// ExpiresAtTime returns the absolute expiry, zero if missing
func (c *SessionClaims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// SessionIssuer signs and verifies stateless HS256 session tokens. Nothing
// about issued tokens is stored server side.
type SessionIssuer struct {
	secret []byte

	// TTL defaults to DefaultSessionTTL
	TTL time.Duration

	// Issuer is set as the iss claim and enforced on verify when non empty
	Issuer string

	// Now defaults to time.Now
	Now func() time.Time
}

// NewSessionIssuer creates an issuer for the given signing secret. An empty
// secret is a configuration error.
func NewSessionIssuer(secret string) (*SessionIssuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("session signing secret is required")
	}
	return &SessionIssuer{secret: []byte(secret), TTL: DefaultSessionTTL}, nil
}

func (s *SessionIssuer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *SessionIssuer) ttl() time.Duration {
	if s.TTL <= 0 {
		return DefaultSessionTTL
	}
	return s.TTL
}

// Issue creates a signed session token for account
func (s *SessionIssuer) Issue(account *Account) (string, error) {
	token, _, err := s.IssueWithExpiry(account)
	return token, err
}

// IssueWithExpiry is Issue that also returns the embedded expiry
func (s *SessionIssuer) IssueWithExpiry(account *Account) (string, time.Time, error) {
	if account == nil {
		return "", time.Time{}, errors.New("account is required")
	}
	now := s.now()
	claims := SessionClaims{
		UserID: account.ID,
		Email:  account.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(account.ID, 10),
			Issuer:    s.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl())),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, claims.ExpiresAt.Time, nil
}

// Verify checks the signature and expiry of a session token and returns its
// claims. A token is rejected at or after its expiry.
func (s *SessionIssuer) Verify(tokenString string) (*SessionClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(s.now),
	}
	if s.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.Issuer))
	}

	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, &AuthError{Kind: ErrAuthentication, Code: ErrCodeInvalidToken, Message: "invalid session token", Err: err}
	}
	if !token.Valid || claims.UserID <= 0 {
		return nil, NewAuthError(ErrAuthentication, ErrCodeInvalidToken, "invalid session token", "")
	}
	return claims, nil
}
