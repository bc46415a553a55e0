package credvault_test

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	cv "github.com/panyam/credvault"
)

func newTestIssuer(t *testing.T, clk *clock) *cv.SessionIssuer {
	t.Helper()
	issuer, err := cv.NewSessionIssuer("session-test-secret")
	require.NoError(t, err)
	issuer.Now = clk.Now
	return issuer
}

var testAccount = &cv.Account{ID: 12, Email: "dana@example.com"}

func TestNewSessionIssuerRequiresSecret(t *testing.T) {
	for _, secret := range []string{"", "   "} {
		_, err := cv.NewSessionIssuer(secret)
		require.Error(t, err)
	}
}

func TestIssueAndVerify(t *testing.T) {
	clk := newClock(t0)
	issuer := newTestIssuer(t, clk)

	token, expiresAt, err := issuer.IssueWithExpiry(testAccount)
	require.NoError(t, err)
	require.True(t, t0.Add(cv.DefaultSessionTTL).Equal(expiresAt))
	require.Equal(t, 2, strings.Count(token, "."))

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	require.Equal(t, int64(12), claims.UserID)
	require.Equal(t, "dana@example.com", claims.Email)
	require.Equal(t, "12", claims.Subject)
	require.True(t, t0.Equal(claims.IssuedAtTime()))
	require.True(t, expiresAt.Equal(claims.ExpiresAtTime()))
}

func TestVerifyExpiryBoundary(t *testing.T) {
	clk := newClock(t0)
	issuer := newTestIssuer(t, clk)
	token, err := issuer.Issue(testAccount)
	require.NoError(t, err)

	clk.Advance(cv.DefaultSessionTTL - time.Second)
	_, err = issuer.Verify(token)
	require.NoError(t, err, "one second before expiry is still valid")

	clk.Advance(time.Second)
	_, err = issuer.Verify(token)
	require.ErrorIs(t, err, cv.ErrAuthentication, "a token is rejected at its expiry")
	require.ErrorIs(t, err, jwt.ErrTokenExpired)
	require.Equal(t, cv.ErrCodeInvalidToken, cv.ErrorCode(err))

	clk.Advance(time.Hour)
	_, err = issuer.Verify(token)
	require.ErrorIs(t, err, cv.ErrAuthentication)
}

func TestVerifyCustomTTL(t *testing.T) {
	clk := newClock(t0)
	issuer := newTestIssuer(t, clk)
	issuer.TTL = time.Hour

	token, err := issuer.Issue(testAccount)
	require.NoError(t, err)
	clk.Advance(time.Hour)
	_, err = issuer.Verify(token)
	require.ErrorIs(t, err, cv.ErrAuthentication)
}

func TestVerifyRejectsTampering(t *testing.T) {
	clk := newClock(t0)
	issuer := newTestIssuer(t, clk)
	token, err := issuer.Issue(testAccount)
	require.NoError(t, err)

	for i := 0; i < len(token); i++ {
		replacement := byte('A')
		if token[i] == 'A' {
			replacement = 'B'
		}
		tampered := token[:i] + string(replacement) + token[i+1:]
		_, err := issuer.Verify(tampered)
		require.ErrorIs(t, err, cv.ErrAuthentication, "tampered byte %d accepted", i)
	}
}

func TestVerifyRejectsForeignTokens(t *testing.T) {
	clk := newClock(t0)
	issuer := newTestIssuer(t, clk)

	other, err := cv.NewSessionIssuer("some-other-secret")
	require.NoError(t, err)
	other.Now = clk.Now
	foreign, err := other.Issue(testAccount)
	require.NoError(t, err)

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"userId": 12, "email": "dana@example.com",
		"iat": t0.Unix(), "exp": t0.Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId": 12, "email": "dana@example.com", "iat": t0.Unix(),
	}).SignedString([]byte("session-test-secret"))
	require.NoError(t, err)

	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"email": "dana@example.com", "iat": t0.Unix(), "exp": t0.Add(time.Hour).Unix(),
	}).SignedString([]byte("session-test-secret"))
	require.NoError(t, err)

	tests := map[string]string{
		"wrong secret": foreign,
		"alg none":     noneToken,
		"no expiry":    noExpiry,
		"no user id":   noUser,
		"empty":        "",
		"garbage":      "a.b.c",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := issuer.Verify(token)
			require.ErrorIs(t, err, cv.ErrAuthentication)
			require.Equal(t, 401, cv.HTTPStatus(err))
		})
	}
}

func TestVerifyEnforcesIssuer(t *testing.T) {
	clk := newClock(t0)
	issuer := newTestIssuer(t, clk)
	issuer.Issuer = "credvault-a"
	token, err := issuer.Issue(testAccount)
	require.NoError(t, err)

	_, err = issuer.Verify(token)
	require.NoError(t, err)

	other := newTestIssuer(t, clk)
	other.Issuer = "credvault-b"
	_, err = other.Verify(token)
	require.ErrorIs(t, err, cv.ErrAuthentication)
}
