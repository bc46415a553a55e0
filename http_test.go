package credvault_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cv "github.com/panyam/credvault"
)

const cronSecret = "cron-secret-value"

type httpEnv struct {
	*testEnv
	Server *httptest.Server
}

func setupHTTP(t *testing.T) *httpEnv {
	t.Helper()
	env := setupEnv(t)
	sweeper := cv.NewSweeper(env.Vault, time.Minute)
	sweeper.Logger = quietLogger()

	h := &cv.Handler{
		Auth:       env.Auth,
		Issuer:     env.Issuer,
		Vault:      env.Vault,
		Sweeper:    sweeper,
		Logger:     quietLogger(),
		CronSecret: cronSecret,
	}
	server := httptest.NewServer(cv.NewRouter(h, &cv.Middleware{Verifier: env.Issuer, Logger: quietLogger()}))
	t.Cleanup(server.Close)
	return &httpEnv{testEnv: env, Server: server}
}

func (e *httpEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(data))
	}
	req, err := http.NewRequest(method, e.Server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), "body: %s", data)
	}
	return resp, out
}

func creds(email, password string) map[string]string {
	return map[string]string{"email": email, "password": password}
}

func TestHTTPRegisterAndLogin(t *testing.T) {
	env := setupHTTP(t)

	resp, body := env.do(t, http.MethodPost, "/register", "", creds("Eve@Example.com", "Passw0rdOK"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.Equal(t, "User registered successfully", body["message"])
	require.NotEmpty(t, body["token"])
	user := body["user"].(map[string]any)
	require.Equal(t, float64(1), user["id"])
	require.Equal(t, "eve@example.com", user["email"])
	require.Equal(t, t0.Add(cv.DefaultSessionTTL).Format(time.RFC3339), body["expires_at"])

	claims, err := env.Issuer.Verify(body["token"].(string))
	require.NoError(t, err)
	require.Equal(t, int64(1), claims.UserID)

	resp, body = env.do(t, http.MethodPost, "/login", "", creds("eve@example.com", "Passw0rdOK"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Login successful", body["message"])
	require.NotEmpty(t, body["token"])
}

func TestHTTPRegisterErrors(t *testing.T) {
	env := setupHTTP(t)
	resp, _ := env.do(t, http.MethodPost, "/register", "", creds("taken@example.com", "Passw0rdOK"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
		field  string
	}{
		{"bad email", creds("nope", "Passw0rdOK"), http.StatusBadRequest, cv.ErrCodeInvalidEmail, "email"},
		{"weak password", creds("new@example.com", "password"), http.StatusBadRequest, cv.ErrCodeWeakPassword, "password"},
		{"duplicate", creds("TAKEN@example.com", "Passw0rdOK"), http.StatusConflict, cv.ErrCodeEmailExists, "email"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, "/register", "", tt.body)
			require.Equal(t, tt.status, resp.StatusCode)
			require.Equal(t, tt.code, body["error"])
			require.Equal(t, tt.field, body["field"])
			require.NotEmpty(t, body["message"])
		})
	}
}

func TestHTTPLoginErrors(t *testing.T) {
	env := setupHTTP(t)
	resp, _ := env.do(t, http.MethodPost, "/register", "", creds("frank@example.com", "Passw0rdOK"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, wrong := env.do(t, http.MethodPost, "/login", "", creds("frank@example.com", "Wr0ngPassword"))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, unknown := env.do(t, http.MethodPost, "/login", "", creds("ghost@example.com", "Wr0ngPassword"))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, wrong, unknown, "both failures must look the same")

	resp, body := env.do(t, http.MethodPost, "/login", "", creds("frank@example.com", ""))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, cv.ErrCodeMissingField, body["error"])
}

func TestHTTPMalformedBody(t *testing.T) {
	env := setupHTTP(t)
	resp, err := http.Post(env.Server.URL+"/register", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPFormBody(t *testing.T) {
	env := setupHTTP(t)
	form := url.Values{"email": {"gina@example.com"}, "password": {"Passw0rdOK"}}
	resp, err := http.PostForm(env.Server.URL+"/register", form)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestHTTPRequiresSession(t *testing.T) {
	env := setupHTTP(t)

	resp, body := env.do(t, http.MethodGet, "/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, cv.ErrCodeInvalidToken, body["error"])

	resp, _ = env.do(t, http.MethodGet, "/connections", "not.a.token", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// An expired session is rejected
	token, err := env.Issuer.Issue(&cv.Account{ID: 1, Email: "a@example.com"})
	require.NoError(t, err)
	env.Clock.Advance(cv.DefaultSessionTTL)
	resp, _ = env.do(t, http.MethodGet, "/me", token, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHTTPConnections(t *testing.T) {
	ctx := context.Background()
	env := setupHTTP(t)

	_, body := env.do(t, http.MethodPost, "/register", "", creds("hank@example.com", "Passw0rdOK"))
	token := body["token"].(string)

	resp, body := env.do(t, http.MethodGet, "/me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hank@example.com", body["user"].(map[string]any)["email"])

	_, err := env.Vault.StoreToken(ctx, "hank@example.com", "github", cv.TokenGrant{AccessToken: "gho", ExpiresAt: ptr(t0.Add(time.Hour))})
	require.NoError(t, err)
	_, err = env.Vault.StoreToken(ctx, "hank@example.com", "google", cv.TokenGrant{AccessToken: "ya29", ExpiresAt: ptr(t0.Add(-time.Hour))})
	require.NoError(t, err)
	_, err = env.Vault.StoreToken(ctx, "someone@example.com", "slack", cv.TokenGrant{AccessToken: "x"})
	require.NoError(t, err)

	resp, body = env.do(t, http.MethodGet, "/connections", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conns := body["connections"].([]any)
	require.Len(t, conns, 2)
	first := conns[0].(map[string]any)
	require.Equal(t, "github", first["service"])
	require.Equal(t, true, first["valid"])
	require.NotContains(t, first, "access_token", "token values are never returned")
	second := conns[1].(map[string]any)
	require.Equal(t, true, second["connected"])
	require.Equal(t, false, second["valid"])

	resp, body = env.do(t, http.MethodGet, "/connections/github", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["valid"])

	resp, body = env.do(t, http.MethodGet, "/connections/slack", token, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, cv.ErrCodeNotConnected, body["error"])

	// "stats" is an ordinary service name here
	resp, body = env.do(t, http.MethodGet, "/connections/stats", token, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, cv.ErrCodeNotConnected, body["error"])
	_, err = env.Vault.StoreToken(ctx, "hank@example.com", "stats", cv.TokenGrant{AccessToken: "s"})
	require.NoError(t, err)
	resp, body = env.do(t, http.MethodGet, "/connections/stats", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "stats", body["service"])
	require.Equal(t, true, body["valid"])

	resp, _ = env.do(t, http.MethodDelete, "/connections/github", token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = env.do(t, http.MethodDelete, "/connections/github", token, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPSweepEndpoint(t *testing.T) {
	ctx := context.Background()
	env := setupHTTP(t)
	_, err := env.Vault.StoreToken(ctx, "ivy@example.com", "github", cv.TokenGrant{AccessToken: "a", ExpiresAt: ptr(t0.Add(-time.Hour))})
	require.NoError(t, err)

	resp, _ := env.do(t, http.MethodPost, "/maintenance/sweep", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/maintenance/sweep", "wrong-secret", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/maintenance/sweep", cronSecret, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, float64(1), body["result"].(map[string]any)["removed"])

	resp, _ = env.do(t, http.MethodGet, "/maintenance/sweep", cronSecret, nil)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHTTPStatsNeedCronSecret(t *testing.T) {
	ctx := context.Background()
	env := setupHTTP(t)
	_, body := env.do(t, http.MethodPost, "/register", "", creds("jill@example.com", "Passw0rdOK"))
	session := body["token"].(string)
	_, err := env.Vault.StoreToken(ctx, "jill@example.com", "github", cv.TokenGrant{AccessToken: "a"})
	require.NoError(t, err)
	_, err = env.Vault.StoreToken(ctx, "kim@example.com", "github", cv.TokenGrant{AccessToken: "b"})
	require.NoError(t, err)

	resp, _ := env.do(t, http.MethodGet, "/maintenance/stats", session, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "a session token is not enough")

	resp, body = env.do(t, http.MethodGet, "/maintenance/stats", cronSecret, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(2), body["identity_count"])
	require.Equal(t, float64(2), body["total_token_count"])
	require.Equal(t, float64(2), body["per_service"].(map[string]any)["github"])
}

func TestHTTPOversizedBody(t *testing.T) {
	env := setupHTTP(t)
	huge := `{"email":"big@example.com","password":"` + strings.Repeat("a", 2<<20) + `"}`

	resp, err := http.Post(env.Server.URL+"/register", "application/json", strings.NewReader(huge))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	form := "email=big%40example.com&password=" + strings.Repeat("a", 2<<20)
	resp, err = http.Post(env.Server.URL+"/login", "application/x-www-form-urlencoded", strings.NewReader(form))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, err = env.Accounts.FindByEmail(context.Background(), "big@example.com")
	require.ErrorIs(t, err, cv.ErrNotFound)
}

func TestSweepHandlerDisabled(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/maintenance/sweep", nil)
	req.Header.Set("Authorization", "Bearer anything")
	cv.SweepHandler(nil, "").ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPStorageFailureHidesDetails(t *testing.T) {
	env := setupEnv(t)
	env.Vault.Store = brokenTokenStore{}

	var reported error
	h := &cv.Handler{
		Auth:        env.Auth,
		Issuer:      env.Issuer,
		Vault:       env.Vault,
		Logger:      quietLogger(),
		ReportError: func(_ *http.Request, err error) { reported = err },
	}
	router := cv.NewRouter(h, &cv.Middleware{Verifier: env.Issuer, Logger: quietLogger()})

	token, err := env.Issuer.Issue(&cv.Account{ID: 1, Email: "a@example.com"})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/connections", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "disk full")
	require.ErrorIs(t, reported, errDiskFull)
}

func TestMiddlewareCookieAndExtractUser(t *testing.T) {
	env := setupEnv(t)
	token, err := env.Issuer.Issue(&cv.Account{ID: 5, Email: "jo@example.com"})
	require.NoError(t, err)

	mw := &cv.Middleware{Verifier: env.Issuer, AuthTokenCookieName: "session", Logger: quietLogger()}
	var seen *cv.SessionClaims
	handler := mw.ExtractUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = cv.ClaimsFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: token})
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.NotNil(t, seen)
	require.Equal(t, int64(5), seen.UserID)

	seen = nil
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Nil(t, seen, "anonymous requests pass through without claims")
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":     "abc",
		"bearer abc":     "abc",
		"  Bearer  abc ": "abc",
		"Basic abc":      "",
		"Bearer":         "",
		"":               "",
	}
	for in, want := range tests {
		require.Equal(t, want, cv.BearerToken(in), "input %q", in)
	}
}
