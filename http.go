package credvault

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// Handler serves the account and connection endpoints
type Handler struct {
	Auth    *PasswordAuthenticator
	Issuer  *SessionIssuer
	Vault   *Vault
	Sweeper *Sweeper
	Logger  *slog.Logger

	// CronSecret guards POST /maintenance/sweep. Empty disables the endpoint.
	CronSecret string

	// ReportError, when set, receives every error that produced a 5xx
	ReportError func(r *http.Request, err error)
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userInfo struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

type authResponse struct {
	Message   string    `json:"message"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      userInfo  `json:"user"`
}

type connectionStatus struct {
	Service     string     `json:"service"`
	Connected   bool       `json:"connected"`
	Valid       bool       `json:"valid"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Scope       string     `json:"scope,omitempty"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// NewRouter wires the handler's endpoints. Connection endpoints require a
// session token.
func NewRouter(h *Handler, mw *Middleware) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/register", h.HandleRegister).Methods(http.MethodPost)
	r.HandleFunc("/login", h.HandleLogin).Methods(http.MethodPost)
	r.HandleFunc("/maintenance/sweep", h.HandleSweep).Methods(http.MethodPost)
	r.HandleFunc("/maintenance/stats", h.HandleStats).Methods(http.MethodGet)

	authed := r.NewRoute().Subrouter()
	authed.Use(mw.RequireSession)
	authed.HandleFunc("/me", h.HandleMe).Methods(http.MethodGet)
	authed.HandleFunc("/connections", h.HandleListConnections).Methods(http.MethodGet)
	authed.HandleFunc("/connections/{service}", h.HandleConnectionStatus).Methods(http.MethodGet)
	authed.HandleFunc("/connections/{service}", h.HandleDisconnect).Methods(http.MethodDelete)
	return r
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// HandleRegister handles POST /register
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	req, err := parseCredentials(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	account, err := h.Auth.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondWithSession(w, r, http.StatusCreated, "User registered successfully", account)
}

// HandleLogin handles POST /login
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	req, err := parseCredentials(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		h.fail(w, r, validationError(ErrCodeMissingField, "Email and password are required", ""))
		return
	}

	account, err := h.Auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondWithSession(w, r, http.StatusOK, "Login successful", account)
}

func (h *Handler) respondWithSession(w http.ResponseWriter, r *http.Request, status int, message string, account *Account) {
	token, expiresAt, err := h.Issuer.IssueWithExpiry(account)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, status, authResponse{
		Message:   message,
		Token:     token,
		ExpiresAt: expiresAt.UTC(),
		User:      userInfo{ID: account.ID, Email: account.Email},
	})
}

// HandleMe returns the verified session claims
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"user":       userInfo{ID: claims.UserID, Email: claims.Email},
		"issued_at":  claims.IssuedAtTime().UTC(),
		"expires_at": claims.ExpiresAtTime().UTC(),
	})
}

// HandleListConnections lists the caller's service connections
func (h *Handler) HandleListConnections(w http.ResponseWriter, r *http.Request) {
	identity := ClaimsFromContext(r.Context()).Email
	tokens, err := h.Vault.ListTokens(r.Context(), identity)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	now := h.Vault.now()
	out := make([]connectionStatus, 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, statusOf(tok, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": out})
}

// HandleConnectionStatus reports whether the caller's token for a service
// is valid
func (h *Handler) HandleConnectionStatus(w http.ResponseWriter, r *http.Request) {
	identity := ClaimsFromContext(r.Context()).Email
	service := mux.Vars(r)["service"]
	tokens, err := h.Vault.ListTokens(r.Context(), identity)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	for _, tok := range tokens {
		if tok.Service == service {
			writeJSON(w, http.StatusOK, statusOf(tok, h.Vault.now()))
			return
		}
	}
	h.fail(w, r, notConnected(identity, service))
}

// HandleDisconnect revokes the caller's token for a service
func (h *Handler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	identity := ClaimsFromContext(r.Context()).Email
	if err := h.Vault.RemoveToken(r.Context(), identity, mux.Vars(r)["service"]); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStats returns vault wide counts. Like the sweep endpoint it needs
// the cron secret.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if !cronAuthorized(w, r, h.CronSecret) {
		return
	}
	stats, err := h.Vault.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleSweep handles POST /maintenance/sweep; see SweepHandler
func (h *Handler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	SweepHandler(h.Sweeper, h.CronSecret).ServeHTTP(w, r)
}

// SweepHandler runs one expiration sweep per request. It is meant for an
// external scheduler and requires "Authorization: Bearer <cronSecret>". With
// no secret or no sweeper it answers 404.
func SweepHandler(s *Sweeper, cronSecret string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s == nil {
			writeNotFound(w)
			return
		}
		if !cronAuthorized(w, r, cronSecret) {
			return
		}

		result, err := s.Sweep(r.Context())
		if err != nil {
			writeError(w, StorageError("sweep", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "result": result})
	})
}

// cronAuthorized checks "Authorization: Bearer <secret>" and writes the
// failure response itself. An empty secret disables the endpoint with 404.
func cronAuthorized(w http.ResponseWriter, r *http.Request, secret string) bool {
	if secret == "" {
		writeNotFound(w)
		return false
	}
	given := BearerToken(r.Header.Get("Authorization"))
	if subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
		writeError(w, NewAuthError(ErrAuthentication, ErrCodeInvalidToken, "Unauthorized", ""))
		return false
	}
	return true
}

func writeNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Message: "Not found"})
}

func statusOf(tok *DelegatedToken, now time.Time) connectionStatus {
	connectedAt, lastUsedAt := tok.ConnectedAt, tok.LastUsedAt
	return connectionStatus{
		Service:     tok.Service,
		Connected:   tok.IsConnected(),
		Valid:       tok.IsValid(now),
		ExpiresAt:   tok.ExpiresAt,
		Scope:       tok.Scope,
		ConnectedAt: &connectedAt,
		LastUsedAt:  &lastUsedAt,
	}
}

// maxBodyBytes caps credential request bodies
const maxBodyBytes = 1 << 20

func parseCredentials(w http.ResponseWriter, r *http.Request) (*credentialsRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	req := &credentialsRequest{}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return nil, validationError(ErrCodeInvalidRequest, "Invalid form body", "")
		}
		req.Email = r.FormValue("email")
		req.Password = r.FormValue("password")
		return req, nil
	}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		return nil, validationError(ErrCodeInvalidRequest, "Invalid request body", "")
	}
	return req, nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger().Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		if h.ReportError != nil {
			h.ReportError(r, err)
		}
	}
	writeError(w, err)
}

func writeError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	body := errorResponse{Error: ErrorCode(err), Message: "Internal server error"}
	var authErr *AuthError
	if status < http.StatusInternalServerError && errors.As(err, &authErr) {
		body.Message = authErr.Message
		body.Field = authErr.Field
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
