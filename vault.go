package credvault

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// Vault manages the lifecycle of delegated service credentials on top of a
// DelegatedTokenStore. It holds no cached token state: every validity check
// reads the durable record, so an external revocation is seen immediately.
type Vault struct {
	Store  DelegatedTokenStore
	Logger *slog.Logger

	// Now defaults to time.Now
	Now func() time.Time

	// UsageFlushInterval > 0 buffers LastUsedAt updates from GetToken and
	// writes them in batches from Run. Zero writes them before GetToken
	// returns.
	UsageFlushInterval time.Duration

	mu      sync.Mutex
	pending map[tokenKey]time.Time
}

type tokenKey struct {
	identity string
	service  string
}

// NewVault creates a vault over store
func NewVault(store DelegatedTokenStore) *Vault {
	return &Vault{Store: store}
}

func (v *Vault) logger() *slog.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	return slog.Default()
}

func (v *Vault) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func checkKey(identity, service string) error {
	if strings.TrimSpace(identity) == "" {
		return validationError(ErrCodeMissingField, "identity is required", "identity")
	}
	if strings.TrimSpace(service) == "" {
		return validationError(ErrCodeMissingField, "service is required", "service")
	}
	return nil
}

func notConnected(identity, service string) error {
	return NewAuthError(ErrNotFound, ErrCodeNotConnected, "service "+service+" is not connected", "service")
}

// StoreToken records a completed service connection. It replaces any
// previous record for the pair; see ReplaceToken.
func (v *Vault) StoreToken(ctx context.Context, identity, service string, grant TokenGrant) (*DelegatedToken, error) {
	return v.ReplaceToken(ctx, identity, service, grant)
}

// ReplaceToken stores grant as the only record for (identity, service).
// Fields absent from grant are absent afterwards. ConnectedAt and LastUsedAt
// are set to now.
func (v *Vault) ReplaceToken(ctx context.Context, identity, service string, grant TokenGrant) (*DelegatedToken, error) {
	if err := checkKey(identity, service); err != nil {
		return nil, err
	}
	now := v.now().UTC()
	out, err := v.Store.Mutate(ctx, identity, service, func(*DelegatedToken) (*DelegatedToken, error) {
		return newRecord(identity, service, grant, now), nil
	})
	if err != nil {
		v.logger().Error("failed to store token", "identity", identity, "service", service, "error", err)
		return nil, StorageError("store token", err)
	}
	v.dropPending(identity, service)
	v.logger().Info("stored service token", "identity", identity, "service", service)
	return out, nil
}

// PatchToken merges the present fields of grant over the existing record,
// keeping everything grant leaves absent. With no existing record it behaves
// like ReplaceToken. ConnectedAt of an existing record is kept; LastUsedAt
// is set to now.
func (v *Vault) PatchToken(ctx context.Context, identity, service string, grant TokenGrant) (*DelegatedToken, error) {
	if err := checkKey(identity, service); err != nil {
		return nil, err
	}
	now := v.now().UTC()
	out, err := v.Store.Mutate(ctx, identity, service, func(cur *DelegatedToken) (*DelegatedToken, error) {
		if cur == nil {
			return newRecord(identity, service, grant, now), nil
		}
		next := cur.Clone()
		if grant.AccessToken != "" {
			next.AccessToken = grant.AccessToken
		}
		if grant.RefreshToken != "" {
			next.RefreshToken = grant.RefreshToken
		}
		if grant.ExpiresAt != nil {
			e := grant.ExpiresAt.UTC()
			next.ExpiresAt = &e
		}
		if grant.Scope != "" {
			next.Scope = grant.Scope
		}
		if grant.TokenType != "" {
			next.TokenType = grant.TokenType
		}
		next.LastUsedAt = now
		return next, nil
	})
	if err != nil {
		v.logger().Error("failed to patch token", "identity", identity, "service", service, "error", err)
		return nil, StorageError("patch token", err)
	}
	v.dropPending(identity, service)
	return out, nil
}

// StoreOAuth2Token replaces the record for the pair with an oauth2 token
func (v *Vault) StoreOAuth2Token(ctx context.Context, identity, service string, tok *oauth2.Token) (*DelegatedToken, error) {
	if tok == nil {
		return nil, validationError(ErrCodeMissingField, "token is required", "token")
	}
	return v.ReplaceToken(ctx, identity, service, GrantFromOAuth2(tok))
}

func newRecord(identity, service string, grant TokenGrant, now time.Time) *DelegatedToken {
	rec := &DelegatedToken{
		Identity:     identity,
		Service:      service,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		Scope:        grant.Scope,
		TokenType:    grant.TokenType,
		ConnectedAt:  now,
		LastUsedAt:   now,
	}
	if grant.ExpiresAt != nil {
		e := grant.ExpiresAt.UTC()
		rec.ExpiresAt = &e
	}
	return rec
}

// GetToken returns the record for (identity, service) and marks it used.
// The returned record already carries the new LastUsedAt; persisting it is
// synchronous unless UsageFlushInterval is set.
func (v *Vault) GetToken(ctx context.Context, identity, service string) (*DelegatedToken, error) {
	if err := checkKey(identity, service); err != nil {
		return nil, err
	}
	tok, err := v.Store.GetToken(ctx, identity, service)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notConnected(identity, service)
		}
		return nil, StorageError("get token", err)
	}

	now := v.now().UTC()
	if now.After(tok.LastUsedAt) {
		tok.LastUsedAt = now
	}

	if v.UsageFlushInterval > 0 {
		v.mu.Lock()
		if v.pending == nil {
			v.pending = make(map[tokenKey]time.Time)
		}
		v.pending[tokenKey{identity, service}] = tok.LastUsedAt
		v.mu.Unlock()
		return tok, nil
	}

	touch := []UsageTouch{{Identity: identity, Service: service, At: tok.LastUsedAt}}
	if err := v.Store.TouchTokens(ctx, touch); err != nil {
		v.logger().Error("failed to record token use", "identity", identity, "service", service, "error", err)
		return nil, StorageError("touch token", err)
	}
	return tok, nil
}

// HasValidToken reports whether the pair has an access token that is not
// expired. It does not mark the token used.
func (v *Vault) HasValidToken(ctx context.Context, identity, service string) (bool, error) {
	if err := checkKey(identity, service); err != nil {
		return false, err
	}
	tok, err := v.Store.GetToken(ctx, identity, service)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, StorageError("get token", err)
	}
	return tok.IsValid(v.now()), nil
}

// RemoveToken revokes the record for the pair. Returns an error matching
// ErrNotFound if there was none.
func (v *Vault) RemoveToken(ctx context.Context, identity, service string) error {
	if err := checkKey(identity, service); err != nil {
		return err
	}
	_, err := v.Store.Mutate(ctx, identity, service, func(cur *DelegatedToken) (*DelegatedToken, error) {
		if cur == nil {
			return nil, notConnected(identity, service)
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		v.logger().Error("failed to remove token", "identity", identity, "service", service, "error", err)
		return StorageError("remove token", err)
	}
	v.dropPending(identity, service)
	v.logger().Info("removed service token", "identity", identity, "service", service)
	return nil
}

// ListConnectedServices returns the sorted names of services with an access
// token for identity. Expiry is not checked.
func (v *Vault) ListConnectedServices(ctx context.Context, identity string) ([]string, error) {
	tokens, err := v.Store.ListTokens(ctx, identity)
	if err != nil {
		return nil, StorageError("list tokens", err)
	}
	out := make([]string, 0, len(tokens))
	for service, tok := range tokens {
		if tok.IsConnected() {
			out = append(out, service)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ListTokens returns every record of identity sorted by service. Records are
// not marked used.
func (v *Vault) ListTokens(ctx context.Context, identity string) ([]*DelegatedToken, error) {
	tokens, err := v.Store.ListTokens(ctx, identity)
	if err != nil {
		return nil, StorageError("list tokens", err)
	}
	out := make([]*DelegatedToken, 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, tok)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, nil
}

// CleanupExpiredTokens deletes every record whose expiry is strictly in the
// past and returns how many were removed.
func (v *Vault) CleanupExpiredTokens(ctx context.Context) (int, error) {
	removed, err := v.Store.DeleteExpired(ctx, v.now())
	if err != nil {
		v.logger().Error("expired token cleanup failed", "error", err)
		return 0, StorageError("delete expired tokens", err)
	}
	if removed > 0 {
		v.logger().Info("cleaned up expired tokens", "removed", removed)
	}
	return removed, nil
}

// Stats returns aggregate counts over the vault
func (v *Vault) Stats(ctx context.Context) (VaultStats, error) {
	stats, err := v.Store.Stats(ctx)
	if err != nil {
		return VaultStats{}, StorageError("stats", err)
	}
	return stats, nil
}

func (v *Vault) dropPending(identity, service string) {
	v.mu.Lock()
	delete(v.pending, tokenKey{identity, service})
	v.mu.Unlock()
}

// FlushUsage writes buffered LastUsedAt updates. On failure the batch is put
// back so a later flush can retry it.
func (v *Vault) FlushUsage(ctx context.Context) error {
	v.mu.Lock()
	if len(v.pending) == 0 {
		v.mu.Unlock()
		return nil
	}
	batch := v.pending
	v.pending = nil
	v.mu.Unlock()

	touches := make([]UsageTouch, 0, len(batch))
	for k, at := range batch {
		touches = append(touches, UsageTouch{Identity: k.identity, Service: k.service, At: at})
	}
	if err := v.Store.TouchTokens(ctx, touches); err != nil {
		v.mu.Lock()
		if v.pending == nil {
			v.pending = make(map[tokenKey]time.Time, len(batch))
		}
		for k, at := range batch {
			if cur, ok := v.pending[k]; !ok || at.After(cur) {
				v.pending[k] = at
			}
		}
		v.mu.Unlock()
		v.logger().Error("failed to flush token usage", "count", len(touches), "error", err)
		return StorageError("flush usage", err)
	}
	return nil
}

// Run flushes buffered usage every UsageFlushInterval until ctx is done,
// then flushes once more. It returns immediately if buffering is disabled.
func (v *Vault) Run(ctx context.Context) {
	if v.UsageFlushInterval <= 0 {
		return
	}
	ticker := time.NewTicker(v.UsageFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = v.FlushUsage(flushCtx)
			cancel()
			return
		case <-ticker.C:
			_ = v.FlushUsage(ctx)
		}
	}
}

// Close flushes pending usage and closes the store
func (v *Vault) Close(ctx context.Context) error {
	flushErr := v.FlushUsage(ctx)
	return errors.Join(flushErr, v.Store.Close())
}
