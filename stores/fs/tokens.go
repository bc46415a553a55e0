package fs

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	cv "github.com/panyam/credvault"
	"github.com/panyam/credvault/internal/fileutil"
)

// TokensFile is the file name used by TokenStore
const TokensFile = "delegated_tokens.json"

type tokensFile struct {
	// identity -> service -> token. An identity with no services is removed.
	Identities map[string]map[string]*cv.DelegatedToken `json:"identities"`
}

// TokenStore implements cv.DelegatedTokenStore on a JSON file
type TokenStore struct {
	path string

	mu     sync.RWMutex
	data   tokensFile
	closed bool
}

// OpenTokenStore loads the delegated token collection from dir. A missing
// file is an empty collection; an unreadable or corrupt file is an error.
func OpenTokenStore(dir string) (*TokenStore, error) {
	s := &TokenStore{
		path: filepath.Join(dir, TokensFile),
		data: tokensFile{Identities: make(map[string]map[string]*cv.DelegatedToken)},
	}
	if _, err := fileutil.LoadJSON(s.path, &s.data); err != nil {
		return nil, cv.StorageError("open token store", err)
	}
	if s.data.Identities == nil {
		s.data.Identities = make(map[string]map[string]*cv.DelegatedToken)
	}
	for identity, services := range s.data.Identities {
		if len(services) == 0 {
			delete(s.data.Identities, identity)
			continue
		}
		for service, tok := range services {
			if tok == nil {
				return nil, cv.StorageError("open token store", fmt.Errorf("token %s/%s is null", identity, service))
			}
			tok.Identity, tok.Service = identity, service
		}
	}
	return s, nil
}

// Path returns the backing file path
func (s *TokenStore) Path() string {
	return s.path
}

func (s *TokenStore) get(identity, service string) *cv.DelegatedToken {
	return s.data.Identities[identity][service]
}

// set stores tok, or deletes the entry when tok is nil, pruning identities
// left without services.
func (s *TokenStore) set(identity, service string, tok *cv.DelegatedToken) {
	if tok == nil {
		services := s.data.Identities[identity]
		delete(services, service)
		if len(services) == 0 {
			delete(s.data.Identities, identity)
		}
		return
	}
	services, ok := s.data.Identities[identity]
	if !ok {
		services = make(map[string]*cv.DelegatedToken)
		s.data.Identities[identity] = services
	}
	services[service] = tok
}

func (s *TokenStore) GetToken(ctx context.Context, identity, service string) (*cv.DelegatedToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, cv.ErrClosed
	}

	tok := s.get(identity, service)
	if tok == nil {
		return nil, fmt.Errorf("token %s/%s: %w", identity, service, cv.ErrNotFound)
	}
	return tok.Clone(), nil
}

func (s *TokenStore) ListTokens(ctx context.Context, identity string) (map[string]*cv.DelegatedToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, cv.ErrClosed
	}

	out := make(map[string]*cv.DelegatedToken, len(s.data.Identities[identity]))
	for service, tok := range s.data.Identities[identity] {
		out[service] = tok.Clone()
	}
	return out, nil
}

func (s *TokenStore) Mutate(ctx context.Context, identity, service string, fn cv.MutateFunc) (*cv.DelegatedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, cv.ErrClosed
	}

	prev := s.get(identity, service)
	next, err := fn(prev.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil && prev == nil {
		return nil, nil
	}
	if next != nil {
		next = next.Clone()
		next.Identity, next.Service = identity, service
	}

	s.set(identity, service, next)
	if err := fileutil.SaveJSON(ctx, s.path, s.data); err != nil {
		s.set(identity, service, prev)
		return nil, cv.StorageError("persist tokens", err)
	}
	return next.Clone(), nil
}

func (s *TokenStore) TouchTokens(ctx context.Context, touches []cv.UsageTouch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cv.ErrClosed
	}

	previous := make(map[*cv.DelegatedToken]time.Time)
	for _, t := range touches {
		tok := s.get(t.Identity, t.Service)
		if tok == nil || !t.At.After(tok.LastUsedAt) {
			continue
		}
		if _, seen := previous[tok]; !seen {
			previous[tok] = tok.LastUsedAt
		}
		tok.LastUsedAt = t.At.UTC()
	}
	if len(previous) == 0 {
		return nil
	}

	if err := fileutil.SaveJSON(ctx, s.path, s.data); err != nil {
		for tok, at := range previous {
			tok.LastUsedAt = at
		}
		return cv.StorageError("persist tokens", err)
	}
	return nil
}

func (s *TokenStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, cv.ErrClosed
	}

	var removed []*cv.DelegatedToken
	for _, services := range s.data.Identities {
		for _, tok := range services {
			if tok.IsExpired(now) {
				removed = append(removed, tok)
			}
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}

	for _, tok := range removed {
		s.set(tok.Identity, tok.Service, nil)
	}
	if err := fileutil.SaveJSON(ctx, s.path, s.data); err != nil {
		for _, tok := range removed {
			s.set(tok.Identity, tok.Service, tok)
		}
		return 0, cv.StorageError("persist tokens", err)
	}
	return len(removed), nil
}

func (s *TokenStore) Stats(ctx context.Context) (cv.VaultStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return cv.VaultStats{}, cv.ErrClosed
	}

	stats := cv.VaultStats{
		IdentityCount: len(s.data.Identities),
		PerService:    make(map[string]int),
	}
	for _, services := range s.data.Identities {
		for service := range services {
			stats.TotalTokenCount++
			stats.PerService[service]++
		}
	}
	return stats, nil
}

// Close releases the store. Later calls fail with cv.ErrClosed.
func (s *TokenStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
