// Package fs provides file-backed store implementations. Each store keeps its
// whole collection in one JSON file, serves reads from memory and rewrites
// the file atomically on every mutation while holding the store's lock, so
// concurrent callers can never lose each other's updates.
//
// A store owns its file: run one process per storage directory.
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

// AccountsFile is the file name used by AccountStore
const AccountsFile = "accounts.json"

type accountsFile struct {
	// HighWaterMark is the largest id ever allocated
	HighWaterMark int64                  `json:"high_water_mark"`
	Accounts      map[string]*cv.Account `json:"accounts"` // by normalized email
}

// AccountStore implements cv.AccountStore on a JSON file
type AccountStore struct {
	path string

	mu     sync.RWMutex
	data   accountsFile
	byID   map[int64]string
	closed bool
}

// OpenAccountStore loads the account collection from dir. A missing file is
// an empty collection; an unreadable or corrupt file is an error.
func OpenAccountStore(dir string) (*AccountStore, error) {
	s := &AccountStore{
		path: filepath.Join(dir, AccountsFile),
		data: accountsFile{Accounts: make(map[string]*cv.Account)},
		byID: make(map[int64]string),
	}
	if _, err := fileutil.LoadJSON(s.path, &s.data); err != nil {
		return nil, cv.StorageError("open account store", err)
	}
	if s.data.Accounts == nil {
		s.data.Accounts = make(map[string]*cv.Account)
	}
	for email, a := range s.data.Accounts {
		if a == nil {
			return nil, cv.StorageError("open account store", fmt.Errorf("account %q is null", email))
		}
		if a.Email != email {
			return nil, cv.StorageError("open account store", fmt.Errorf("account %d filed under %q has email %q", a.ID, email, a.Email))
		}
		s.byID[a.ID] = email
		if a.ID > s.data.HighWaterMark {
			s.data.HighWaterMark = a.ID
		}
	}
	return s, nil
}

// Path returns the backing file path
func (s *AccountStore) Path() string {
	return s.path
}

func (s *AccountStore) FindByEmail(ctx context.Context, email string) (*cv.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, cv.ErrClosed
	}

	a, ok := s.data.Accounts[email]
	if !ok {
		return nil, fmt.Errorf("account %q: %w", email, cv.ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *AccountStore) NextID(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, cv.ErrClosed
	}
	return s.data.HighWaterMark + 1, nil
}

func (s *AccountStore) CreateAccount(ctx context.Context, email, passwordHash string, createdAt time.Time) (*cv.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, cv.ErrClosed
	}

	if _, exists := s.data.Accounts[email]; exists {
		return nil, fmt.Errorf("account %q: %w", email, cv.ErrConflict)
	}

	account := &cv.Account{
		ID:           s.data.HighWaterMark + 1,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    createdAt,
	}
	s.data.Accounts[email] = account
	s.data.HighWaterMark = account.ID

	if err := fileutil.SaveJSON(ctx, s.path, s.data); err != nil {
		delete(s.data.Accounts, email)
		s.data.HighWaterMark--
		return nil, cv.StorageError("persist accounts", err)
	}
	s.byID[account.ID] = email
	return account.Clone(), nil
}

func (s *AccountStore) UpdateAccount(ctx context.Context, account *cv.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cv.ErrClosed
	}

	email, ok := s.byID[account.ID]
	if !ok {
		return fmt.Errorf("account %d: %w", account.ID, cv.ErrNotFound)
	}
	if email != account.Email {
		return cv.NewAuthError(cv.ErrValidation, cv.ErrCodeInvalidEmail, "account email cannot change", "email")
	}

	prev := s.data.Accounts[email]
	s.data.Accounts[email] = account.Clone()
	if err := fileutil.SaveJSON(ctx, s.path, s.data); err != nil {
		s.data.Accounts[email] = prev
		return cv.StorageError("persist accounts", err)
	}
	return nil
}

// Close releases the store. Later calls fail with cv.ErrClosed.
func (s *AccountStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
