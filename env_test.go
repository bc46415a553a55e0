package credvault_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	cv "github.com/panyam/credvault"
	"github.com/panyam/credvault/stores/fs"
)

var t0 = time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)

// clock is a settable time source
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(at time.Time) *clock { return &clock{now: at} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testEnv wires every service over file-backed stores in a temp dir
type testEnv struct {
	Dir      string
	Clock    *clock
	Accounts *fs.AccountStore
	Tokens   *fs.TokenStore
	Auth     *cv.PasswordAuthenticator
	Issuer   *cv.SessionIssuer
	Vault    *cv.Vault
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	clk := newClock(t0)

	accounts, err := fs.OpenAccountStore(dir)
	require.NoError(t, err)
	tokens, err := fs.OpenTokenStore(dir)
	require.NoError(t, err)

	auth := cv.NewPasswordAuthenticator(accounts, bcrypt.MinCost, 4)
	auth.Now = clk.Now
	auth.Logger = quietLogger()

	issuer, err := cv.NewSessionIssuer("test-signing-secret")
	require.NoError(t, err)
	issuer.Now = clk.Now

	vault := cv.NewVault(tokens)
	vault.Now = clk.Now
	vault.Logger = quietLogger()

	t.Cleanup(func() {
		accounts.Close()
		tokens.Close()
	})
	return &testEnv{
		Dir:      dir,
		Clock:    clk,
		Accounts: accounts,
		Tokens:   tokens,
		Auth:     auth,
		Issuer:   issuer,
		Vault:    vault,
	}
}

var errDiskFull = errors.New("disk full")

// brokenTokenStore fails every operation
type brokenTokenStore struct{}

func (brokenTokenStore) GetToken(context.Context, string, string) (*cv.DelegatedToken, error) {
	return nil, errDiskFull
}
func (brokenTokenStore) ListTokens(context.Context, string) (map[string]*cv.DelegatedToken, error) {
	return nil, errDiskFull
}
func (brokenTokenStore) Mutate(context.Context, string, string, cv.MutateFunc) (*cv.DelegatedToken, error) {
	return nil, errDiskFull
}
func (brokenTokenStore) TouchTokens(context.Context, []cv.UsageTouch) error { return errDiskFull }
func (brokenTokenStore) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, errDiskFull
}
func (brokenTokenStore) Stats(context.Context) (cv.VaultStats, error) {
	return cv.VaultStats{}, errDiskFull
}
func (brokenTokenStore) Close() error { return nil }

// brokenAccountStore fails every operation
type brokenAccountStore struct{}

func (brokenAccountStore) FindByEmail(context.Context, string) (*cv.Account, error) {
	return nil, errDiskFull
}
func (brokenAccountStore) NextID(context.Context) (int64, error) { return 0, errDiskFull }
func (brokenAccountStore) CreateAccount(context.Context, string, string, time.Time) (*cv.Account, error) {
	return nil, errDiskFull
}
func (brokenAccountStore) UpdateAccount(context.Context, *cv.Account) error { return errDiskFull }
func (brokenAccountStore) Close() error                                     { return nil }
