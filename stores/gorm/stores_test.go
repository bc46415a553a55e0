//go:build !wasm
// +build !wasm

package gorm_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	cv "github.com/panyam/credvault"
	gormstore "github.com/panyam/credvault/stores/gorm"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, gormstore.AutoMigrate(db))
	return db
}

func TestAccountStore_CreateFindUpdate(t *testing.T) {
	ctx := context.Background()
	s := gormstore.NewAccountStore(setupDB(t))

	id, err := s.NextID(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	a, err := s.CreateAccount(ctx, "alice@example.com", "hash", t0)
	require.NoError(t, err)
	require.Equal(t, int64(1), a.ID)

	b, err := s.CreateAccount(ctx, "bob@example.com", "hash", t0)
	require.NoError(t, err)
	require.Equal(t, int64(2), b.ID)

	_, err = s.CreateAccount(ctx, "alice@example.com", "other", t0)
	require.ErrorIs(t, err, cv.ErrConflict)

	// A failed create does not consume an id
	id, err = s.NextID(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), id)

	login := t0.Add(time.Hour)
	a.LastLoginAt = &login
	require.NoError(t, s.UpdateAccount(ctx, a))

	got, err := s.FindByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, "hash", got.PasswordHash)
	require.True(t, t0.Equal(got.CreatedAt))
	require.NotNil(t, got.LastLoginAt)
	require.True(t, login.Equal(*got.LastLoginAt))

	_, err = s.FindByEmail(ctx, "nobody@example.com")
	require.ErrorIs(t, err, cv.ErrNotFound)

	err = s.UpdateAccount(ctx, &cv.Account{ID: 42, Email: "ghost@example.com"})
	require.ErrorIs(t, err, cv.ErrNotFound)
}

func TestAccountStore_ConcurrentSameEmail(t *testing.T) {
	ctx := context.Background()
	s := gormstore.NewAccountStore(setupDB(t))

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateAccount(ctx, "race@example.com", "h", t0)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, cv.ErrConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, n-1, conflicts)
}

func TestAccountStore_Closed(t *testing.T) {
	s := gormstore.NewAccountStore(setupDB(t))
	require.NoError(t, s.Close())
	_, err := s.FindByEmail(context.Background(), "a@b.c")
	require.ErrorIs(t, err, cv.ErrClosed)
}

func putToken(t *testing.T, s *gormstore.TokenStore, identity, service string, expires *time.Time) {
	t.Helper()
	_, err := s.Mutate(context.Background(), identity, service, func(*cv.DelegatedToken) (*cv.DelegatedToken, error) {
		return &cv.DelegatedToken{
			AccessToken: "at-" + service,
			ExpiresAt:   expires,
			ConnectedAt: t0,
			LastUsedAt:  t0,
		}, nil
	})
	require.NoError(t, err)
}

func TestTokenStore_Mutate(t *testing.T) {
	ctx := context.Background()
	s := gormstore.NewTokenStore(setupDB(t))

	exp := t0.Add(time.Hour)
	putToken(t, s, "alice", "github", &exp)

	updated, err := s.Mutate(ctx, "alice", "github", func(cur *cv.DelegatedToken) (*cv.DelegatedToken, error) {
		require.NotNil(t, cur)
		cur.AccessToken = "rotated"
		cur.RefreshToken = "refresh"
		return cur, nil
	})
	require.NoError(t, err)
	require.Equal(t, "rotated", updated.AccessToken)

	got, err := s.GetToken(ctx, "alice", "github")
	require.NoError(t, err)
	require.Equal(t, "rotated", got.AccessToken)
	require.Equal(t, "refresh", got.RefreshToken)
	require.True(t, exp.Equal(*got.ExpiresAt))
	require.True(t, t0.Equal(got.ConnectedAt))

	boom := errors.New("boom")
	_, err = s.Mutate(ctx, "alice", "github", func(*cv.DelegatedToken) (*cv.DelegatedToken, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Mutate(ctx, "alice", "github", func(*cv.DelegatedToken) (*cv.DelegatedToken, error) {
		return nil, nil
	})
	require.NoError(t, err)
	_, err = s.GetToken(ctx, "alice", "github")
	require.ErrorIs(t, err, cv.ErrNotFound)
}

func TestTokenStore_ListStatsAndDeleteExpired(t *testing.T) {
	ctx := context.Background()
	s := gormstore.NewTokenStore(setupDB(t))

	past, future := t0.Add(-time.Hour), t0.Add(time.Hour)
	putToken(t, s, "alice", "github", &past)
	putToken(t, s, "alice", "google", &future)
	putToken(t, s, "bob", "github", nil)

	list, err := s.ListTokens(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "alice", list["google"].Identity)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.IdentityCount)
	require.Equal(t, 3, stats.TotalTokenCount)
	require.Equal(t, 2, stats.PerService["github"])

	removed, err := s.DeleteExpired(ctx, t0)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalTokenCount)
	require.Equal(t, map[string]int{"github": 1, "google": 1}, stats.PerService)
}

func TestTokenStore_TouchTokens(t *testing.T) {
	ctx := context.Background()
	s := gormstore.NewTokenStore(setupDB(t))
	putToken(t, s, "alice", "github", nil)

	later := t0.Add(time.Minute)
	require.NoError(t, s.TouchTokens(ctx, []cv.UsageTouch{
		{Identity: "alice", Service: "github", At: later},
		{Identity: "alice", Service: "github", At: t0.Add(-time.Hour)},
		{Identity: "ghost", Service: "github", At: later},
	}))

	got, err := s.GetToken(ctx, "alice", "github")
	require.NoError(t, err)
	require.True(t, later.Equal(got.LastUsedAt))

	_, err = s.GetToken(ctx, "ghost", "github")
	require.ErrorIs(t, err, cv.ErrNotFound)
}
