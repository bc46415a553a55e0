//go:build !wasm
// +build !wasm

package gorm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	cv "github.com/panyam/credvault"
)

const accountSequence = "accounts"

// AutoMigrate runs database migrations for all credvault tables and seeds
// the account id sequence.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&AccountModel{},
		&SequenceModel{},
		&DelegatedTokenModel{},
	); err != nil {
		return err
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&SequenceModel{Name: accountSequence}).Error
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key")
}

// =============================================================================
// AccountStore
// =============================================================================

// AccountStore implements cv.AccountStore using GORM
type AccountStore struct {
	db     *gorm.DB
	closed atomic.Bool
}

func NewAccountStore(db *gorm.DB) *AccountStore {
	return &AccountStore{db: db}
}

func (s *AccountStore) conn(ctx context.Context) (*gorm.DB, error) {
	if s.closed.Load() {
		return nil, cv.ErrClosed
	}
	return s.db.WithContext(ctx), nil
}

func (s *AccountStore) FindByEmail(ctx context.Context, email string) (*cv.Account, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var model AccountModel
	if err := db.First(&model, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("account %q: %w", email, cv.ErrNotFound)
		}
		return nil, cv.StorageError("find account", err)
	}
	return model.ToAccount(), nil
}

func (s *AccountStore) NextID(ctx context.Context) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	var seq SequenceModel
	err = db.First(&seq, "name = ?", accountSequence).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, cv.StorageError("read account sequence", err)
	}
	return seq.Value + 1, nil
}

// CreateAccount checks uniqueness, allocates the next id and inserts the
// account in one transaction. The unique email index catches any race the
// pre-check misses.
func (s *AccountStore) CreateAccount(ctx context.Context, email, passwordHash string, createdAt time.Time) (*cv.Account, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var model AccountModel
	err = db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&AccountModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("account %q: %w", email, cv.ErrConflict)
		}

		res := tx.Model(&SequenceModel{}).Where("name = ?", accountSequence).
			Update("value", gorm.Expr("value + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if err := tx.Create(&SequenceModel{Name: accountSequence, Value: 1}).Error; err != nil {
				return err
			}
		}
		var seq SequenceModel
		if err := tx.First(&seq, "name = ?", accountSequence).Error; err != nil {
			return err
		}

		model = AccountModel{
			ID:           seq.Value,
			Email:        email,
			PasswordHash: passwordHash,
			CreatedAt:    createdAt.UTC(),
		}
		return tx.Create(&model).Error
	})
	if err != nil {
		if errors.Is(err, cv.ErrConflict) {
			return nil, err
		}
		if isDuplicate(err) {
			return nil, fmt.Errorf("account %q: %w", email, cv.ErrConflict)
		}
		return nil, cv.StorageError("create account", err)
	}
	return model.ToAccount(), nil
}

func (s *AccountStore) UpdateAccount(ctx context.Context, account *cv.Account) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	var lastLogin *time.Time
	if account.LastLoginAt != nil {
		t := account.LastLoginAt.UTC()
		lastLogin = &t
	}
	res := db.Model(&AccountModel{}).
		Where("id = ? AND email = ?", account.ID, account.Email).
		Updates(map[string]any{
			"password_hash": account.PasswordHash,
			"last_login_at": lastLogin,
		})
	if res.Error != nil {
		return cv.StorageError("update account", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("account %d: %w", account.ID, cv.ErrNotFound)
	}
	return nil
}

// Close marks the store closed. The *gorm.DB is owned by the caller.
func (s *AccountStore) Close() error {
	s.closed.Store(true)
	return nil
}

// =============================================================================
// TokenStore
// =============================================================================

// TokenStore implements cv.DelegatedTokenStore using GORM
type TokenStore struct {
	db     *gorm.DB
	closed atomic.Bool
}

func NewTokenStore(db *gorm.DB) *TokenStore {
	return &TokenStore{db: db}
}

func (s *TokenStore) conn(ctx context.Context) (*gorm.DB, error) {
	if s.closed.Load() {
		return nil, cv.ErrClosed
	}
	return s.db.WithContext(ctx), nil
}

func (s *TokenStore) GetToken(ctx context.Context, identity, service string) (*cv.DelegatedToken, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var model DelegatedTokenModel
	if err := db.First(&model, "identity = ? AND service = ?", identity, service).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("token %s/%s: %w", identity, service, cv.ErrNotFound)
		}
		return nil, cv.StorageError("get token", err)
	}
	return model.ToDelegatedToken(), nil
}

func (s *TokenStore) ListTokens(ctx context.Context, identity string) (map[string]*cv.DelegatedToken, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var models []DelegatedTokenModel
	if err := db.Where("identity = ?", identity).Find(&models).Error; err != nil {
		return nil, cv.StorageError("list tokens", err)
	}
	out := make(map[string]*cv.DelegatedToken, len(models))
	for i := range models {
		out[models[i].Service] = models[i].ToDelegatedToken()
	}
	return out, nil
}

// Mutate reads the record with a row lock, applies fn and writes the result
// back in one transaction.
func (s *TokenStore) Mutate(ctx context.Context, identity, service string, fn cv.MutateFunc) (*cv.DelegatedToken, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var result *cv.DelegatedToken
	var fnErr error
	err = db.Transaction(func(tx *gorm.DB) error {
		var current *cv.DelegatedToken
		var model DelegatedTokenModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "identity = ? AND service = ?", identity, service).Error
		switch {
		case err == nil:
			current = model.ToDelegatedToken()
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		next, err := fn(current)
		if err != nil {
			fnErr = err
			return err
		}
		if next == nil {
			if current == nil {
				return nil
			}
			return tx.Delete(&DelegatedTokenModel{}, "identity = ? AND service = ?", identity, service).Error
		}

		m := DelegatedTokenToModel(identity, service, next)
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(m).Error; err != nil {
			return err
		}
		result = m.ToDelegatedToken()
		return nil
	})
	if fnErr != nil {
		return nil, fnErr
	}
	if err != nil {
		return nil, cv.StorageError("mutate token", err)
	}
	return result, nil
}

func (s *TokenStore) TouchTokens(ctx context.Context, touches []cv.UsageTouch) error {
	if len(touches) == 0 {
		return nil
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		for _, t := range touches {
			at := t.At.UTC()
			err := tx.Model(&DelegatedTokenModel{}).
				Where("identity = ? AND service = ? AND last_used_at < ?", t.Identity, t.Service, at).
				Update("last_used_at", at).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	return cv.StorageError("touch tokens", err)
}

func (s *TokenStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	res := db.Where("expires_at IS NOT NULL AND expires_at < ?", now.UTC()).Delete(&DelegatedTokenModel{})
	if res.Error != nil {
		return 0, cv.StorageError("delete expired tokens", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *TokenStore) Stats(ctx context.Context) (cv.VaultStats, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return cv.VaultStats{}, err
	}

	var rows []struct {
		Service string
		Count   int
	}
	if err := db.Model(&DelegatedTokenModel{}).
		Select("service, count(*) AS count").
		Group("service").
		Scan(&rows).Error; err != nil {
		return cv.VaultStats{}, cv.StorageError("token stats", err)
	}

	var identities int64
	if err := db.Model(&DelegatedTokenModel{}).Distinct("identity").Count(&identities).Error; err != nil {
		return cv.VaultStats{}, cv.StorageError("token stats", err)
	}

	stats := cv.VaultStats{IdentityCount: int(identities), PerService: make(map[string]int, len(rows))}
	for _, r := range rows {
		stats.PerService[r.Service] = r.Count
		stats.TotalTokenCount += r.Count
	}
	return stats, nil
}

// Close marks the store closed. The *gorm.DB is owned by the caller.
func (s *TokenStore) Close() error {
	s.closed.Store(true)
	return nil
}
