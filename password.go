package credvault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// DefaultHashCost is the bcrypt work factor used for new password digests
const DefaultHashCost = 12

const (
	minPasswordLength = 8
	// bcrypt only looks at the first 72 bytes
	maxPasswordLength = 72
)

var (
	lowerRe = regexp.MustCompile(`[a-z]`)
	upperRe = regexp.MustCompile(`[A-Z]`)
	digitRe = regexp.MustCompile(`[0-9]`)
)

// PasswordAuthenticator registers and authenticates local accounts
type PasswordAuthenticator struct {
	Store  AccountStore
	Logger *slog.Logger

	// HashCost is the bcrypt cost. Defaults to DefaultHashCost.
	HashCost int

	// Now defaults to time.Now
	Now func() time.Time

	// hashing is CPU heavy; at most this many run at once
	hashSlots *semaphore.Weighted

	// compared against when the email is unknown so both login failure
	// paths spend the same time in bcrypt
	dummyOnce sync.Once
	dummyHash []byte
}

// NewPasswordAuthenticator creates an authenticator whose bcrypt work is
// bounded to workers concurrent operations (runtime.NumCPU if <= 0).
func NewPasswordAuthenticator(store AccountStore, hashCost, workers int) *PasswordAuthenticator {
	if hashCost <= 0 {
		hashCost = DefaultHashCost
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &PasswordAuthenticator{
		Store:     store,
		HashCost:  hashCost,
		hashSlots: semaphore.NewWeighted(int64(workers)),
	}
}

func (a *PasswordAuthenticator) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func (a *PasswordAuthenticator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Register validates the credentials, hashes the password and creates a new
// account.
func (a *PasswordAuthenticator) Register(ctx context.Context, email, password string) (*Account, error) {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	// Cheap pre-check so duplicates do not pay for a bcrypt round.
	// CreateAccount is still the authority on uniqueness.
	if _, err := a.Store.FindByEmail(ctx, email); err == nil {
		return nil, NewAuthError(ErrConflict, ErrCodeEmailExists, "email already registered", "email")
	} else if !errors.Is(err, ErrNotFound) {
		return nil, StorageError("find account", err)
	}

	hash, err := a.hashPassword(ctx, password)
	if err != nil {
		return nil, err
	}

	account, err := a.Store.CreateAccount(ctx, email, hash, a.now().UTC())
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, NewAuthError(ErrConflict, ErrCodeEmailExists, "email already registered", "email")
		}
		a.logger().Error("failed to create account", "error", err)
		return nil, StorageError("create account", err)
	}

	a.logger().Info("registered account", "user_id", account.ID)
	return account, nil
}

// Login verifies the credentials and records the login time. Unknown emails
// and wrong passwords fail identically.
func (a *PasswordAuthenticator) Login(ctx context.Context, email, password string) (*Account, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, validationError(ErrCodeMissingField, "email and password are required", "")
	}

	account, err := a.Store.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, StorageError("find account", err)
	}

	hash := a.unknownAccountHash()
	if account != nil {
		hash = []byte(account.PasswordHash)
	}
	match, err := a.comparePassword(ctx, hash, password)
	if err != nil {
		return nil, err
	}
	if account == nil || !match {
		return nil, invalidCredentials()
	}

	now := a.now().UTC()
	account.LastLoginAt = &now
	if err := a.Store.UpdateAccount(ctx, account); err != nil {
		a.logger().Error("failed to record login", "user_id", account.ID, "error", err)
		return nil, StorageError("update account", err)
	}
	return account, nil
}

func (a *PasswordAuthenticator) unknownAccountHash() []byte {
	a.dummyOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte("credvault-unknown-account"), a.cost())
		if err != nil {
			// falls back to a fast mismatch, never to a match
			h = []byte("$2a$")
		}
		a.dummyHash = h
	})
	return a.dummyHash
}

func (a *PasswordAuthenticator) cost() int {
	if a.HashCost <= 0 {
		return DefaultHashCost
	}
	return a.HashCost
}

func (a *PasswordAuthenticator) acquire(ctx context.Context) (func(), error) {
	if a.hashSlots == nil {
		return func() {}, nil
	}
	if err := a.hashSlots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for hash worker: %w", err)
	}
	return func() { a.hashSlots.Release(1) }, nil
}

func (a *PasswordAuthenticator) hashPassword(ctx context.Context, password string) (string, error) {
	release, err := a.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	h, err := bcrypt.GenerateFromPassword([]byte(password), a.cost())
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", validationError(ErrCodeWeakPassword, "password is too long", "password")
		}
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(h), nil
}

func (a *PasswordAuthenticator) comparePassword(ctx context.Context, hash []byte, password string) (bool, error) {
	release, err := a.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil, nil
}

// ValidateEmail checks that email has exactly one "@" with non-empty local
// and domain parts.
func ValidateEmail(email string) error {
	err := validation.Validate(email,
		validation.Required.Error("email is required"),
		validation.By(func(value interface{}) error {
			s, _ := value.(string)
			local, domain, ok := strings.Cut(s, "@")
			if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
				return errors.New("invalid email format")
			}
			return nil
		}),
	)
	if err != nil {
		return validationError(ErrCodeInvalidEmail, err.Error(), "email")
	}
	return nil
}

// ValidatePassword enforces the password strength policy: at least 8
// characters with a lowercase letter, an uppercase letter and a digit.
func ValidatePassword(password string) error {
	err := validation.Validate(password,
		validation.Required.Error("password is required"),
		validation.RuneLength(minPasswordLength, 0).Error("password must be at least 8 characters"),
		validation.Length(0, maxPasswordLength).Error("password must be at most 72 bytes"),
		validation.Match(lowerRe).Error("password must contain a lowercase letter"),
		validation.Match(upperRe).Error("password must contain an uppercase letter"),
		validation.Match(digitRe).Error("password must contain a digit"),
	)
	if err != nil {
		return validationError(ErrCodeWeakPassword, err.Error(), "password")
	}
	return nil
}
