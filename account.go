package credvault

import (
	"context"
	"strings"
	"time"
)

// Account is a local, password authenticated user
type Account struct {
	ID           int64      `json:"id"`
	Email        string     `json:"email"` // normalized, unique
	PasswordHash string     `json:"password_hash"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// Clone returns a copy that shares no pointers with a
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	out := *a
	if a.LastLoginAt != nil {
		t := *a.LastLoginAt
		out.LastLoginAt = &t
	}
	return &out
}

// AccountStore is the durable record of local accounts.
//
// Implementations serialize mutations: CreateAccount checks email uniqueness,
// allocates the next id and persists the record as one atomic step, so two
// concurrent registrations of the same email can never both succeed.
type AccountStore interface {
	// FindByEmail looks up an account by normalized email.
	// Returns an error matching ErrNotFound if there is none.
	FindByEmail(ctx context.Context, email string) (*Account, error)

	// NextID returns the id the next created account will receive. Ids are
	// never reused, so this is one more than the high-water mark.
	NextID(ctx context.Context) (int64, error)

	// CreateAccount allocates an id and appends a new account.
	// Returns an error matching ErrConflict if the email is taken.
	CreateAccount(ctx context.Context, email, passwordHash string, createdAt time.Time) (*Account, error)

	// UpdateAccount replaces the account with the same id
	UpdateAccount(ctx context.Context, account *Account) error

	Close() error
}

// NormalizeEmail lower-cases and trims an email address. Emails are compared
// and stored only in this form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
