//go:build !wasm
// +build !wasm

package gorm

import (
	"time"

	cv "github.com/panyam/credvault"
)

// AccountModel is the GORM model for accounts
type AccountModel struct {
	ID           int64      `gorm:"primaryKey;autoIncrement:false"`
	Email        string     `gorm:"size:320;uniqueIndex;not null"`
	PasswordHash string     `gorm:"size:100;not null"`
	CreatedAt    time.Time  `gorm:"not null"`
	LastLoginAt  *time.Time
}

func (AccountModel) TableName() string {
	return "accounts"
}

func (m *AccountModel) ToAccount() *cv.Account {
	a := &cv.Account{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt.UTC(),
	}
	if m.LastLoginAt != nil {
		t := m.LastLoginAt.UTC()
		a.LastLoginAt = &t
	}
	return a
}

// SequenceModel holds the largest value ever handed out for a named sequence
type SequenceModel struct {
	Name  string `gorm:"primaryKey;size:64"`
	Value int64  `gorm:"not null;default:0"`
}

func (SequenceModel) TableName() string {
	return "id_sequences"
}

// DelegatedTokenModel is the GORM model for delegated tokens
type DelegatedTokenModel struct {
	Identity     string     `gorm:"primaryKey;size:320"`
	Service      string     `gorm:"primaryKey;size:64;index"`
	AccessToken  string     `gorm:"type:text"`
	RefreshToken string     `gorm:"type:text"`
	ExpiresAt    *time.Time `gorm:"index"`
	Scope        string     `gorm:"type:text"`
	TokenType    string     `gorm:"size:32"`
	ConnectedAt  time.Time  `gorm:"not null"`
	LastUsedAt   time.Time  `gorm:"not null"`
}

func (DelegatedTokenModel) TableName() string {
	return "delegated_tokens"
}

func (m *DelegatedTokenModel) ToDelegatedToken() *cv.DelegatedToken {
	t := &cv.DelegatedToken{
		Identity:     m.Identity,
		Service:      m.Service,
		AccessToken:  m.AccessToken,
		RefreshToken: m.RefreshToken,
		Scope:        m.Scope,
		TokenType:    m.TokenType,
		ConnectedAt:  m.ConnectedAt.UTC(),
		LastUsedAt:   m.LastUsedAt.UTC(),
	}
	if m.ExpiresAt != nil {
		e := m.ExpiresAt.UTC()
		t.ExpiresAt = &e
	}
	return t
}

func DelegatedTokenToModel(identity, service string, t *cv.DelegatedToken) *DelegatedTokenModel {
	m := &DelegatedTokenModel{
		Identity:     identity,
		Service:      service,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		Scope:        t.Scope,
		TokenType:    t.TokenType,
		ConnectedAt:  t.ConnectedAt.UTC(),
		LastUsedAt:   t.LastUsedAt.UTC(),
	}
	if t.ExpiresAt != nil {
		e := t.ExpiresAt.UTC()
		m.ExpiresAt = &e
	}
	return m
}
