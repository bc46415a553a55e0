//go:build !wasm
// +build !wasm

// Package gorm provides GORM-based implementations of the credvault store
// interfaces. It supports any database GORM supports and is the backend to
// use when several server processes share one database.
//
// # Database Schema
//
// AutoMigrate creates the following tables:
//   - accounts: email/password accounts, unique on email
//   - id_sequences: high-water marks for account ids
//   - delegated_tokens: third-party tokens keyed by (identity, service)
//
// # Usage
//
//	db, _ := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
//	_ = gormstore.AutoMigrate(db)
//	accounts := gormstore.NewAccountStore(db)
//	tokens := gormstore.NewTokenStore(db)
package gorm
