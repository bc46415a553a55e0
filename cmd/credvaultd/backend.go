package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/datastore"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	cv "github.com/panyam/credvault"
	"github.com/panyam/credvault/stores/fs"
	"github.com/panyam/credvault/stores/gae"
	gormstore "github.com/panyam/credvault/stores/gorm"
)

// backend holds the stores for the configured storage and whatever
// connection they share
type backend struct {
	Accounts cv.AccountStore
	Tokens   cv.DelegatedTokenStore
	closers  []func() error
}

func (b *backend) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func openBackend(ctx context.Context, cfg *Config) (*backend, error) {
	switch cfg.Backend {
	case BackendFS:
		accounts, err := fs.OpenAccountStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		tokens, err := fs.OpenTokenStore(cfg.DataDir)
		if err != nil {
			accounts.Close()
			return nil, err
		}
		return &backend{Accounts: accounts, Tokens: tokens, closers: []func() error{accounts.Close}}, nil

	case BackendSQLite, BackendPostgres:
		dialector := sqlite.Open(cfg.DatabaseDSN)
		if cfg.Backend == BackendPostgres {
			dialector = postgres.Open(cfg.DatabaseDSN)
		}
		db, err := gorm.Open(dialector, &gorm.Config{
			TranslateError: true,
			Logger:         logger.Default.LogMode(logger.Warn),
		})
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Backend, err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		if cfg.Backend == BackendSQLite {
			// sqlite allows a single writer
			sqlDB.SetMaxOpenConns(1)
		}
		if err := gormstore.AutoMigrate(db.WithContext(ctx)); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		accounts := gormstore.NewAccountStore(db)
		return &backend{
			Accounts: accounts,
			Tokens:   gormstore.NewTokenStore(db),
			closers:  []func() error{sqlDB.Close, accounts.Close},
		}, nil

	case BackendDatastore:
		client, err := datastore.NewClient(ctx, cfg.DatastoreProject)
		if err != nil {
			return nil, fmt.Errorf("datastore client: %w", err)
		}
		accounts := gae.NewAccountStore(client, cfg.DatastoreNamespace)
		return &backend{
			Accounts: accounts,
			Tokens:   gae.NewTokenStore(client, cfg.DatastoreNamespace),
			closers:  []func() error{client.Close, accounts.Close},
		}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}
