package main

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	cv "github.com/panyam/credvault"
)

// Storage backends selectable with CREDVAULT_BACKEND
const (
	BackendFS        = "fs"
	BackendSQLite    = "sqlite"
	BackendPostgres  = "postgres"
	BackendDatastore = "datastore"
)

// Config is the server configuration, read from the environment
type Config struct {
	JWTSecret string `env:"CREDVAULT_JWT_SECRET,required,notEmpty"`
	Addr      string `env:"CREDVAULT_ADDR" envDefault:":8080"`
	Env       string `env:"CREDVAULT_ENV" envDefault:"development"`

	Backend            string `env:"CREDVAULT_BACKEND" envDefault:"fs"`
	DataDir            string `env:"CREDVAULT_DATA_DIR" envDefault:"./data"`
	DatabaseDSN        string `env:"CREDVAULT_DATABASE_DSN"`
	DatastoreProject   string `env:"CREDVAULT_DATASTORE_PROJECT"`
	DatastoreNamespace string `env:"CREDVAULT_DATASTORE_NAMESPACE"`

	BcryptCost    int           `env:"CREDVAULT_BCRYPT_COST" envDefault:"12"`
	HashWorkers   int           `env:"CREDVAULT_HASH_WORKERS"`
	SessionTTL    time.Duration `env:"CREDVAULT_SESSION_TTL" envDefault:"24h"`
	SessionIssuer string        `env:"CREDVAULT_SESSION_ISSUER"`

	SweepInterval      time.Duration `env:"CREDVAULT_SWEEP_INTERVAL" envDefault:"15m"`
	UsageFlushInterval time.Duration `env:"CREDVAULT_USAGE_FLUSH_INTERVAL" envDefault:"30s"`
	StorageTimeout     time.Duration `env:"CREDVAULT_STORAGE_TIMEOUT" envDefault:"5s"`
	CronSecret         string        `env:"CREDVAULT_CRON_SECRET"`

	LogLevel  slog.Level `env:"CREDVAULT_LOG_LEVEL" envDefault:"info"`
	SentryDSN string     `env:"CREDVAULT_SENTRY_DSN"`
}

// LoadConfig reads an optional .env file and then parses the environment.
// Variables already set in the environment win over the file.
func LoadConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// a missing file is fine
		_ = godotenv.Load(f)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.HashWorkers <= 0 {
		cfg.HashWorkers = runtime.NumCPU()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints that env tags cannot express
func (c *Config) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("CREDVAULT_JWT_SECRET is required")
	}
	switch c.Backend {
	case BackendFS:
		if c.DataDir == "" {
			return errors.New("CREDVAULT_DATA_DIR is required for the fs backend")
		}
	case BackendSQLite, BackendPostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("CREDVAULT_DATABASE_DSN is required for the %s backend", c.Backend)
		}
	case BackendDatastore:
		if c.DatastoreProject == "" {
			return errors.New("CREDVAULT_DATASTORE_PROJECT is required for the datastore backend")
		}
	default:
		return fmt.Errorf("unknown CREDVAULT_BACKEND %q", c.Backend)
	}
	if c.BcryptCost <= 0 {
		c.BcryptCost = cv.DefaultHashCost
	}
	if c.SessionTTL <= 0 {
		return errors.New("CREDVAULT_SESSION_TTL must be positive")
	}
	return nil
}
