// Command credvaultd serves account registration, login, session
// verification and the delegated token vault over HTTP.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	cv "github.com/panyam/credvault"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("credvaultd failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := initSentry(cfg.SentryDSN, cfg.Env); err != nil {
		logger.Error("sentry init failed", "error", err)
	}
	defer sentry.Flush(2 * time.Second)

	store, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("storage ready", "backend", cfg.Backend)

	auth := cv.NewPasswordAuthenticator(store.Accounts, cfg.BcryptCost, cfg.HashWorkers)
	auth.Logger = logger

	issuer, err := cv.NewSessionIssuer(cfg.JWTSecret)
	if err != nil {
		return err
	}
	issuer.TTL = cfg.SessionTTL
	issuer.Issuer = cfg.SessionIssuer

	vault := cv.NewVault(store.Tokens)
	vault.Logger = logger
	vault.UsageFlushInterval = cfg.UsageFlushInterval

	sweeper := cv.NewSweeper(vault, cfg.SweepInterval)
	sweeper.Logger = logger
	sweeper.OnSweep = func(_ cv.SweepResult, err error) {
		if err != nil {
			sentry.CaptureException(err)
		}
	}

	handler := &cv.Handler{
		Auth:       auth,
		Issuer:     issuer,
		Vault:      vault,
		Sweeper:    sweeper,
		Logger:     logger,
		CronSecret: cfg.CronSecret,
		ReportError: func(r *http.Request, err error) {
			hub := sentry.CurrentHub().Clone()
			hub.Scope().SetRequest(r)
			hub.CaptureException(err)
		},
	}
	router := cv.NewRouter(handler, &cv.Middleware{Verifier: issuer, Logger: logger})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           withRequestTimeout(router, cfg.StorageTimeout),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		vault.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-serveErr:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Error("server shutdown failed", "error", serr)
	}
	wg.Wait()
	if cerr := vault.Close(shutdownCtx); cerr != nil {
		logger.Error("vault close failed", "error", cerr)
	}
	return err
}

func initSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
	})
}

// withRequestTimeout bounds the storage work a single request can do
func withRequestTimeout(next http.Handler, timeout time.Duration) http.Handler {
	if timeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
