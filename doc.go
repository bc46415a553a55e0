// Package credvault provides local account authentication, stateless session
// tokens and a vault for delegated third-party service credentials.
//
// # Architecture
//
// Account: a local login keyed by normalized email with a numeric id that is
// never reused. AccountStore persists accounts.
//
// PasswordAuthenticator: registers accounts and checks passwords with bcrypt.
// Hashing runs on a bounded worker pool so bursts of logins cannot starve the
// process. Wrong passwords and unknown emails fail identically.
//
// SessionIssuer: signs and verifies HS256 session tokens carrying the user id
// and email. Verification needs only the shared secret.
//
// Vault: stores OAuth style access/refresh tokens per (identity, service)
// pair in a DelegatedTokenStore and tracks when each was last used.
//
// Sweeper: periodically deletes delegated tokens that are past their expiry.
//
// # Basic Usage
//
//	import (
//	    cv "github.com/panyam/credvault"
//	    "github.com/panyam/credvault/stores/fs"
//	)
//
//	accounts, _ := fs.OpenAccountStore("/var/lib/credvault")
//	tokens, _ := fs.OpenTokenStore("/var/lib/credvault")
//
//	auth := cv.NewPasswordAuthenticator(accounts, cv.DefaultHashCost, 4)
//	issuer, _ := cv.NewSessionIssuer(os.Getenv("CREDVAULT_JWT_SECRET"))
//	vault := cv.NewVault(tokens)
//	sweeper := cv.NewSweeper(vault, cv.DefaultSweepInterval)
//	go sweeper.Run(ctx)
//
//	router := cv.NewRouter(&cv.Handler{
//	    Auth:    auth,
//	    Issuer:  issuer,
//	    Vault:   vault,
//	    Sweeper: sweeper,
//	}, &cv.Middleware{Verifier: issuer})
//	http.ListenAndServe(":8080", router)
//
// # Storage Backends
//
//   - stores/fs: JSON files in a directory, one process per directory
//   - stores/gorm: any GORM dialect (SQLite, Postgres)
//   - stores/gae: Google Cloud Datastore
//
// # Errors
//
// Every failure matches one of ErrValidation, ErrConflict, ErrAuthentication,
// ErrNotFound or ErrStorage with errors.Is. HTTPStatus and ErrorCode map an
// error to its response status and machine readable code.
package credvault
