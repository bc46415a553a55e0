//go:build !wasm
// +build !wasm

// Package gae provides Google Cloud Datastore implementations of the
// credvault store interfaces.
//
// Account entities are keyed by normalized email and created in a
// transaction together with the id sequence entity, so concurrent
// registrations of the same email cannot both succeed. Delegated tokens are
// keyed by service under an Identity parent key.
//
// DeleteExpired filters on expires_at with two inequalities on the same
// property, which needs only the built-in single-property index.
package gae
