//go:build !wasm
// +build !wasm

package gae

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"cloud.google.com/go/datastore"
	"google.golang.org/api/iterator"

	cv "github.com/panyam/credvault"
)

// Kind constants for Datastore entities
const (
	KindAccount        = "Account"
	KindSequence       = "Sequence"
	KindIdentity       = "Identity"
	KindDelegatedToken = "DelegatedToken"
)

const (
	accountSequence = "accounts"

	// deleteBatchSize is the Datastore limit on keys per DeleteMulti
	deleteBatchSize = 500
)

type base struct {
	client    *datastore.Client
	namespace string
	closed    atomic.Bool
}

func (s *base) namespacedKey(kind, name string, parent *datastore.Key) *datastore.Key {
	key := datastore.NameKey(kind, name, parent)
	key.Namespace = s.namespace
	return key
}

func (s *base) check() error {
	if s.closed.Load() {
		return cv.ErrClosed
	}
	return nil
}

// Close marks the store closed. The datastore client is owned by the caller.
func (s *base) Close() error {
	s.closed.Store(true)
	return nil
}

// ============================================================================
// AccountStore
// ============================================================================

// AccountStore implements cv.AccountStore using Google Cloud Datastore.
// Accounts are keyed by email so uniqueness is enforced by the key itself.
type AccountStore struct {
	base
}

// NewAccountStore creates a new Datastore-backed AccountStore
func NewAccountStore(client *datastore.Client, namespace string) *AccountStore {
	return &AccountStore{base{client: client, namespace: namespace}}
}

func (s *AccountStore) FindByEmail(ctx context.Context, email string) (*cv.Account, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var e AccountEntity
	if err := s.client.Get(ctx, s.namespacedKey(KindAccount, email, nil), &e); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, fmt.Errorf("account %q: %w", email, cv.ErrNotFound)
		}
		return nil, cv.StorageError("find account", err)
	}
	return e.ToAccount(), nil
}

func (s *AccountStore) NextID(ctx context.Context) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	var seq SequenceEntity
	err := s.client.Get(ctx, s.namespacedKey(KindSequence, accountSequence, nil), &seq)
	if err != nil && !errors.Is(err, datastore.ErrNoSuchEntity) {
		return 0, cv.StorageError("read account sequence", err)
	}
	return seq.Value + 1, nil
}

func (s *AccountStore) CreateAccount(ctx context.Context, email, passwordHash string, createdAt time.Time) (*cv.Account, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	accountKey := s.namespacedKey(KindAccount, email, nil)
	seqKey := s.namespacedKey(KindSequence, accountSequence, nil)

	var account *cv.Account
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var existing AccountEntity
		err := tx.Get(accountKey, &existing)
		if err == nil {
			return fmt.Errorf("account %q: %w", email, cv.ErrConflict)
		}
		if !errors.Is(err, datastore.ErrNoSuchEntity) {
			return err
		}

		var seq SequenceEntity
		if err := tx.Get(seqKey, &seq); err != nil && !errors.Is(err, datastore.ErrNoSuchEntity) {
			return err
		}
		seq.Value++

		account = &cv.Account{
			ID:           seq.Value,
			Email:        email,
			PasswordHash: passwordHash,
			CreatedAt:    createdAt.UTC(),
		}
		if _, err := tx.PutMulti(
			[]*datastore.Key{seqKey, accountKey},
			[]any{&seq, AccountToEntity(account, accountKey)},
		); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, cv.ErrConflict) {
			return nil, err
		}
		return nil, cv.StorageError("create account", err)
	}
	return account, nil
}

func (s *AccountStore) UpdateAccount(ctx context.Context, account *cv.Account) error {
	if err := s.check(); err != nil {
		return err
	}
	key := s.namespacedKey(KindAccount, account.Email, nil)
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var existing AccountEntity
		if err := tx.Get(key, &existing); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return fmt.Errorf("account %d: %w", account.ID, cv.ErrNotFound)
			}
			return err
		}
		if existing.ID != account.ID {
			return fmt.Errorf("account %d: %w", account.ID, cv.ErrNotFound)
		}
		_, err := tx.Put(key, AccountToEntity(account, key))
		return err
	})
	return cv.StorageError("update account", err)
}

// ============================================================================
// TokenStore
// ============================================================================

// TokenStore implements cv.DelegatedTokenStore using Google Cloud Datastore.
// Each token is a child of its identity's key so an identity's tokens form
// one entity group.
type TokenStore struct {
	base
}

// NewTokenStore creates a new Datastore-backed TokenStore
func NewTokenStore(client *datastore.Client, namespace string) *TokenStore {
	return &TokenStore{base{client: client, namespace: namespace}}
}

func (s *TokenStore) tokenKey(identity, service string) *datastore.Key {
	return s.namespacedKey(KindDelegatedToken, service, s.namespacedKey(KindIdentity, identity, nil))
}

func (s *TokenStore) GetToken(ctx context.Context, identity, service string) (*cv.DelegatedToken, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var e DelegatedTokenEntity
	if err := s.client.Get(ctx, s.tokenKey(identity, service), &e); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, fmt.Errorf("token %s/%s: %w", identity, service, cv.ErrNotFound)
		}
		return nil, cv.StorageError("get token", err)
	}
	return e.ToDelegatedToken(), nil
}

func (s *TokenStore) ListTokens(ctx context.Context, identity string) (map[string]*cv.DelegatedToken, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	query := datastore.NewQuery(KindDelegatedToken).
		Namespace(s.namespace).
		Ancestor(s.namespacedKey(KindIdentity, identity, nil))

	out := make(map[string]*cv.DelegatedToken)
	it := s.client.Run(ctx, query)
	for {
		var e DelegatedTokenEntity
		_, err := it.Next(&e)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, cv.StorageError("list tokens", err)
		}
		tok := e.ToDelegatedToken()
		out[tok.Service] = tok
	}
	return out, nil
}

// Mutate runs fn inside a Datastore transaction. Datastore may retry the
// transaction on contention, so fn can be called more than once.
func (s *TokenStore) Mutate(ctx context.Context, identity, service string, fn cv.MutateFunc) (*cv.DelegatedToken, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	key := s.tokenKey(identity, service)

	var result *cv.DelegatedToken
	var fnErr error
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		result, fnErr = nil, nil

		var current *cv.DelegatedToken
		var e DelegatedTokenEntity
		err := tx.Get(key, &e)
		switch {
		case err == nil:
			current = e.ToDelegatedToken()
		case !errors.Is(err, datastore.ErrNoSuchEntity):
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
			return tx.Delete(key)
		}

		next = next.Clone()
		next.Identity, next.Service = identity, service
		if _, err := tx.Put(key, DelegatedTokenToEntity(next, key)); err != nil {
			return err
		}
		result = next
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
	if err := s.check(); err != nil {
		return err
	}
	for _, t := range touches {
		key := s.tokenKey(t.Identity, t.Service)
		at := t.At.UTC()
		_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
			var e DelegatedTokenEntity
			if err := tx.Get(key, &e); err != nil {
				if errors.Is(err, datastore.ErrNoSuchEntity) {
					return nil
				}
				return err
			}
			if !at.After(e.LastUsedAt) {
				return nil
			}
			e.LastUsedAt = at
			_, err := tx.Put(key, &e)
			return err
		})
		if err != nil {
			return cv.StorageError("touch tokens", err)
		}
	}
	return nil
}

// DeleteExpired removes tokens whose expiry is set and strictly before now.
// The query only nominates candidates; each identity's candidates are
// re-read and deleted in one transaction so a token refreshed after the
// query survives.
func (s *TokenStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	now = now.UTC()
	query := datastore.NewQuery(KindDelegatedToken).
		Namespace(s.namespace).
		FilterField("expires_at", ">", time.Time{}).
		FilterField("expires_at", "<", now).
		KeysOnly()

	keys, err := s.client.GetAll(ctx, query, nil)
	if err != nil {
		return 0, cv.StorageError("query expired tokens", err)
	}

	removed := 0
	for _, batch := range groupByParent(keys, deleteBatchSize) {
		n, err := s.deleteIfExpired(ctx, batch, now)
		if err != nil {
			return removed, cv.StorageError("delete expired tokens", err)
		}
		removed += n
	}
	return removed, nil
}

// deleteIfExpired deletes the keys of one entity group that are still
// expired when read inside the transaction.
func (s *TokenStore) deleteIfExpired(ctx context.Context, keys []*datastore.Key, now time.Time) (int, error) {
	var deleted int
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		deleted = 0
		entities := make([]DelegatedTokenEntity, len(keys))
		err := tx.GetMulti(keys, entities)

		var multi datastore.MultiError
		if err != nil && !errors.As(err, &multi) {
			return err
		}

		var doomed []*datastore.Key
		for i, key := range keys {
			if multi != nil && multi[i] != nil {
				if errors.Is(multi[i], datastore.ErrNoSuchEntity) {
					continue
				}
				return multi[i]
			}
			if entities[i].expiredAt(now) {
				doomed = append(doomed, key)
			}
		}
		if len(doomed) == 0 {
			return nil
		}
		if err := tx.DeleteMulti(doomed); err != nil {
			return err
		}
		deleted = len(doomed)
		return nil
	})
	return deleted, err
}

// groupByParent splits keys into batches of at most size keys that share a
// parent, so each batch fits one transaction on one entity group.
func groupByParent(keys []*datastore.Key, size int) [][]*datastore.Key {
	var order []string
	groups := make(map[string][]*datastore.Key)
	for _, k := range keys {
		parent := ""
		if k.Parent != nil {
			parent = k.Parent.String()
		}
		if _, ok := groups[parent]; !ok {
			order = append(order, parent)
		}
		groups[parent] = append(groups[parent], k)
	}

	var out [][]*datastore.Key
	for _, parent := range order {
		group := groups[parent]
		for start := 0; start < len(group); start += size {
			out = append(out, group[start:min(start+size, len(group))])
		}
	}
	return out
}

// Stats walks token keys only; identity and service are recovered from the
// key path.
func (s *TokenStore) Stats(ctx context.Context) (cv.VaultStats, error) {
	if err := s.check(); err != nil {
		return cv.VaultStats{}, err
	}
	query := datastore.NewQuery(KindDelegatedToken).Namespace(s.namespace).KeysOnly()
	keys, err := s.client.GetAll(ctx, query, nil)
	if err != nil {
		return cv.VaultStats{}, cv.StorageError("token stats", err)
	}

	stats := cv.VaultStats{PerService: make(map[string]int)}
	identities := make(map[string]struct{})
	for _, k := range keys {
		stats.TotalTokenCount++
		stats.PerService[k.Name]++
		if k.Parent != nil {
			identities[k.Parent.Name] = struct{}{}
		}
	}
	stats.IdentityCount = len(identities)
	return stats, nil
}
