//go:build !wasm

package gae

import (
	"fmt"
	"testing"
	"time"

	"cloud.google.com/go/datastore"
	"github.com/stretchr/testify/require"
)

func tokenKey(identity, service string) *datastore.Key {
	return datastore.NameKey(KindDelegatedToken, service, datastore.NameKey(KindIdentity, identity, nil))
}

func TestGroupByParentKeepsEntityGroupsApart(t *testing.T) {
	keys := []*datastore.Key{
		tokenKey("alice@example.com", "github"),
		tokenKey("bob@example.com", "github"),
		tokenKey("alice@example.com", "google"),
	}

	batches := groupByParent(keys, deleteBatchSize)
	require.Len(t, batches, 2)
	require.Len(t, batches[0], 2)
	require.Len(t, batches[1], 1)
	for _, batch := range batches {
		for _, k := range batch {
			require.True(t, k.Parent.Equal(batch[0].Parent))
		}
	}
}

func TestGroupByParentSplitsLargeGroups(t *testing.T) {
	var keys []*datastore.Key
	for i := 0; i < 5; i++ {
		keys = append(keys, tokenKey("carol@example.com", fmt.Sprintf("svc-%d", i)))
	}
	batches := groupByParent(keys, 2)
	require.Len(t, batches, 3)
	require.Len(t, batches[2], 1)
}

func TestEntityExpiredAt(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)
	tests := []struct {
		name    string
		expires time.Time
		expired bool
	}{
		{"never expires", time.Time{}, false},
		{"past", now.Add(-time.Second), true},
		{"exactly now", now, false},
		{"refreshed", now.Add(time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &DelegatedTokenEntity{ExpiresAt: tt.expires}
			require.Equal(t, tt.expired, e.expiredAt(now))
		})
	}
}
