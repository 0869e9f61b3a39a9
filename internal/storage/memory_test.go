package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/agentvault/internal/kms"
	apperrors "github.com/better-wallet/agentvault/pkg/errors"
	"github.com/better-wallet/agentvault/pkg/types"
)

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestMemoryStore_KMSWrapping(t *testing.T) {
	provider, err := kms.NewLocalProvider("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	require.NoError(t, err)

	s := NewMemoryStore(WithKMS(provider))
	ctx := context.Background()
	col := mustCollection(t, s, "alice", "trading")
	acct := testAccount("sandbox", "sbx-kms")

	_, err = s.AddAccount(ctx, "alice", col.ID, acct, types.AuditAddAccount)
	require.NoError(t, err)

	stored := s.collections[col.ID].accounts[0].EncryptedSecret
	assert.NotEqual(t, acct.EncryptedSecret, stored)

	mat, err := s.GetSigningMaterial(ctx, "alice", col.ID, acct.ChainID, acct.Address)
	require.NoError(t, err)
	assert.Equal(t, acct.EncryptedSecret, mat.EncryptedSecret)

	// Moving the wrapped blob to another address breaks its binding.
	s.collections[col.ID].accounts[0].Address = "sbx-other"
	_, err = s.GetSigningMaterial(ctx, "alice", col.ID, acct.ChainID, "sbx-other")
	assert.ErrorIs(t, err, apperrors.ErrIntegrity)
}

func TestMemoryStore_ObserverSeesEveryRecord(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []types.AuditRecord
	)
	s := NewMemoryStore(WithAuditObserver(func(ctx context.Context, rec types.AuditRecord) {
		mu.Lock()
		seen = append(seen, rec)
		mu.Unlock()
	}))
	ctx := context.Background()
	col := mustCollection(t, s, "alice", "trading")

	acct := testAccount("sandbox", "sbx-observed")
	_, err := s.AddAccount(ctx, "alice", col.ID, acct, types.AuditAddAccount)
	require.NoError(t, err)
	_, err = s.AddAccount(ctx, "alice", col.ID, acct, types.AuditAddAccount)
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{seen[0].Seq, seen[1].Seq, seen[2].Seq})
	assert.Equal(t, types.OutcomeFailure, seen[2].Outcome)
}

func TestMemoryStore_ApprovalOverrideFlag(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	col := mustCollection(t, s, "alice", "trading")

	_, err := s.AddAccount(ctx, "alice", col.ID, testAccount("sandbox", "sbx-direct"), types.AuditAddAccount)
	require.NoError(t, err)
	_, err = s.AddAccount(WithApprovalOverride(ctx), "alice", col.ID, testAccount("sandbox", "sbx-approved"), types.AuditAddAccount)
	require.NoError(t, err)

	recs, err := s.ListAudit(ctx, "alice", col.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.True(t, recs[1].ApprovedWithoutOverride)
	assert.False(t, recs[2].ApprovedWithoutOverride)
	assert.Equal(t, "sbx-approved", recs[2].AccountAddress)
}

func TestMemoryStore_ConcurrentAppendsKeepSequence(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	col := mustCollection(t, s, "alice", "trading")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AddAccount(ctx, "alice", col.ID, testAccount("sandbox", uniqueAddress()), types.AuditAddAccount)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	log, err := s.ListAudit(ctx, "alice", col.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, log, 33)
	for i, rec := range log {
		assert.Equal(t, uint64(i+1), rec.Seq)
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		name     string
		limit    int
		expected int
	}{
		{name: "zero_uses_default", limit: 0, expected: DefaultAuditPage},
		{name: "negative_uses_default", limit: -5, expected: DefaultAuditPage},
		{name: "within_bounds", limit: 10, expected: 10},
		{name: "clamped_to_max", limit: 5000, expected: maxAuditPage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, clampLimit(tt.limit))
		})
	}
}
