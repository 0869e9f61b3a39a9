package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/better-wallet/agentvault/pkg/errors"
	"github.com/better-wallet/agentvault/pkg/types"
)

// runStoreContract exercises behavior every Store backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("collections_are_user_scoped", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		alice, bob := uniqueUser("alice"), uniqueUser("bob")

		col, err := s.CreateCollection(ctx, alice, "trading", types.DefaultPolicy())
		require.NoError(t, err)
		assert.Equal(t, alice, col.UserID)

		_, err = s.GetCollection(ctx, bob, col.ID)
		assert.ErrorIs(t, err, apperrors.ErrCollectionNotFound)

		list, err := s.ListCollections(ctx, bob)
		require.NoError(t, err)
		assert.Empty(t, list)

		list, err = s.ListCollections(ctx, alice)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "trading", list[0].Name)
	})

	t.Run("live_collection_names_are_unique", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		alice := uniqueUser("alice")

		_, err := s.CreateCollection(ctx, alice, "ops", types.DefaultPolicy())
		require.NoError(t, err)
		_, err = s.CreateCollection(ctx, alice, " ops ", types.DefaultPolicy())
		assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)

		_, err = s.CreateCollection(ctx, alice, "   ", types.DefaultPolicy())
		assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
	})

	t.Run("accounts_hide_secrets_and_return_signing_material", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		alice := uniqueUser("alice")
		col := mustCollection(t, s, alice, "trading")

		acct := testAccount("sandbox", uniqueAddress())
		h, err := s.AddAccount(ctx, alice, col.ID, acct, types.AuditAddAccount)
		require.NoError(t, err)
		assert.Equal(t, col.ID, h.CollectionID)

		infos, err := s.GetAccounts(ctx, alice, col.ID)
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, acct.Address, infos[0].Address)
		assert.Equal(t, "main", infos[0].Metadata["label"])

		mat, err := s.GetSigningMaterial(ctx, alice, col.ID, acct.ChainID, acct.Address)
		require.NoError(t, err)
		assert.Equal(t, acct.EncryptedSecret, mat.EncryptedSecret)
		assert.Equal(t, acct.Salt, mat.Salt)

		_, err = s.GetSigningMaterial(ctx, uniqueUser("bob"), col.ID, acct.ChainID, acct.Address)
		assert.ErrorIs(t, err, apperrors.ErrCollectionNotFound)

		_, err = s.GetAccount(ctx, alice, col.ID, acct.ChainID, "missing")
		assert.ErrorIs(t, err, apperrors.ErrAccountNotFound)
	})

	t.Run("duplicate_and_ownership_conflict_append_failure_records", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		alice, bob := uniqueUser("alice"), uniqueUser("bob")
		aliceCol := mustCollection(t, s, alice, "trading")
		bobCol := mustCollection(t, s, bob, "savings")

		acct := testAccount("sandbox", uniqueAddress())
		_, err := s.AddAccount(ctx, alice, aliceCol.ID, acct, types.AuditAddAccount)
		require.NoError(t, err)

		_, err = s.AddAccount(ctx, alice, aliceCol.ID, testAccount(acct.ChainID, acct.Address), types.AuditAddAccount)
		assert.ErrorIs(t, err, apperrors.ErrDuplicateAccount)

		_, err = s.AddAccount(ctx, bob, bobCol.ID, testAccount(acct.ChainID, acct.Address), types.AuditImportSecret)
		assert.ErrorIs(t, err, apperrors.ErrOwnershipConflict)

		owner, err := s.FindOwner(ctx, acct.ChainID, acct.Address)
		require.NoError(t, err)
		require.NotNil(t, owner)
		assert.Equal(t, alice, owner.UserID)
		assert.Equal(t, aliceCol.ID, owner.CollectionID)

		bobAccounts, err := s.GetAccounts(ctx, bob, bobCol.ID)
		require.NoError(t, err)
		assert.Empty(t, bobAccounts)

		aliceLog := mustAudit(t, s, alice, aliceCol.ID)
		require.Len(t, aliceLog, 3)
		assert.Equal(t, types.OutcomeSuccess, aliceLog[1].Outcome)
		assert.Equal(t, types.OutcomeFailure, aliceLog[2].Outcome)
		assert.Equal(t, string(apperrors.KindDuplicateAccount), aliceLog[2].Detail)

		bobLog := mustAudit(t, s, bob, bobCol.ID)
		require.Len(t, bobLog, 2)
		assert.Equal(t, types.AuditImportSecret, bobLog[1].Operation)
		assert.Equal(t, types.OutcomeFailure, bobLog[1].Outcome)
		assert.Equal(t, string(apperrors.KindOwnershipConflict), bobLog[1].Detail)
	})

	t.Run("scope_miss_appends_nothing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		alice, bob := uniqueUser("alice"), uniqueUser("bob")
		col := mustCollection(t, s, alice, "trading")

		_, err := s.AddAccount(ctx, bob, col.ID, testAccount("sandbox", uniqueAddress()), types.AuditAddAccount)
		assert.ErrorIs(t, err, apperrors.ErrCollectionNotFound)

		_, err = s.ListAudit(ctx, bob, col.ID, 0, 0)
		assert.ErrorIs(t, err, apperrors.ErrCollectionNotFound)

		assert.Len(t, mustAudit(t, s, alice, col.ID), 1)
	})

	t.Run("audit_chain_is_monotonic_and_linked", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		alice := uniqueUser("alice")
		col := mustCollection(t, s, alice, "trading")

		for i := 0; i < 4; i++ {
			_, err := s.AddAccount(ctx, alice, col.ID, testAccount("sandbox", uniqueAddress()), types.AuditAddAccount)
			require.NoError(t, err)
		}

		log := mustAudit(t, s, alice, col.ID)
		require.Len(t, log, 5)
		for i, rec := range log {
			assert.Equal(t, uint64(i+1), rec.Seq)
			assert.Equal(t, rec.ComputeHash(), rec.Hash)
			if i > 0 {
				assert.Equal(t, log[i-1].Hash, rec.PrevHash)
			}
		}

		page, err := s.ListAudit(ctx, alice, col.ID, 2, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, uint64(3), page[0].Seq)
		assert.Equal(t, uint64(4), page[1].Seq)

		rec := &types.AuditRecord{
			CollectionID:   col.ID,
			Operation:      types.AuditOperation("transfer"),
			Outcome:        types.OutcomeDenied,
			ChainID:        "sandbox",
			AccountAddress: log[1].AccountAddress,
		}
		require.NoError(t, s.AppendAudit(ctx, alice, rec))
		assert.Equal(t, uint64(6), rec.Seq)
		assert.Equal(t, log[4].Hash, rec.PrevHash)
	})

	t.Run("policy_updates_bump_version", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		alice := uniqueUser("alice")
		col := mustCollection(t, s, alice, "trading")

		p, err := s.GetPolicy(ctx, alice, col.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, p.Version)

		next := types.PermissionPolicy{
			CanRead:     true,
			CanSign:     true,
			AssetLimits: map[string]string{"X": "100"},
		}
		updated, err := s.UpdatePolicy(ctx, alice, col.ID, next)
		require.NoError(t, err)
		assert.Equal(t, 2, updated.Version)

		p, err = s.GetPolicy(ctx, alice, col.ID)
		require.NoError(t, err)
		assert.True(t, p.CanSign)
		assert.Equal(t, "100", p.AssetLimits["X"])

		log := mustAudit(t, s, alice, col.ID)
		require.Len(t, log, 2)
		assert.Equal(t, types.AuditUpdatePolicy, log[1].Operation)
		assert.Equal(t, "version=2", log[1].Detail)
	})

	t.Run("delete_requires_export_unless_discarded", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		alice := uniqueUser("alice")
		col := mustCollection(t, s, alice, "trading")
		acct := testAccount("sandbox", uniqueAddress())
		_, err := s.AddAccount(ctx, alice, col.ID, acct, types.AuditAddAccount)
		require.NoError(t, err)

		err = s.DeleteCollection(ctx, alice, col.ID, false)
		assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)

		require.NoError(t, s.MarkExported(ctx, alice, col.ID, acct.ChainID, acct.Address, "summary"))
		info, err := s.GetAccount(ctx, alice, col.ID, acct.ChainID, acct.Address)
		require.NoError(t, err)
		assert.NotNil(t, info.ExportedAt)

		require.NoError(t, s.DeleteCollection(ctx, alice, col.ID, false))

		_, err = s.GetCollection(ctx, alice, col.ID)
		assert.ErrorIs(t, err, apperrors.ErrCollectionNotFound)

		owner, err := s.FindOwner(ctx, acct.ChainID, acct.Address)
		require.NoError(t, err)
		assert.Nil(t, owner)

		// The trail outlives the collection.
		log := mustAudit(t, s, alice, col.ID)
		require.Len(t, log, 5)
		assert.Equal(t, types.OutcomeFailure, log[2].Outcome)
		assert.Equal(t, types.AuditExportSecret, log[3].Operation)
		assert.Equal(t, types.AuditDeleteCollection, log[4].Operation)
		assert.Equal(t, "accounts=1 discard=false", log[4].Detail)

		// The name is free again.
		_, err = s.CreateCollection(ctx, alice, "trading", types.DefaultPolicy())
		require.NoError(t, err)
	})

	t.Run("remove_account", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		alice := uniqueUser("alice")
		col := mustCollection(t, s, alice, "trading")
		acct := testAccount("sandbox", uniqueAddress())
		_, err := s.AddAccount(ctx, alice, col.ID, acct, types.AuditAddAccount)
		require.NoError(t, err)

		err = s.RemoveAccount(ctx, alice, col.ID, acct.ChainID, acct.Address, false)
		assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)

		require.NoError(t, s.RemoveAccount(ctx, alice, col.ID, acct.ChainID, acct.Address, true))
		err = s.RemoveAccount(ctx, alice, col.ID, acct.ChainID, acct.Address, true)
		assert.ErrorIs(t, err, apperrors.ErrAccountNotFound)

		log := mustAudit(t, s, alice, col.ID)
		require.Len(t, log, 5)
		assert.Equal(t, "discarded", log[3].Detail)
		assert.Equal(t, types.OutcomeFailure, log[4].Outcome)
	})

	t.Run("metadata_update", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		alice := uniqueUser("alice")
		col := mustCollection(t, s, alice, "trading")
		acct := testAccount("sandbox", uniqueAddress())
		_, err := s.AddAccount(ctx, alice, col.ID, acct, types.AuditAddAccount)
		require.NoError(t, err)

		require.NoError(t, s.UpdateMetadata(ctx, alice, col.ID, acct.ChainID, acct.Address, map[string]string{"label": "hot"}))
		info, err := s.GetAccount(ctx, alice, col.ID, acct.ChainID, acct.Address)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"label": "hot"}, info.Metadata)

		err = s.UpdateMetadata(ctx, alice, col.ID, acct.ChainID, "missing", nil)
		assert.ErrorIs(t, err, apperrors.ErrAccountNotFound)
	})

	t.Run("approvals_resolve_and_consume_once", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		alice := uniqueUser("alice")
		col := mustCollection(t, s, alice, "trading")

		a := &types.PendingApproval{
			CollectionID: col.ID,
			Operation:    types.OpTransfer,
			ArgsDigest:   "digest-1",
			Summary:      "transfer 50 X",
		}
		require.NoError(t, s.CreateApproval(ctx, alice, a))
		require.NotEqual(t, uuid.Nil, a.ID)

		pending, err := s.ListApprovals(ctx, alice, col.ID, types.ApprovalPending)
		require.NoError(t, err)
		require.Len(t, pending, 1)

		_, err = s.ConsumeApproval(ctx, alice, col.ID, a.ID, types.OpTransfer, "digest-1")
		assert.ErrorIs(t, err, apperrors.ErrApprovalNotFound, "pending approvals cannot be consumed")

		resolved, err := s.ResolveApproval(ctx, alice, col.ID, a.ID, true)
		require.NoError(t, err)
		assert.Equal(t, types.ApprovalApproved, resolved.Status)
		assert.NotNil(t, resolved.ResolvedAt)

		_, err = s.ResolveApproval(ctx, alice, col.ID, a.ID, false)
		assert.ErrorIs(t, err, apperrors.ErrApprovalNotFound)

		_, err = s.ConsumeApproval(ctx, alice, col.ID, a.ID, types.OpTransfer, "digest-2")
		assert.ErrorIs(t, err, apperrors.ErrApprovalNotFound)

		consumed, err := s.ConsumeApproval(ctx, alice, col.ID, a.ID, types.OpTransfer, "digest-1")
		require.NoError(t, err)
		assert.Equal(t, types.ApprovalConsumed, consumed.Status)

		_, err = s.ConsumeApproval(ctx, alice, col.ID, a.ID, types.OpTransfer, "digest-1")
		assert.ErrorIs(t, err, apperrors.ErrApprovalNotFound)

		_, err = s.GetApproval(ctx, uniqueUser("bob"), col.ID, a.ID)
		assert.ErrorIs(t, err, apperrors.ErrCollectionNotFound)

		log := mustAudit(t, s, alice, col.ID)
		require.Len(t, log, 3)
		assert.Equal(t, types.AuditResolveApproval, log[1].Operation)
		assert.Equal(t, types.OutcomeSuccess, log[1].Outcome)
		assert.Equal(t, types.OutcomeFailure, log[2].Outcome)
	})
}

func uniqueUser(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func uniqueAddress() string {
	return "sbx" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func testAccount(chainID, address string) *types.ChainAccount {
	return &types.ChainAccount{
		ChainID:         chainID,
		Address:         address,
		EncryptedSecret: []byte("ciphertext-" + address),
		Salt:            []byte("0123456789abcdef0123456789abcdef"),
		Source:          types.AccountSourceGenerated,
		Metadata:        map[string]string{"label": "main"},
	}
}

func mustCollection(t *testing.T, s Store, userID, name string) *types.Collection {
	t.Helper()
	col, err := s.CreateCollection(context.Background(), userID, name, types.DefaultPolicy())
	require.NoError(t, err)
	return col
}

func mustAudit(t *testing.T, s Store, userID string, collectionID uuid.UUID) []types.AuditRecord {
	t.Helper()
	log, err := s.ListAudit(context.Background(), userID, collectionID, 0, 0)
	require.NoError(t, err)
	return log
}
