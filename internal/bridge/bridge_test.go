package bridge

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/agentvault/internal/chain"
	"github.com/better-wallet/agentvault/internal/crypto"
	"github.com/better-wallet/agentvault/internal/session"
	"github.com/better-wallet/agentvault/internal/storage"
	apperrors "github.com/better-wallet/agentvault/pkg/errors"
	pkgcrypto "github.com/better-wallet/agentvault/pkg/crypto"
	"github.com/better-wallet/agentvault/pkg/types"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

type fixture struct {
	store   *storage.MemoryStore
	sandbox *chain.SandboxAdapter
	bridge  *Bridge
}

func newFixture(t *testing.T, withEVM bool) *fixture {
	t.Helper()
	registry := chain.NewRegistry(chain.DefaultRegistryConfig(), nil)
	sandbox := chain.NewSandboxAdapter("", chain.NewSandbox(0))
	require.NoError(t, registry.Register(sandbox))

	if withEVM {
		backend := simulated.NewBackend(gethtypes.GenesisAlloc{})
		t.Cleanup(func() { backend.Close() })
		evm, err := chain.NewEVMAdapter(context.Background(), "sim", backend.Client())
		require.NoError(t, err)
		require.NoError(t, registry.Register(evm))
	}

	store := storage.NewMemoryStore()
	return &fixture{
		store:   store,
		sandbox: sandbox,
		bridge:  New(store, registry, WithScrypt(keystore.LightScryptN, keystore.LightScryptP)),
	}
}

func openSession(t *testing.T, userID, master string) *session.Session {
	t.Helper()
	sess, err := session.New(userID, []byte(master))
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	return sess
}

func (f *fixture) collection(t *testing.T, userID, name string) uuid.UUID {
	t.Helper()
	col, err := f.store.CreateCollection(context.Background(), userID, name, types.DefaultPolicy())
	require.NoError(t, err)
	return col.ID
}

func (f *fixture) sandboxKey(t *testing.T) (string, string) {
	t.Helper()
	secret, err := f.sandbox.GenerateSecret()
	require.NoError(t, err)
	addr, err := f.sandbox.DeriveAddress(secret)
	require.NoError(t, err)
	return hex.EncodeToString(secret), addr
}

func (f *fixture) audit(t *testing.T, userID string, collectionID uuid.UUID, op types.AuditOperation) []types.AuditRecord {
	t.Helper()
	all, err := f.store.ListAudit(context.Background(), userID, collectionID, 0, 100)
	require.NoError(t, err)
	var out []types.AuditRecord
	for _, rec := range all {
		if rec.Operation == op {
			out = append(out, rec)
		}
	}
	return out
}

func TestImportSecret_PrivateKey(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	alice := openSession(t, "alice", "alice-master-secret-0123456789ab")
	col := f.collection(t, "alice", "trading")
	keyHex, addr := f.sandboxKey(t)

	raw := []byte("0x" + keyHex)
	h, err := f.bridge.ImportSecret(ctx, alice, col, ImportRequest{ChainID: "sandbox", Format: ImportPrivateKey, Secret: raw, Label: "cold"})
	require.NoError(t, err)
	assert.Equal(t, addr, h.Address)
	assert.Equal(t, make([]byte, len(raw)), raw, "raw input is zeroed")

	info, err := f.store.GetAccount(ctx, "alice", col, "sandbox", addr)
	require.NoError(t, err)
	assert.Equal(t, types.AccountSourceImported, info.Source)
	assert.Equal(t, "cold", info.Metadata["label"])

	recs := f.audit(t, "alice", col, types.AuditImportSecret)
	require.Len(t, recs, 1)
	assert.Equal(t, types.OutcomeSuccess, recs[0].Outcome)
	assert.Equal(t, addr, recs[0].AccountAddress)
}

func TestImportSecret_OwnershipConflict(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	alice := openSession(t, "alice", "alice-master-secret-0123456789ab")
	bob := openSession(t, "bob", "bob-master-secret-0123456789abcd")
	aliceCol := f.collection(t, "alice", "trading")
	aliceOther := f.collection(t, "alice", "savings")
	bobCol := f.collection(t, "bob", "trading")
	keyHex, addr := f.sandboxKey(t)

	_, err := f.bridge.ImportSecret(ctx, alice, aliceCol, ImportRequest{ChainID: "sandbox", Secret: []byte(keyHex)})
	require.NoError(t, err)

	tests := []struct {
		name       string
		sess       *session.Session
		userID     string
		collection uuid.UUID
	}{
		{name: "another_user", sess: bob, userID: "bob", collection: bobCol},
		{name: "same_user_other_collection", sess: alice, userID: "alice", collection: aliceOther},
		{name: "same_collection_again", sess: alice, userID: "alice", collection: aliceCol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before, err := f.store.GetAccounts(ctx, tt.userID, tt.collection)
			require.NoError(t, err)

			_, err = f.bridge.ImportSecret(ctx, tt.sess, tt.collection, ImportRequest{ChainID: "sandbox", Secret: []byte(keyHex)})
			assert.ErrorIs(t, err, apperrors.ErrOwnershipConflict)

			after, err := f.store.GetAccounts(ctx, tt.userID, tt.collection)
			require.NoError(t, err)
			assert.Equal(t, before, after, "no account row is written")

			recs := f.audit(t, tt.userID, tt.collection, types.AuditImportSecret)
			require.NotEmpty(t, recs)
			assert.Equal(t, types.OutcomeFailure, recs[len(recs)-1].Outcome)
		})
	}

	owner, err := f.store.FindOwner(ctx, "sandbox", addr)
	require.NoError(t, err)
	assert.Equal(t, "alice", owner.UserID)
	assert.Equal(t, aliceCol, owner.CollectionID)
}

func TestImportSecret_Mnemonic(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	alice := openSession(t, "alice", "alice-master-secret-0123456789ab")
	col := f.collection(t, "alice", "trading")

	h, err := f.bridge.ImportSecret(ctx, alice, col, ImportRequest{ChainID: "evm:sim", Format: ImportMnemonic, Secret: []byte(testMnemonic)})
	require.NoError(t, err)
	assert.Equal(t, "0x9858EfFD232B4033E47d90003D41EC34EcaEda94", h.Address)

	info, err := f.store.GetAccount(ctx, "alice", col, "evm:sim", h.Address)
	require.NoError(t, err)
	assert.Equal(t, types.AccountSourceDerived, info.Source)
	assert.Equal(t, "m/44'/60'/0'/0/0", info.DerivationPath)

	second, err := f.bridge.ImportSecret(ctx, alice, col, ImportRequest{
		ChainID: "evm:sim", Format: ImportMnemonic, Secret: []byte(testMnemonic), DerivationPath: "m/44'/60'/0'/0/1",
	})
	require.NoError(t, err)
	assert.NotEqual(t, h.Address, second.Address)
}

func TestImportSecret_InvalidInput(t *testing.T) {
	f := newFixture(t, false)
	alice := openSession(t, "alice", "alice-master-secret-0123456789ab")
	col := f.collection(t, "alice", "trading")

	tests := []struct {
		name string
		req  ImportRequest
		kind apperrors.Kind
	}{
		{name: "unknown_chain", req: ImportRequest{ChainID: "solana", Secret: []byte("00")}, kind: apperrors.KindChainNotSupported},
		{name: "not_hex", req: ImportRequest{ChainID: "sandbox", Secret: []byte("zz")}, kind: apperrors.KindInvalidArgument},
		{name: "wrong_length", req: ImportRequest{ChainID: "sandbox", Secret: []byte("0102")}, kind: apperrors.KindInvalidArgument},
		{name: "bad_mnemonic", req: ImportRequest{ChainID: "sandbox", Format: ImportMnemonic, Secret: []byte("abandon about")}, kind: apperrors.KindInvalidArgument},
		{name: "bad_path", req: ImportRequest{ChainID: "sandbox", Format: ImportMnemonic, Secret: []byte(testMnemonic), DerivationPath: "x/1"}, kind: apperrors.KindInvalidArgument},
		{name: "unknown_format", req: ImportRequest{ChainID: "sandbox", Format: "wif", Secret: []byte("00")}, kind: apperrors.KindInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.bridge.ImportSecret(context.Background(), alice, col, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperrors.KindOf(err))
		})
	}

	accounts, err := f.store.GetAccounts(context.Background(), "alice", col)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestExportSecret_Formats(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	alice := openSession(t, "alice", "alice-master-secret-0123456789ab")
	col := f.collection(t, "alice", "trading")
	keyHex, addr := f.sandboxKey(t)
	_, err := f.bridge.ImportSecret(ctx, alice, col, ImportRequest{ChainID: "sandbox", Secret: []byte(keyHex)})
	require.NoError(t, err)

	recipient, recipientPub, err := pkgcrypto.GenerateRecipientKeyPair()
	require.NoError(t, err)

	tests := []struct {
		name  string
		req   ExportRequest
		check func(t *testing.T, out *ExportedMaterial)
	}{
		{
			name: "raw",
			req:  ExportRequest{Format: ExportRaw},
			check: func(t *testing.T, out *ExportedMaterial) {
				assert.Equal(t, keyHex, out.PrivateKey)
			},
		},
		{
			name: "keystore",
			req:  ExportRequest{Format: ExportKeystore, Password: "correct horse"},
			check: func(t *testing.T, out *ExportedMaterial) {
				var cj keystore.CryptoJSON
				require.NoError(t, json.Unmarshal(out.Keystore, &cj))
				secret, err := keystore.DecryptDataV3(cj, "correct horse")
				require.NoError(t, err)
				assert.Equal(t, keyHex, hex.EncodeToString(secret))
				_, err = keystore.DecryptDataV3(cj, "wrong password")
				assert.Error(t, err)
			},
		},
		{
			name: "hpke",
			req:  ExportRequest{Format: ExportHPKE, RecipientPublicKey: recipientPub},
			check: func(t *testing.T, out *ExportedMaterial) {
				plain, err := pkgcrypto.OpenFromSender(recipient, out.HPKE, crypto.AccountAD("sandbox", addr))
				require.NoError(t, err)
				assert.Equal(t, keyHex, string(plain))
			},
		},
		{
			name: "recovery_shares",
			req:  ExportRequest{Format: ExportRecoveryShares, Shares: 5, Threshold: 3},
			check: func(t *testing.T, out *ExportedMaterial) {
				require.Len(t, out.Shares, 5)
				assert.Equal(t, 3, out.Threshold)
				var shares [][]byte
				for _, s := range out.Shares[1:4] {
					b, err := hex.DecodeString(s)
					require.NoError(t, err)
					shares = append(shares, b)
				}
				secret, err := crypto.CombineShares(shares)
				require.NoError(t, err)
				assert.Equal(t, keyHex, hex.EncodeToString(secret))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.ChainID, req.Address = "sandbox", addr
			out, err := f.bridge.ExportSecret(ctx, alice, col, req)
			require.NoError(t, err)
			assert.Equal(t, addr, out.Address)
			assert.Equal(t, tt.req.Format, out.Format)
			tt.check(t, out)
		})
	}

	recs := f.audit(t, "alice", col, types.AuditExportSecret)
	require.Len(t, recs, len(tests))
	for i, rec := range recs {
		assert.Equal(t, types.OutcomeSuccess, rec.Outcome)
		assert.Equal(t, tests[i].req.Format, rec.Detail)
	}

	info, err := f.store.GetAccount(ctx, "alice", col, "sandbox", addr)
	require.NoError(t, err)
	assert.NotNil(t, info.ExportedAt)
}

func TestExportSecret_SummaryDoesNotDecrypt(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	alice := openSession(t, "alice", "alice-master-secret-0123456789ab")
	col := f.collection(t, "alice", "trading")
	keyHex, addr := f.sandboxKey(t)
	_, err := f.bridge.ImportSecret(ctx, alice, col, ImportRequest{ChainID: "sandbox", Secret: []byte(keyHex), Label: "hot"})
	require.NoError(t, err)

	wrong := openSession(t, "alice", "not-alices-master-secret-0123456")
	out, err := f.bridge.ExportSecret(ctx, wrong, col, ExportRequest{ChainID: "sandbox", Address: addr, Format: ExportSummary})
	require.NoError(t, err)
	require.NotNil(t, out.Summary)
	assert.Equal(t, "hot", out.Summary.Metadata["label"])
	assert.Empty(t, out.PrivateKey)
	assert.Nil(t, out.Summary.ExportedAt)
	assert.Empty(t, f.audit(t, "alice", col, types.AuditExportSecret))
}

func TestExportSecret_WrongMasterIsIntegrityFailure(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	col := f.collection(t, "alice", "trading")
	keyHex, addr := f.sandboxKey(t)
	_, err := f.bridge.ImportSecret(ctx, openSession(t, "alice", "alice-master-secret-0123456789ab"), col, ImportRequest{ChainID: "sandbox", Secret: []byte(keyHex)})
	require.NoError(t, err)

	wrong := openSession(t, "alice", "not-alices-master-secret-0123456")
	_, err = f.bridge.ExportSecret(ctx, wrong, col, ExportRequest{ChainID: "sandbox", Address: addr, Format: ExportRaw})
	assert.ErrorIs(t, err, apperrors.ErrIntegrity)

	recs := f.audit(t, "alice", col, types.AuditExportSecret)
	require.Len(t, recs, 1)
	assert.Equal(t, types.OutcomeDecryptFailure, recs[0].Outcome)

	info, err := f.store.GetAccount(ctx, "alice", col, "sandbox", addr)
	require.NoError(t, err)
	assert.Nil(t, info.ExportedAt)
}

func TestExportSecret_Validation(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	alice := openSession(t, "alice", "alice-master-secret-0123456789ab")
	col := f.collection(t, "alice", "trading")
	keyHex, addr := f.sandboxKey(t)
	_, err := f.bridge.ImportSecret(ctx, alice, col, ImportRequest{ChainID: "sandbox", Secret: []byte(keyHex)})
	require.NoError(t, err)
	_, stranger := f.sandboxKey(t)

	tests := []struct {
		name string
		req  ExportRequest
		kind apperrors.Kind
	}{
		{name: "short_password", req: ExportRequest{Address: addr, Format: ExportKeystore, Password: "short"}, kind: apperrors.KindInvalidArgument},
		{name: "missing_recipient", req: ExportRequest{Address: addr, Format: ExportHPKE}, kind: apperrors.KindInvalidArgument},
		{name: "malformed_recipient", req: ExportRequest{Address: addr, Format: ExportHPKE, RecipientPublicKey: "bm90LWEta2V5"}, kind: apperrors.KindInvalidArgument},
		{name: "threshold_above_shares", req: ExportRequest{Address: addr, Format: ExportRecoveryShares, Shares: 2, Threshold: 3}, kind: apperrors.KindInvalidArgument},
		{name: "unknown_format", req: ExportRequest{Address: addr, Format: "pem"}, kind: apperrors.KindInvalidArgument},
		{name: "foreign_account", req: ExportRequest{Address: stranger, Format: ExportRaw}, kind: apperrors.KindAccountNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.ChainID = "sandbox"
			_, err := f.bridge.ExportSecret(ctx, alice, col, req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperrors.KindOf(err))
		})
	}
	assert.Empty(t, f.audit(t, "alice", col, types.AuditExportSecret))
}

// unmarkableStore fails to stamp exported_at, after the secret is decrypted.
type unmarkableStore struct {
	*storage.MemoryStore
}

func (unmarkableStore) MarkExported(ctx context.Context, userID string, collectionID uuid.UUID, chainID, address, format string) error {
	return apperrors.Internal(errors.New("connection reset"))
}

func TestExportSecret_FailureAfterDecryptIsAudited(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	alice := openSession(t, "alice", "alice-master-secret-0123456789ab")
	col := f.collection(t, "alice", "trading")
	keyHex, addr := f.sandboxKey(t)
	_, err := f.bridge.ImportSecret(ctx, alice, col, ImportRequest{ChainID: "sandbox", Secret: []byte(keyHex)})
	require.NoError(t, err)

	broken := New(unmarkableStore{f.store}, f.bridge.chains)
	out, err := broken.ExportSecret(ctx, alice, col, ExportRequest{ChainID: "sandbox", Address: addr, Format: ExportRaw})
	assert.Nil(t, out)
	assert.Equal(t, apperrors.KindInternal, apperrors.KindOf(err))

	recs := f.audit(t, "alice", col, types.AuditExportSecret)
	require.Len(t, recs, 1)
	assert.Equal(t, types.OutcomeFailure, recs[0].Outcome)
	assert.Equal(t, addr, recs[0].AccountAddress)
	assert.Equal(t, "error="+string(apperrors.KindInternal), recs[0].Detail)
}

func TestKeystore_EVMRoundTrip(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	alice := openSession(t, "alice", "alice-master-secret-0123456789ab")
	col := f.collection(t, "alice", "trading")

	h, err := f.bridge.ImportSecret(ctx, alice, col, ImportRequest{ChainID: "evm:sim", Format: ImportMnemonic, Secret: []byte(testMnemonic)})
	require.NoError(t, err)

	out, err := f.bridge.ExportSecret(ctx, alice, col, ExportRequest{ChainID: "evm:sim", Address: h.Address, Format: ExportKeystore, Password: "correct horse"})
	require.NoError(t, err)

	key, err := keystore.DecryptKey(out.Keystore, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, h.Address, key.Address.Hex())

	require.NoError(t, f.store.RemoveAccount(ctx, "alice", col, "evm:sim", h.Address, false))

	again, err := f.bridge.ImportSecret(ctx, alice, col, ImportRequest{ChainID: "evm:sim", Format: ImportKeystore, Secret: out.Keystore, Passphrase: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, h.Address, again.Address)
}

func TestBridge_ClosedSession(t *testing.T) {
	f := newFixture(t, false)
	alice := openSession(t, "alice", "alice-master-secret-0123456789ab")
	col := f.collection(t, "alice", "trading")
	keyHex, addr := f.sandboxKey(t)
	alice.Close()

	_, err := f.bridge.ImportSecret(context.Background(), alice, col, ImportRequest{ChainID: "sandbox", Secret: []byte(keyHex)})
	assert.ErrorIs(t, err, apperrors.ErrPermissionDenied)
	_, err = f.bridge.ExportSecret(context.Background(), alice, col, ExportRequest{ChainID: "sandbox", Address: addr, Format: ExportRaw})
	assert.ErrorIs(t, err, apperrors.ErrPermissionDenied)
}
