// Package bridge moves key material into and out of custody. Raw secrets
// exist only in transient memory between parsing and sealing (import) or
// between opening and formatting (export).
package bridge

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/google/uuid"

	"github.com/better-wallet/agentvault/internal/chain"
	"github.com/better-wallet/agentvault/internal/crypto"
	"github.com/better-wallet/agentvault/internal/locks"
	"github.com/better-wallet/agentvault/internal/logger"
	"github.com/better-wallet/agentvault/internal/metrics"
	"github.com/better-wallet/agentvault/internal/session"
	"github.com/better-wallet/agentvault/internal/storage"
	apperrors "github.com/better-wallet/agentvault/pkg/errors"
	"github.com/better-wallet/agentvault/pkg/types"
)

// Import formats.
const (
	ImportPrivateKey = "private_key"
	ImportMnemonic   = "mnemonic"
	ImportKeystore   = "keystore"
)

// Export formats.
const (
	ExportRaw            = "raw"
	ExportKeystore       = "keystore"
	ExportHPKE           = "hpke"
	ExportRecoveryShares = "recovery_shares"
	ExportSummary        = "summary"
)

// MinExportPasswordLength applies to keystore exports.
const MinExportPasswordLength = 8

// Bridge imports and exports account secrets for one store.
type Bridge struct {
	store   storage.Store
	chains  *chain.Registry
	locks   *locks.Collections
	metrics *metrics.Metrics

	scryptN int
	scryptP int
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithScrypt sets the keystore KDF cost. Tests use the light parameters.
func WithScrypt(n, p int) Option {
	return func(b *Bridge) {
		b.scryptN, b.scryptP = n, p
	}
}

// WithMetrics counts decrypt failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) {
		b.metrics = m
	}
}

// WithLocks shares the collection locks the signing path holds. Without it
// the bridge only serializes against itself.
func WithLocks(l *locks.Collections) Option {
	return func(b *Bridge) {
		b.locks = l
	}
}

// New creates a bridge.
func New(store storage.Store, chains *chain.Registry, opts ...Option) *Bridge {
	b := &Bridge{
		store:   store,
		chains:  chains,
		scryptN: keystore.StandardScryptN,
		scryptP: keystore.StandardScryptP,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.locks == nil {
		b.locks = locks.NewCollections()
	}
	return b
}

// ImportRequest describes external key material entering custody.
type ImportRequest struct {
	ChainID string
	Format  string
	// Secret is a hex private key, a mnemonic phrase, or keystore JSON. It
	// is zeroed before ImportSecret returns.
	Secret []byte
	// Passphrase is the BIP-39 passphrase or the keystore password.
	Passphrase     string
	DerivationPath string
	Label          string
}

// ImportSecret derives the address of req.Secret, seals the secret under the
// collection key and stores it. An address already in custody anywhere
// fails with OwnershipConflict and nothing is written.
func (b *Bridge) ImportSecret(ctx context.Context, sess *session.Session, collectionID uuid.UUID, req ImportRequest) (*types.AccountHandle, error) {
	defer crypto.Zero(req.Secret)
	if err := live(sess); err != nil {
		return nil, err
	}
	ctx = logger.With(ctx, "user_id", sess.UserID(), "collection_id", collectionID, "chain_id", req.ChainID)

	adapter, err := b.chains.Get(req.ChainID)
	if err != nil {
		return nil, apperrors.ChainNotSupported(req.ChainID)
	}

	secret, path, err := b.parseSecret(adapter, req)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(secret)

	address, err := adapter.DeriveAddress(secret)
	if err != nil {
		return nil, apperrors.InvalidArgument("secret is not a valid key for this chain")
	}

	account, err := seal(sess, collectionID, adapter.ChainID(), address, secret)
	if err != nil {
		return nil, err
	}
	account.DerivationPath = path
	account.Source = types.AccountSourceImported
	if path != "" {
		account.Source = types.AccountSourceDerived
	}
	if req.Label != "" {
		account.Metadata = map[string]string{"label": req.Label}
	}

	unlock, err := b.locks.Lock(ctx, collectionID)
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to acquire collection lock: %w", err))
	}
	defer unlock()

	handle, err := b.store.AddAccount(ctx, sess.UserID(), collectionID, account, types.AuditImportSecret)
	if err != nil {
		if errors.Is(err, apperrors.ErrOwnershipConflict) {
			logger.Warn(ctx, "import rejected: address already in custody", "address", address)
		}
		return nil, err
	}
	logger.Info(ctx, "account imported", "address", address, "source", account.Source)
	return handle, nil
}

func (b *Bridge) parseSecret(adapter chain.Adapter, req ImportRequest) ([]byte, string, error) {
	switch req.Format {
	case ImportPrivateKey, "":
		raw := strings.TrimPrefix(strings.TrimSpace(string(req.Secret)), "0x")
		secret, err := hex.DecodeString(raw)
		if err != nil || len(secret) == 0 {
			return nil, "", apperrors.InvalidArgument("private key must be hex encoded")
		}
		return secret, "", nil

	case ImportMnemonic:
		seed, err := chain.SeedFromMnemonic(string(req.Secret), req.Passphrase)
		if err != nil {
			return nil, "", apperrors.InvalidArgument("invalid mnemonic")
		}
		defer crypto.Zero(seed)
		path := req.DerivationPath
		if path == "" {
			path = adapter.DefaultDerivationPath()
		}
		secret, err := adapter.DeriveFromSeed(seed, path)
		if err != nil {
			return nil, "", apperrors.InvalidArgument(fmt.Sprintf("cannot derive key at %s", path))
		}
		return secret, path, nil

	case ImportKeystore:
		secret, err := openKeystore(adapter.ChainID(), req.Secret, req.Passphrase)
		if err != nil {
			return nil, "", apperrors.InvalidArgument("keystore cannot be opened with this password")
		}
		return secret, "", nil
	}
	return nil, "", apperrors.InvalidArgument(fmt.Sprintf("unknown import format %q", req.Format))
}

// openKeystore accepts a Web3 Secret Storage v3 key file on EVM chains and a
// bare v3 crypto section elsewhere, the two shapes ExportSecret produces.
func openKeystore(chainID string, blob []byte, password string) ([]byte, error) {
	if isEVM(chainID) {
		key, err := keystore.DecryptKey(blob, password)
		if err != nil {
			return nil, err
		}
		defer zeroECDSA(key)
		return ethSecret(key), nil
	}
	var cj keystore.CryptoJSON
	if err := json.Unmarshal(blob, &cj); err != nil {
		return nil, err
	}
	return keystore.DecryptDataV3(cj, password)
}

// seal encrypts secret under the session's collection key.
func seal(sess *session.Session, collectionID uuid.UUID, chainID, address string, secret []byte) (*types.ChainAccount, error) {
	salt, err := crypto.NewAccountSalt()
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	ck, err := collectionKey(sess, collectionID)
	if err != nil {
		return nil, err
	}
	defer ck.Destroy()

	ciphertext, err := crypto.SealAccountSecret(ck, salt, secret, crypto.AccountAD(chainID, address))
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return &types.ChainAccount{
		ChainID:         chainID,
		Address:         address,
		EncryptedSecret: ciphertext,
		Salt:            salt,
	}, nil
}

func collectionKey(sess *session.Session, collectionID uuid.UUID) (*crypto.CollectionKey, error) {
	ck, err := sess.CollectionKey(collectionID)
	if errors.Is(err, session.ErrClosed) {
		return nil, apperrors.PermissionDenied("session closed")
	}
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return ck, nil
}

func live(sess *session.Session) error {
	if sess == nil || sess.Closed() {
		return apperrors.PermissionDenied("session closed")
	}
	return nil
}

func isEVM(chainID string) bool {
	return chainID == types.ChainKindEVM || strings.HasPrefix(chainID, types.ChainKindEVM+":")
}
