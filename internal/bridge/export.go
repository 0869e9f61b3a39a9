package bridge

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/better-wallet/agentvault/internal/crypto"
	"github.com/better-wallet/agentvault/internal/logger"
	"github.com/better-wallet/agentvault/internal/session"
	apperrors "github.com/better-wallet/agentvault/pkg/errors"
	pkgcrypto "github.com/better-wallet/agentvault/pkg/crypto"
	"github.com/better-wallet/agentvault/pkg/types"
)

// ExportRequest selects an account and the output format.
type ExportRequest struct {
	ChainID string
	Address string
	Format  string
	// Password protects keystore exports.
	Password string
	// RecipientPublicKey is the base64 P-256 key hpke exports are sealed to.
	RecipientPublicKey string
	// Shares and Threshold shape recovery_shares exports.
	Shares    int
	Threshold int
}

// ExportedMaterial is returned once per call. Only the field matching Format
// is set.
type ExportedMaterial struct {
	ChainID    string                  `json:"chain_id"`
	Address    string                  `json:"address"`
	Format     string                  `json:"format"`
	PrivateKey string                  `json:"private_key,omitempty"`
	Keystore   json.RawMessage         `json:"keystore,omitempty"`
	HPKE       *pkgcrypto.HPKEEnvelope `json:"hpke,omitempty"`
	Shares     []string                `json:"shares,omitempty"`
	Threshold  int                     `json:"threshold,omitempty"`
	Summary    *types.AccountInfo      `json:"summary,omitempty"`
}

// ExportSecret decrypts one account and formats it. Every call decrypts
// afresh; nothing is cached. Secret-bearing formats stamp exported_at and
// are audited; the summary format never decrypts.
func (b *Bridge) ExportSecret(ctx context.Context, sess *session.Session, collectionID uuid.UUID, req ExportRequest) (*ExportedMaterial, error) {
	if err := live(sess); err != nil {
		return nil, err
	}
	userID := sess.UserID()
	ctx = logger.With(ctx, "user_id", userID, "collection_id", collectionID, "chain_id", req.ChainID, "format", req.Format)

	adapter, err := b.chains.Get(req.ChainID)
	if err != nil {
		return nil, apperrors.ChainNotSupported(req.ChainID)
	}
	address, err := adapter.NormalizeAddress(req.Address)
	if err != nil {
		return nil, apperrors.InvalidArgument("invalid address")
	}

	if req.Format == ExportSummary {
		info, err := b.store.GetAccount(ctx, userID, collectionID, req.ChainID, address)
		if err != nil {
			return nil, err
		}
		return &ExportedMaterial{ChainID: req.ChainID, Address: address, Format: ExportSummary, Summary: info}, nil
	}
	if err := validateExport(req); err != nil {
		return nil, err
	}

	unlock, err := b.locks.Lock(ctx, collectionID)
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to acquire collection lock: %w", err))
	}
	defer unlock()

	material, err := b.store.GetSigningMaterial(ctx, userID, collectionID, req.ChainID, address)
	if err != nil {
		if errors.Is(err, apperrors.ErrIntegrity) {
			b.recordDecryptFailure(ctx, userID, collectionID, req.ChainID, address)
		}
		return nil, err
	}

	secret, err := b.open(sess, collectionID, material)
	if err != nil {
		if errors.Is(err, apperrors.ErrIntegrity) {
			b.recordDecryptFailure(ctx, userID, collectionID, req.ChainID, address)
		}
		return nil, err
	}
	defer crypto.Zero(secret)

	// From here the secret has been decrypted, so every exit is audited.
	out, err := b.format(req, address, secret)
	if err != nil {
		b.recordExportFailure(ctx, userID, collectionID, req.ChainID, address, types.OutcomeFailure, apperrors.KindOf(err))
		return nil, err
	}

	// The export only leaves the vault once it is on the record.
	if err := b.store.MarkExported(ctx, userID, collectionID, req.ChainID, address, req.Format); err != nil {
		b.recordExportFailure(ctx, userID, collectionID, req.ChainID, address, types.OutcomeFailure, apperrors.KindOf(err))
		return nil, err
	}
	logger.Info(ctx, "account exported", "address", address)
	return out, nil
}

func validateExport(req ExportRequest) error {
	switch req.Format {
	case ExportRaw:
	case ExportKeystore:
		if len(req.Password) < MinExportPasswordLength {
			return apperrors.InvalidArgument(fmt.Sprintf("export password must be at least %d characters", MinExportPasswordLength))
		}
	case ExportHPKE:
		if req.RecipientPublicKey == "" {
			return apperrors.InvalidArgument("recipient public key is required")
		}
		if _, err := pkgcrypto.ParseRecipientPublicKey(req.RecipientPublicKey); err != nil {
			return apperrors.InvalidArgument(err.Error())
		}
	case ExportRecoveryShares:
		if req.Threshold < 2 || req.Shares < req.Threshold || req.Shares > crypto.MaxRecoveryShares {
			return apperrors.InvalidArgument(fmt.Sprintf("need 2 <= threshold <= shares <= %d", crypto.MaxRecoveryShares))
		}
	default:
		return apperrors.InvalidArgument(fmt.Sprintf("unknown export format %q", req.Format))
	}
	return nil
}

func (b *Bridge) open(sess *session.Session, collectionID uuid.UUID, material *types.SigningMaterial) ([]byte, error) {
	ck, err := collectionKey(sess, collectionID)
	if err != nil {
		return nil, err
	}
	defer ck.Destroy()
	account := material.Account
	return crypto.OpenAccountSecret(ck, material.Salt, material.EncryptedSecret, crypto.AccountAD(account.ChainID, account.Address))
}

func (b *Bridge) format(req ExportRequest, address string, secret []byte) (*ExportedMaterial, error) {
	out := &ExportedMaterial{ChainID: req.ChainID, Address: address, Format: req.Format}

	switch req.Format {
	case ExportRaw:
		out.PrivateKey = hex.EncodeToString(secret)

	case ExportKeystore:
		blob, err := b.encryptKeystore(req.ChainID, address, secret, req.Password)
		if err != nil {
			return nil, apperrors.Internal(fmt.Errorf("failed to build keystore: %w", err))
		}
		out.Keystore = blob

	case ExportHPKE:
		env, err := pkgcrypto.SealToRecipient(req.RecipientPublicKey, []byte(hex.EncodeToString(secret)), crypto.AccountAD(req.ChainID, address))
		if err != nil {
			return nil, apperrors.InvalidArgument(err.Error())
		}
		out.HPKE = env

	case ExportRecoveryShares:
		split, err := crypto.SplitSecret(secret, req.Shares, req.Threshold)
		if err != nil {
			return nil, apperrors.InvalidArgument(err.Error())
		}
		out.Threshold = split.Threshold
		for _, share := range split.Shares {
			out.Shares = append(out.Shares, hex.EncodeToString(share))
			crypto.Zero(share)
		}
	}
	return out, nil
}

// encryptKeystore writes a Web3 Secret Storage v3 key file for EVM chains
// and the v3 crypto section alone for others.
func (b *Bridge) encryptKeystore(chainID, address string, secret []byte, password string) ([]byte, error) {
	if !isEVM(chainID) {
		cj, err := keystore.EncryptDataV3(secret, []byte(password), b.scryptN, b.scryptP)
		if err != nil {
			return nil, err
		}
		return json.Marshal(cj)
	}

	priv, err := ethcrypto.ToECDSA(secret)
	if err != nil {
		return nil, err
	}
	key := &keystore.Key{
		Id:         uuid.New(),
		Address:    common.HexToAddress(address),
		PrivateKey: priv,
	}
	defer zeroECDSA(key)
	return keystore.EncryptKey(key, password, b.scryptN, b.scryptP)
}

func (b *Bridge) recordDecryptFailure(ctx context.Context, userID string, collectionID uuid.UUID, chainID, address string) {
	b.metrics.ObserveDecryptFailure()
	logger.Error(ctx, "account secret failed authentication", "address", address)
	b.recordExportFailure(ctx, userID, collectionID, chainID, address, types.OutcomeDecryptFailure, apperrors.KindIntegrity)
}

func (b *Bridge) recordExportFailure(ctx context.Context, userID string, collectionID uuid.UUID, chainID, address string, outcome types.AuditOutcome, kind apperrors.Kind) {
	rec := &types.AuditRecord{
		CollectionID:            collectionID,
		Timestamp:               types.AuditTimestamp(),
		Operation:               types.AuditExportSecret,
		ChainID:                 chainID,
		AccountAddress:          address,
		Outcome:                 outcome,
		ApprovedWithoutOverride: true,
		Detail:                  "error=" + string(kind),
	}
	if err := b.store.AppendAudit(ctx, userID, rec); err != nil {
		logger.Error(ctx, "failed to append audit record", "error", err)
	}
}

func ethSecret(key *keystore.Key) []byte {
	return ethcrypto.FromECDSA(key.PrivateKey)
}

func zeroECDSA(key *keystore.Key) {
	if key == nil || key.PrivateKey == nil {
		return
	}
	key.PrivateKey.D.SetInt64(0)
}
