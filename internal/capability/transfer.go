package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/better-wallet/agentvault/internal/chain"
	"github.com/better-wallet/agentvault/internal/crypto"
	"github.com/better-wallet/agentvault/internal/logger"
	"github.com/better-wallet/agentvault/internal/policy"
	"github.com/better-wallet/agentvault/internal/session"
	apperrors "github.com/better-wallet/agentvault/pkg/errors"
	"github.com/better-wallet/agentvault/pkg/types"
)

type transferOp struct{ b binding }

func (transferOp) sealed() {}

func (transferOp) Kind() types.OperationKind { return types.OpTransfer }

func (transferOp) Description() string {
	return "Sign and submit a transfer from an account of this collection. Args: chain_id, from, to, asset, amount (integer, smallest unit), memo, approval_id."
}

// Invoke appends exactly one audit record, after the outcome is known.
func (o transferOp) Invoke(ctx context.Context, raw json.RawMessage) Result {
	ctx = o.b.logContext(ctx, o.Kind())
	rec := o.b.newRecord(o.Kind())
	res := o.run(ctx, raw, rec)
	o.b.appendAudit(ctx, rec)
	return res
}

func (o transferOp) run(ctx context.Context, raw json.RawMessage, rec *types.AuditRecord) Result {
	b := o.b
	if err := b.live(); err != nil {
		return fail(rec, types.OutcomeDenied, err)
	}

	var args TransferArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(rec, types.OutcomeFailure, err)
	}
	for _, f := range [][2]string{{"chain_id", args.ChainID}, {"from", args.From}, {"to", args.To}, {"asset", args.Asset}} {
		if err := requireField(f[0], f[1]); err != nil {
			return fail(rec, types.OutcomeFailure, err)
		}
	}

	adapter, err := b.f.chains.Get(args.ChainID)
	if err != nil {
		return fail(rec, types.OutcomeFailure, chainError(args.ChainID, err))
	}
	rec.ChainID = args.ChainID
	from, err := adapter.NormalizeAddress(args.From)
	if err != nil {
		return fail(rec, types.OutcomeFailure, chainError(args.ChainID, err))
	}
	rec.AccountAddress = from
	to, err := adapter.NormalizeAddress(args.To)
	if err != nil {
		return fail(rec, types.OutcomeFailure, chainError(args.ChainID, err))
	}
	amount, err := parseAmount(args.Amount)
	if err != nil {
		return fail(rec, types.OutcomeFailure, err)
	}
	rec.Detail = fmt.Sprintf("asset=%s amount=%s to=%s", args.Asset, amount, to)

	canonical := args
	canonical.From, canonical.To, canonical.Amount, canonical.ApprovalID = from, to, amount.String(), ""
	gate := b.gate(ctx, rec,
		&policy.EvaluationContext{Operation: types.OpTransfer, ChainID: args.ChainID, Asset: args.Asset, Amount: amount},
		argsDigest(types.OpTransfer, canonical),
		args.ApprovalID,
		fmt.Sprintf("transfer %s %s from %s to %s on %s", amount, args.Asset, from, to, args.ChainID),
	)
	if gate.stop != nil {
		b.f.metrics.ObserveSign(args.ChainID, string(rec.Outcome))
		return *gate.stop
	}
	ctx = gate.ctx

	if _, err := b.f.store.GetAccount(ctx, b.userID, b.collectionID, args.ChainID, from); err != nil {
		return fail(rec, types.OutcomeFailure, err)
	}

	payload := types.UnsignedPayload{Asset: args.Asset, To: to, Amount: amount, Memo: args.Memo}
	prepared, err := b.f.chains.Prepare(ctx, args.ChainID, from, payload)
	if err != nil {
		return fail(rec, types.OutcomeFailure, chainError(args.ChainID, err))
	}

	signed, err := b.sign(ctx, adapter, prepared, args.ChainID, from)
	if err != nil {
		outcome := types.OutcomeFailure
		if errors.Is(err, apperrors.ErrIntegrity) {
			outcome = types.OutcomeDecryptFailure
			b.f.metrics.ObserveDecryptFailure()
			logger.Error(ctx, "account secret failed authentication", "chain_id", args.ChainID, "address", from)
		}
		b.f.metrics.ObserveSign(args.ChainID, string(outcome))
		return fail(rec, outcome, err)
	}
	rec.TxID = signed.TxID

	sub, err := b.f.chains.Submit(ctx, signed)
	if err != nil {
		if chain.IsRejected(err) {
			b.f.metrics.ObserveSign(args.ChainID, string(types.OutcomeFailure))
			return fail(rec, types.OutcomeFailure, apperrors.SubmissionFailed("the ledger rejected the transaction", err))
		}
		logger.Error(ctx, "transfer outcome unknown", "tx_id", signed.TxID, "error", err)
		b.f.metrics.ObserveSign(args.ChainID, string(types.OutcomeUnknown))
		return fail(rec, types.OutcomeUnknown, apperrors.SubmissionUnknown(signed.TxID, err))
	}

	if err := b.f.cache.Invalidate(ctx, args.ChainID, from); err != nil {
		logger.Warn(ctx, "failed to invalidate cached balance", "error", err)
	}
	b.f.metrics.ObserveSign(args.ChainID, string(types.OutcomeSuccess))
	logger.Info(ctx, "transfer submitted", "chain_id", args.ChainID, "from", from, "tx_id", sub.TxID)

	rec.Outcome = types.OutcomeSuccess
	rec.TxID = sub.TxID
	return Result{OK: true, TxID: sub.TxID, Status: sub.Status}
}

// sign loads the account secret, decrypts it and signs prepared under the
// collection lock, so an account removed concurrently is never signed for.
// The lock covers the local signing decision only; it is released before
// anything goes over the network.
func (b binding) sign(ctx context.Context, adapter chain.Adapter, prepared *chain.PreparedTx, chainID, address string) (*chain.SignedTx, error) {
	unlock, err := b.f.locks.Lock(ctx, b.collectionID)
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to acquire collection lock: %w", err))
	}
	defer unlock()

	material, err := b.f.store.GetSigningMaterial(ctx, b.userID, b.collectionID, chainID, address)
	if err != nil {
		return nil, err
	}

	ck, err := b.sess.CollectionKey(b.collectionID)
	if errors.Is(err, session.ErrClosed) {
		return nil, apperrors.PermissionDenied("session closed")
	}
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	defer ck.Destroy()

	account := material.Account
	secret, err := crypto.OpenAccountSecret(ck, material.Salt, material.EncryptedSecret, crypto.AccountAD(account.ChainID, account.Address))
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(secret)

	signed, err := adapter.Sign(prepared, secret)
	if err != nil {
		return nil, chainError(account.ChainID, err)
	}
	return signed, nil
}

var _ Operation = transferOp{}
