package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/better-wallet/agentvault/internal/chain"
	"github.com/better-wallet/agentvault/internal/crypto"
	"github.com/better-wallet/agentvault/internal/policy"
	"github.com/better-wallet/agentvault/internal/session"
	apperrors "github.com/better-wallet/agentvault/pkg/errors"
	"github.com/better-wallet/agentvault/pkg/types"
)

type createAccountOp struct{ b binding }

func (createAccountOp) sealed() {}

func (createAccountOp) Kind() types.OperationKind { return types.OpCreateAccount }

func (createAccountOp) Description() string {
	return "Generate a new account in this collection. Args: chain_id, label, approval_id."
}

// Invoke appends exactly one audit record. Once the account reaches the
// store, the store's own add record is that record.
func (o createAccountOp) Invoke(ctx context.Context, raw json.RawMessage) Result {
	ctx = o.b.logContext(ctx, o.Kind())
	rec := o.b.newRecord(o.Kind())
	res, stored := o.run(ctx, raw, rec)
	if !stored {
		o.b.appendAudit(ctx, rec)
	}
	return res
}

func (o createAccountOp) run(ctx context.Context, raw json.RawMessage, rec *types.AuditRecord) (Result, bool) {
	b := o.b
	if err := b.live(); err != nil {
		return fail(rec, types.OutcomeDenied, err), false
	}

	var args CreateAccountArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(rec, types.OutcomeFailure, err), false
	}
	if err := requireField("chain_id", args.ChainID); err != nil {
		return fail(rec, types.OutcomeFailure, err), false
	}
	adapter, err := b.f.chains.Get(args.ChainID)
	if err != nil {
		return fail(rec, types.OutcomeFailure, chainError(args.ChainID, err)), false
	}
	rec.ChainID = args.ChainID

	canonical := args
	canonical.ApprovalID = ""
	gate := b.gate(ctx, rec,
		&policy.EvaluationContext{Operation: types.OpCreateAccount, ChainID: args.ChainID},
		argsDigest(types.OpCreateAccount, canonical),
		args.ApprovalID,
		fmt.Sprintf("create account on %s", args.ChainID),
	)
	if gate.stop != nil {
		return *gate.stop, false
	}
	ctx = gate.ctx

	account, err := b.sealNewAccount(adapter)
	if err != nil {
		return fail(rec, types.OutcomeFailure, err), false
	}
	if args.Label != "" {
		account.Metadata = map[string]string{"label": args.Label}
	}

	unlock, err := b.f.locks.Lock(ctx, b.collectionID)
	if err != nil {
		return fail(rec, types.OutcomeFailure, apperrors.Internal(fmt.Errorf("failed to acquire collection lock: %w", err))), false
	}
	defer unlock()

	handle, err := b.f.store.AddAccount(ctx, b.userID, b.collectionID, account, types.AuditOperation(types.OpCreateAccount))
	if err != nil {
		return failure(err), true
	}
	return success(handle), true
}

// sealNewAccount generates a secret and encrypts it under the collection
// key. The plaintext never leaves this call.
func (b binding) sealNewAccount(adapter chain.Adapter) (*types.ChainAccount, error) {
	secret, err := adapter.GenerateSecret()
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	defer crypto.Zero(secret)

	address, err := adapter.DeriveAddress(secret)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	salt, err := crypto.NewAccountSalt()
	if err != nil {
		return nil, apperrors.Internal(err)
	}

	ck, err := b.sess.CollectionKey(b.collectionID)
	if errors.Is(err, session.ErrClosed) {
		return nil, apperrors.PermissionDenied("session closed")
	}
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	defer ck.Destroy()

	ciphertext, err := crypto.SealAccountSecret(ck, salt, secret, crypto.AccountAD(adapter.ChainID(), address))
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return &types.ChainAccount{
		ChainID:         adapter.ChainID(),
		Address:         address,
		EncryptedSecret: ciphertext,
		Salt:            salt,
		Source:          types.AccountSourceGenerated,
	}, nil
}

var _ Operation = createAccountOp{}
