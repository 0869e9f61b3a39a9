package capability

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/better-wallet/agentvault/internal/policy"
	apperrors "github.com/better-wallet/agentvault/pkg/errors"
	"github.com/better-wallet/agentvault/pkg/types"
)

// checkRead gates a read. Reads are not audited and never park for
// approval.
func (b binding) checkRead(ctx context.Context, kind types.OperationKind, chainID string) error {
	if err := b.live(); err != nil {
		return err
	}
	res := b.evaluate(ctx, &policy.EvaluationContext{Operation: kind, ChainID: chainID})
	switch res.Decision {
	case policy.DecisionAllow:
		return nil
	case policy.DecisionRequireApproval:
		return apperrors.PermissionDenied("read operations cannot be approved individually")
	}
	return apperrors.PermissionDenied(res.Reason)
}

// ownedAccount resolves an address to an account of the bound collection.
func (b binding) ownedAccount(ctx context.Context, chainID, address string) (string, error) {
	if err := requireField("chain_id", chainID); err != nil {
		return "", err
	}
	if err := requireField("address", address); err != nil {
		return "", err
	}
	adapter, err := b.f.chains.Get(chainID)
	if err != nil {
		return "", chainError(chainID, err)
	}
	normalized, err := adapter.NormalizeAddress(address)
	if err != nil {
		return "", chainError(chainID, err)
	}
	if _, err := b.f.store.GetAccount(ctx, b.userID, b.collectionID, chainID, normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

type listAccountsOp struct{ b binding }

func (listAccountsOp) sealed() {}

func (listAccountsOp) Kind() types.OperationKind { return types.OpListAccounts }

func (listAccountsOp) Description() string {
	return "List the accounts of this collection with their chain, address and metadata."
}

func (o listAccountsOp) Invoke(ctx context.Context, raw json.RawMessage) Result {
	ctx = o.b.logContext(ctx, o.Kind())
	if err := decodeArgs(raw, &struct{}{}); err != nil {
		return failure(err)
	}
	if err := o.b.checkRead(ctx, o.Kind(), ""); err != nil {
		return failure(err)
	}
	accounts, err := o.b.f.store.GetAccounts(ctx, o.b.userID, o.b.collectionID)
	if err != nil {
		return failure(err)
	}
	return success(accounts)
}

type getBalanceOp struct{ b binding }

func (getBalanceOp) sealed() {}

func (getBalanceOp) Kind() types.OperationKind { return types.OpGetBalance }

func (getBalanceOp) Description() string {
	return "Get every asset balance of one account in this collection. Args: chain_id, address."
}

func (o getBalanceOp) Invoke(ctx context.Context, raw json.RawMessage) Result {
	ctx = o.b.logContext(ctx, o.Kind())
	var args AccountArgs
	if err := decodeArgs(raw, &args); err != nil {
		return failure(err)
	}
	if err := o.b.checkRead(ctx, o.Kind(), args.ChainID); err != nil {
		return failure(err)
	}
	address, err := o.b.ownedAccount(ctx, args.ChainID, args.Address)
	if err != nil {
		return failure(err)
	}

	balances, err := o.b.f.cache.GetOrLoad(ctx, args.ChainID, address, func(ctx context.Context) (*types.Balances, error) {
		return o.b.f.chains.GetBalance(ctx, args.ChainID, address)
	})
	if err != nil {
		return failure(chainError(args.ChainID, err))
	}
	return success(balances)
}

type getHistoryOp struct{ b binding }

func (getHistoryOp) sealed() {}

func (getHistoryOp) Kind() types.OperationKind { return types.OpGetHistory }

func (getHistoryOp) Description() string {
	return "List recent transactions of one account in this collection, newest first. Args: chain_id, address, limit."
}

func (o getHistoryOp) Invoke(ctx context.Context, raw json.RawMessage) Result {
	ctx = o.b.logContext(ctx, o.Kind())
	var args HistoryArgs
	if err := decodeArgs(raw, &args); err != nil {
		return failure(err)
	}
	if err := o.b.checkRead(ctx, o.Kind(), args.ChainID); err != nil {
		return failure(err)
	}
	address, err := o.b.ownedAccount(ctx, args.ChainID, args.Address)
	if err != nil {
		return failure(err)
	}

	cfg := o.b.f.cfg
	limit := args.Limit
	if limit <= 0 {
		limit = cfg.HistoryLimit
	}
	if cfg.MaxHistoryLimit > 0 && limit > cfg.MaxHistoryLimit {
		limit = cfg.MaxHistoryLimit
	}

	history, err := o.b.f.chains.GetHistory(ctx, args.ChainID, address, limit)
	if err != nil {
		return failure(chainError(args.ChainID, err))
	}
	return success(history)
}

type getTransactionOp struct{ b binding }

func (getTransactionOp) sealed() {}

func (getTransactionOp) Kind() types.OperationKind { return types.OpGetTransaction }

func (getTransactionOp) Description() string {
	return "Look up one transaction by id. Args: chain_id, tx_id."
}

func (o getTransactionOp) Invoke(ctx context.Context, raw json.RawMessage) Result {
	ctx = o.b.logContext(ctx, o.Kind())
	var args TransactionArgs
	if err := decodeArgs(raw, &args); err != nil {
		return failure(err)
	}
	if err := o.b.checkRead(ctx, o.Kind(), args.ChainID); err != nil {
		return failure(err)
	}
	if err := requireField("tx_id", args.TxID); err != nil {
		return failure(err)
	}

	receipt, err := o.b.f.chains.GetTransaction(ctx, args.ChainID, args.TxID)
	if err != nil {
		return failure(chainError(args.ChainID, err))
	}
	res := success(receipt)
	res.TxID, res.Status = receipt.TxID, receipt.Status
	return res
}

type awaitTransactionOp struct{ b binding }

func (awaitTransactionOp) sealed() {}

func (awaitTransactionOp) Kind() types.OperationKind { return types.OpAwaitTransaction }

func (awaitTransactionOp) Description() string {
	return "Wait until a transaction succeeds or fails. Status unknown means the outcome is not known yet and the transfer must not be repeated. Args: chain_id, tx_id, timeout_seconds."
}

func (o awaitTransactionOp) Invoke(ctx context.Context, raw json.RawMessage) Result {
	ctx = o.b.logContext(ctx, o.Kind())
	var args AwaitArgs
	if err := decodeArgs(raw, &args); err != nil {
		return failure(err)
	}
	if err := o.b.checkRead(ctx, o.Kind(), args.ChainID); err != nil {
		return failure(err)
	}
	if err := requireField("tx_id", args.TxID); err != nil {
		return failure(err)
	}

	timeout := awaitTimeout(o.b.f.cfg, args.TimeoutSeconds)
	receipt, err := o.b.f.chains.AwaitTransaction(ctx, args.ChainID, args.TxID, timeout)
	if err != nil {
		return failure(chainError(args.ChainID, err))
	}
	res := success(receipt)
	res.TxID, res.Status = receipt.TxID, receipt.Status
	return res
}

var (
	_ Operation = listAccountsOp{}
	_ Operation = getBalanceOp{}
	_ Operation = getHistoryOp{}
	_ Operation = getTransactionOp{}
	_ Operation = awaitTransactionOp{}
)

// awaitTimeout resolves a caller's timeout_seconds against cfg. seconds is
// clamped before it becomes a Duration so large values cannot overflow.
func awaitTimeout(cfg Config, seconds int) time.Duration {
	timeout := cfg.AwaitTimeout
	if seconds > 0 {
		limit := int64(math.MaxInt64 / int64(time.Second))
		if cfg.MaxAwaitTimeout > 0 {
			limit = int64(cfg.MaxAwaitTimeout/time.Second) + 1
		}
		timeout = time.Duration(min(int64(seconds), limit)) * time.Second
	}
	if cfg.MaxAwaitTimeout > 0 && timeout > cfg.MaxAwaitTimeout {
		timeout = cfg.MaxAwaitTimeout
	}
	return timeout
}
