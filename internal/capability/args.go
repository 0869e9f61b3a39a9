package capability

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	apperrors "github.com/better-wallet/agentvault/pkg/errors"
	"github.com/better-wallet/agentvault/pkg/types"
)

// AccountArgs select one account of the bound collection.
type AccountArgs struct {
	ChainID string `json:"chain_id"`
	Address string `json:"address"`
}

// HistoryArgs are the arguments of get_history.
type HistoryArgs struct {
	ChainID string `json:"chain_id"`
	Address string `json:"address"`
	Limit   int    `json:"limit,omitempty"`
}

// TransactionArgs are the arguments of get_transaction.
type TransactionArgs struct {
	ChainID string `json:"chain_id"`
	TxID    string `json:"tx_id"`
}

// AwaitArgs are the arguments of await_transaction.
type AwaitArgs struct {
	ChainID        string `json:"chain_id"`
	TxID           string `json:"tx_id"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// TransferArgs are the arguments of transfer. Amount is a base-10 integer in
// the asset's smallest unit.
type TransferArgs struct {
	ChainID    string `json:"chain_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	Memo       string `json:"memo,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
}

// CreateAccountArgs are the arguments of create_account.
type CreateAccountArgs struct {
	ChainID    string `json:"chain_id"`
	Label      string `json:"label,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
}

// decodeArgs strictly decodes raw into dst. Unknown fields, identity
// fields included, are rejected.
func decodeArgs(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperrors.InvalidArgument(fmt.Sprintf("malformed arguments: %v", err))
	}
	if dec.More() {
		return apperrors.InvalidArgument("malformed arguments: trailing data")
	}
	return nil
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return apperrors.InvalidArgument(name + " is required")
	}
	return nil
}

func parseAmount(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, apperrors.InvalidArgument("amount must be a base-10 integer")
	}
	if v.Sign() <= 0 {
		return nil, apperrors.InvalidArgument("amount must be positive")
	}
	return v, nil
}

// argsDigest binds an approval to the exact arguments it was granted for.
// The approval id itself is excluded.
func argsDigest(kind types.OperationKind, args any) string {
	body, _ := json.Marshal(struct {
		Kind types.OperationKind `json:"kind"`
		Args any                 `json:"args"`
	}{kind, args})
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
