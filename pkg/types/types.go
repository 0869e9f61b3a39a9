package types

import (
	"math/big"
	"time"
)

// Chain kind constants. A registered chain id is "<kind>" or "<kind>:<network>".
const (
	ChainKindEVM     = "evm"
	ChainKindSandbox = "sandbox"
)

// NativeAsset names the chain's fee-paying asset.
const NativeAsset = "native"

// TxStatus is the lifecycle state of a submitted transaction.
// Pending moves to Success or Failed. Unknown is what a caller sees when
// confirmation did not arrive before its timeout; it is never a safe retry target.
type TxStatus string

const (
	TxStatusPending TxStatus = "pending"
	TxStatusSuccess TxStatus = "success"
	TxStatusFailed  TxStatus = "failed"
	TxStatusUnknown TxStatus = "unknown"
)

// IsTerminal reports whether the ledger has settled the transaction.
func (s TxStatus) IsTerminal() bool {
	return s == TxStatusSuccess || s == TxStatusFailed
}

// AssetBalance is a balance in the asset's smallest unit.
type AssetBalance struct {
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
	Decimals int    `json:"decimals"`
}

// Balances holds every asset balance known for an address.
type Balances struct {
	ChainID string         `json:"chain_id"`
	Address string         `json:"address"`
	Assets  []AssetBalance `json:"assets"`
}

// Amount returns the balance of asset, or zero.
func (b *Balances) Amount(asset string) *big.Int {
	for _, a := range b.Assets {
		if a.Asset == asset {
			if v, ok := new(big.Int).SetString(a.Amount, 10); ok {
				return v
			}
		}
	}
	return new(big.Int)
}

// UnsignedPayload is the chain-agnostic description of a value transfer.
type UnsignedPayload struct {
	Asset  string   `json:"asset"`
	To     string   `json:"to"`
	Amount *big.Int `json:"amount"`
	Memo   string   `json:"memo,omitempty"`
}

// Submission is what sign-and-submit returns.
type Submission struct {
	TxID   string   `json:"tx_id"`
	Status TxStatus `json:"status"`
}

// Receipt describes a transaction as the ledger reports it.
type Receipt struct {
	TxID        string    `json:"tx_id"`
	ChainID     string    `json:"chain_id"`
	Status      TxStatus  `json:"status"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to,omitempty"`
	Asset       string    `json:"asset,omitempty"`
	Amount      string    `json:"amount,omitempty"`
	Fee         string    `json:"fee,omitempty"`
	BlockNumber uint64    `json:"block_number,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
}
