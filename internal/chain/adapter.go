// Package chain provides the chain-agnostic account abstraction: one Adapter
// per ledger kind, registered at startup under a chain id.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/better-wallet/agentvault/pkg/types"
)

// Adapter is implemented once per ledger kind.
//
// Read methods may be retried by the Registry. Submit is never retried: a
// broadcast payload may land even when the call returns an error.
type Adapter interface {
	// ChainID returns the identifier the adapter is registered under.
	ChainID() string

	// GenerateSecret returns fresh private key material.
	GenerateSecret() ([]byte, error)

	// DeriveAddress returns the chain-native address of secret.
	DeriveAddress(secret []byte) (string, error)

	// DeriveFromSeed derives private key material from a BIP-39 seed at path.
	DeriveFromSeed(seed []byte, path string) ([]byte, error)

	// DefaultDerivationPath is used when an import names no path.
	DefaultDerivationPath() string

	// NormalizeAddress validates address and returns its canonical form.
	NormalizeAddress(address string) (string, error)

	GetBalance(ctx context.Context, address string) (*types.Balances, error)

	// Prepare gathers network state (nonce, fees) for a transfer. It does
	// not touch key material.
	Prepare(ctx context.Context, from string, payload types.UnsignedPayload) (*PreparedTx, error)

	// Sign signs a prepared transaction. It is local and reserves any
	// ordering state (nonce, sequence) for the sender.
	Sign(prepared *PreparedTx, secret []byte) (*SignedTx, error)

	// Submit broadcasts a signed transaction.
	Submit(ctx context.Context, signed *SignedTx) (*types.Submission, error)

	GetTransaction(ctx context.Context, txID string) (*types.Receipt, error)

	GetHistory(ctx context.Context, address string, limit int) ([]types.Receipt, error)
}

// PreparedTx is a transfer with its network parameters resolved.
type PreparedTx struct {
	ChainID string
	From    string
	Payload types.UnsignedPayload
	// Body carries adapter-specific parameters.
	Body any
}

// SignedTx is ready for broadcast. TxID is known before submission.
type SignedTx struct {
	ChainID string
	From    string
	TxID    string
	Raw     []byte
	Body    any
}

// Common error types for chain adapters
var (
	// ErrInvalidAddress indicates the address format is invalid
	ErrInvalidAddress = errors.New("invalid address format")

	// ErrInvalidSecret indicates key material of the wrong shape
	ErrInvalidSecret = errors.New("invalid secret material")

	// ErrInvalidPayload indicates a transfer that cannot be built
	ErrInvalidPayload = errors.New("invalid transfer payload")

	// ErrUnsupportedAsset indicates an asset the adapter cannot move
	ErrUnsupportedAsset = errors.New("unsupported asset")

	// ErrTransactionNotFound indicates the ledger has no record of the transaction
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrSecretMismatch indicates a secret that does not control the sender
	ErrSecretMismatch = errors.New("secret does not control sender address")
)

// AdapterError wraps errors with additional context
type AdapterError struct {
	Chain   string
	Op      string
	Err     error
	Details map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("chain adapter error [%s:%s]: %v (details: %+v)", e.Chain, e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("chain adapter error [%s:%s]: %v", e.Chain, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(chain, op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{
		Chain:   chain,
		Op:      op,
		Err:     err,
		Details: details,
	}
}

// transientError marks a network-level failure that a read may retry.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as a network-level failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked by Transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// rejectedError marks a payload the ledger definitively refused. Nothing
// was broadcast, so the sender's ordering state can be released.
type rejectedError struct{ err error }

func (e *rejectedError) Error() string { return e.err.Error() }
func (e *rejectedError) Unwrap() error { return e.err }

// Rejected marks err as a definitive submission refusal.
func Rejected(err error) error {
	if err == nil {
		return nil
	}
	return &rejectedError{err: err}
}

// IsRejected reports whether err was marked by Rejected.
func IsRejected(err error) bool {
	var r *rejectedError
	return errors.As(err, &r)
}
