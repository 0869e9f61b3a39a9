// Package storage is the Portfolio Store. Every call is scoped by the user id
// the caller authenticated; nothing inside a request body can widen that scope.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/better-wallet/agentvault/internal/crypto"
	"github.com/better-wallet/agentvault/internal/kms"
	apperrors "github.com/better-wallet/agentvault/pkg/errors"
	"github.com/better-wallet/agentvault/pkg/types"
)

// DefaultAuditPage bounds ListAudit when the caller passes no limit.
const DefaultAuditPage = 100

const maxAuditPage = 1000

// Store is implemented by the PostgreSQL and in-memory backends.
//
// Every mutating method appends exactly one audit record to the affected
// collection: in the same transaction as the change when it succeeds, and
// as a failure record once the outcome is known when it does not. Calls
// that miss the collection scope append nothing.
type Store interface {
	CreateCollection(ctx context.Context, userID, name string, policy types.PermissionPolicy) (*types.Collection, error)
	GetCollection(ctx context.Context, userID string, collectionID uuid.UUID) (*types.Collection, error)
	ListCollections(ctx context.Context, userID string) ([]*types.Collection, error)
	// DeleteCollection soft-deletes a collection and drops its accounts.
	// Every account must have been exported unless discard is set.
	DeleteCollection(ctx context.Context, userID string, collectionID uuid.UUID, discard bool) error

	GetPolicy(ctx context.Context, userID string, collectionID uuid.UUID) (*types.PermissionPolicy, error)
	UpdatePolicy(ctx context.Context, userID string, collectionID uuid.UUID, policy types.PermissionPolicy) (*types.PermissionPolicy, error)

	// AddAccount stores an encrypted account. op is AuditAddAccount or
	// AuditImportSecret; an existing (chain, address) pair fails with
	// DuplicateAccount or OwnershipConflict respectively.
	AddAccount(ctx context.Context, userID string, collectionID uuid.UUID, account *types.ChainAccount, op types.AuditOperation) (*types.AccountHandle, error)
	GetAccounts(ctx context.Context, userID string, collectionID uuid.UUID) ([]types.AccountInfo, error)
	GetAccount(ctx context.Context, userID string, collectionID uuid.UUID, chainID, address string) (*types.AccountInfo, error)
	// GetSigningMaterial returns ciphertext for one account. It is not
	// audited itself; the signing or export call that uses it is.
	GetSigningMaterial(ctx context.Context, userID string, collectionID uuid.UUID, chainID, address string) (*types.SigningMaterial, error)
	UpdateMetadata(ctx context.Context, userID string, collectionID uuid.UUID, chainID, address string, metadata map[string]string) error
	MarkExported(ctx context.Context, userID string, collectionID uuid.UUID, chainID, address, format string) error
	RemoveAccount(ctx context.Context, userID string, collectionID uuid.UUID, chainID, address string, discard bool) error
	// FindOwner locates a (chain, address) pair across all users.
	FindOwner(ctx context.Context, chainID, address string) (*types.AccountOwner, error)

	// AppendAudit seals rec onto the collection's chain.
	AppendAudit(ctx context.Context, userID string, rec *types.AuditRecord) error
	ListAudit(ctx context.Context, userID string, collectionID uuid.UUID, afterSeq uint64, limit int) ([]types.AuditRecord, error)
	// AuditCollections and ExportAudit serve operator-side archival and are
	// not user scoped.
	AuditCollections(ctx context.Context) ([]uuid.UUID, error)
	ExportAudit(ctx context.Context, collectionID uuid.UUID, afterSeq uint64, limit int) ([]types.AuditRecord, error)

	CreateApproval(ctx context.Context, userID string, approval *types.PendingApproval) error
	GetApproval(ctx context.Context, userID string, collectionID, approvalID uuid.UUID) (*types.PendingApproval, error)
	ListApprovals(ctx context.Context, userID string, collectionID uuid.UUID, status types.ApprovalStatus) ([]types.PendingApproval, error)
	ResolveApproval(ctx context.Context, userID string, collectionID, approvalID uuid.UUID, approve bool) (*types.PendingApproval, error)
	// ConsumeApproval moves an approved entry with matching operation and
	// arguments digest to consumed. It succeeds at most once.
	ConsumeApproval(ctx context.Context, userID string, collectionID, approvalID uuid.UUID, op types.OperationKind, argsDigest string) (*types.PendingApproval, error)

	Ping(ctx context.Context) error
	Close()
}

// AuditObserver is told about every record after it is durably appended.
type AuditObserver func(ctx context.Context, rec types.AuditRecord)

type options struct {
	kms      kms.Provider
	observer AuditObserver
	now      func() time.Time
}

// Option configures a Store backend.
type Option func(*options)

// WithKMS wraps every stored ciphertext once more under a KMS key, bound
// to the account's (chain, address).
func WithKMS(p kms.Provider) Option {
	return func(o *options) {
		o.kms = p
	}
}

// WithAuditObserver registers fn for appended records.
func WithAuditObserver(fn AuditObserver) Option {
	return func(o *options) {
		o.observer = fn
	}
}

func buildOptions(opts []Option) options {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o *options) notify(ctx context.Context, recs ...types.AuditRecord) {
	if o.observer == nil {
		return
	}
	for _, r := range recs {
		o.observer(ctx, r)
	}
}

func (o *options) wrapSecret(ctx context.Context, chainID, address string, ciphertext []byte) ([]byte, error) {
	if o.kms == nil {
		return append([]byte(nil), ciphertext...), nil
	}
	return o.kms.Encrypt(ctx, ciphertext, crypto.AccountAD(chainID, address))
}

func (o *options) unwrapSecret(ctx context.Context, chainID, address string, stored []byte) ([]byte, error) {
	if o.kms == nil {
		return append([]byte(nil), stored...), nil
	}
	out, err := o.kms.Decrypt(ctx, stored, crypto.AccountAD(chainID, address))
	if err != nil {
		return nil, apperrors.Integrity(err)
	}
	return out, nil
}

type overrideKey struct{}

// WithApprovalOverride marks mutations made under ctx as released by a human
// approval, so their audit records carry approved_without_override=false.
func WithApprovalOverride(ctx context.Context) context.Context {
	return context.WithValue(ctx, overrideKey{}, true)
}

func approvalOverride(ctx context.Context) bool {
	v, _ := ctx.Value(overrideKey{}).(bool)
	return v
}

// mutationRecord builds the audit record for a store mutation.
func mutationRecord(ctx context.Context, collectionID uuid.UUID, op types.AuditOperation, chainID, address string) *types.AuditRecord {
	return &types.AuditRecord{
		CollectionID:            collectionID,
		Timestamp:               types.AuditTimestamp(),
		Operation:               op,
		ChainID:                 chainID,
		AccountAddress:          address,
		Outcome:                 types.OutcomeSuccess,
		ApprovedWithoutOverride: !approvalOverride(ctx),
	}
}

// failed turns a success record into the failure record for err.
func failed(rec *types.AuditRecord, err error) *types.AuditRecord {
	out := *rec
	out.Timestamp = types.AuditTimestamp()
	out.Outcome = types.OutcomeFailure
	out.Detail = string(apperrors.KindOf(err))
	out.Hash, out.PrevHash, out.Seq = "", "", 0
	return &out
}

func deleteDetail(accounts int, discard bool) string {
	return fmt.Sprintf("accounts=%d discard=%t", accounts, discard)
}

func policyDetail(version int) string {
	return fmt.Sprintf("version=%d", version)
}

func removeDetail(discard bool) string {
	if discard {
		return "discarded"
	}
	return "exported"
}

func resolveDetail(approvalID uuid.UUID, status types.ApprovalStatus) string {
	return fmt.Sprintf("approval_id=%s status=%s", approvalID, status)
}

func conflictError(op types.AuditOperation, chainID, address string) error {
	if op == types.AuditImportSecret {
		return apperrors.OwnershipConflict(chainID, address)
	}
	return apperrors.DuplicateAccount(chainID, address)
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperrors.InvalidArgument("collection name is required")
	}
	if len(name) > 128 {
		return "", apperrors.InvalidArgument("collection name is too long")
	}
	return name, nil
}

func validateUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return apperrors.InvalidArgument("user id is required")
	}
	return nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultAuditPage
	case limit > maxAuditPage:
		return maxAuditPage
	}
	return limit
}

func copyMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
