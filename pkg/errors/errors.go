package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a vault failure. Kinds are stable strings that cross the
// capability boundary as the error_kind of an operation result.
type Kind string

const (
	KindIntegrity          Kind = "integrity_error"
	KindPermissionDenied   Kind = "permission_denied"
	KindPendingApproval    Kind = "pending_approval"
	KindOwnershipConflict  Kind = "ownership_conflict"
	KindDuplicateAccount   Kind = "duplicate_account"
	KindCollectionNotFound Kind = "collection_not_found"
	KindAccountNotFound    Kind = "account_not_found"
	KindApprovalNotFound   Kind = "approval_not_found"
	KindSubmissionUnknown  Kind = "submission_unknown"
	KindSubmissionFailed   Kind = "submission_failed"
	KindChainNotSupported  Kind = "chain_not_supported"
	KindInvalidArgument    Kind = "invalid_argument"
	KindInternal           Kind = "internal_error"
)

// GenericFailureMessage is shown for failures whose detail must stay on the
// operator side.
const GenericFailureMessage = "The operation could not be completed securely. An operator can inspect the audit trail."

// VaultError is the only error type that crosses the capability boundary.
type VaultError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	TxID    string `json:"tx_id,omitempty"`
	Err     error  `json:"-"`
}

func (e *VaultError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *VaultError) Unwrap() error {
	return e.Err
}

// Is matches any VaultError of the same kind, so the sentinels below work
// with errors.Is.
func (e *VaultError) Is(target error) bool {
	var other *VaultError
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrIntegrity          = &VaultError{Kind: KindIntegrity, Message: "Integrity check failed"}
	ErrPermissionDenied   = &VaultError{Kind: KindPermissionDenied, Message: "Permission denied"}
	ErrPendingApproval    = &VaultError{Kind: KindPendingApproval, Message: "Approval required"}
	ErrOwnershipConflict  = &VaultError{Kind: KindOwnershipConflict, Message: "Account is already in custody"}
	ErrDuplicateAccount   = &VaultError{Kind: KindDuplicateAccount, Message: "Account already exists"}
	ErrCollectionNotFound = &VaultError{Kind: KindCollectionNotFound, Message: "Collection not found"}
	ErrAccountNotFound    = &VaultError{Kind: KindAccountNotFound, Message: "Account not found"}
	ErrApprovalNotFound   = &VaultError{Kind: KindApprovalNotFound, Message: "Approval not found"}
	ErrSubmissionUnknown  = &VaultError{Kind: KindSubmissionUnknown, Message: "Submission outcome unknown"}
	ErrSubmissionFailed   = &VaultError{Kind: KindSubmissionFailed, Message: "Submission rejected"}
	ErrChainNotSupported  = &VaultError{Kind: KindChainNotSupported, Message: "Chain not supported"}
	ErrInvalidArgument    = &VaultError{Kind: KindInvalidArgument, Message: "Invalid argument"}
	ErrInternal           = &VaultError{Kind: KindInternal, Message: "Internal error"}
)

// New creates a VaultError of the given kind.
func New(kind Kind, message string) *VaultError {
	return &VaultError{Kind: kind, Message: message}
}

// Wrap creates a VaultError of the given kind around a cause.
func Wrap(kind Kind, message string, err error) *VaultError {
	return &VaultError{Kind: kind, Message: message, Err: err}
}

// Integrity reports a ciphertext that failed authentication.
func Integrity(err error) *VaultError {
	return &VaultError{
		Kind:    KindIntegrity,
		Message: "Ciphertext failed authentication",
		Err:     err,
	}
}

// PermissionDenied reports a policy violation. The reason is safe to show
// to the end user.
func PermissionDenied(reason string) *VaultError {
	return &VaultError{
		Kind:    KindPermissionDenied,
		Message: "Permission denied",
		Detail:  reason,
	}
}

// PendingApproval reports an operation parked until a human approves it.
func PendingApproval(approvalID string) *VaultError {
	return &VaultError{
		Kind:    KindPendingApproval,
		Message: "Approval required before this operation can run",
		Detail:  fmt.Sprintf("approval_id: %s", approvalID),
	}
}

// OwnershipConflict reports an import or add that would move custody.
func OwnershipConflict(chainID, address string) *VaultError {
	return &VaultError{
		Kind:    KindOwnershipConflict,
		Message: "Account is already in custody",
		Detail:  fmt.Sprintf("chain: %s, address: %s", chainID, address),
	}
}

// DuplicateAccount reports a (chain, address) pair that already exists.
func DuplicateAccount(chainID, address string) *VaultError {
	return &VaultError{
		Kind:    KindDuplicateAccount,
		Message: "Account already exists",
		Detail:  fmt.Sprintf("chain: %s, address: %s", chainID, address),
	}
}

// CollectionNotFound reports a scoping miss on a collection.
func CollectionNotFound(collectionID string) *VaultError {
	return &VaultError{
		Kind:    KindCollectionNotFound,
		Message: "Collection not found",
		Detail:  fmt.Sprintf("collection_id: %s", collectionID),
	}
}

// AccountNotFound reports a scoping miss on an account.
func AccountNotFound(chainID, address string) *VaultError {
	return &VaultError{
		Kind:    KindAccountNotFound,
		Message: "Account not found",
		Detail:  fmt.Sprintf("chain: %s, address: %s", chainID, address),
	}
}

// ApprovalNotFound reports an unknown, consumed, or mismatched approval.
func ApprovalNotFound(approvalID string) *VaultError {
	return &VaultError{
		Kind:    KindApprovalNotFound,
		Message: "Approval not found",
		Detail:  fmt.Sprintf("approval_id: %s", approvalID),
	}
}

// SubmissionUnknown reports a sign-and-submit whose outcome is not known.
// The transaction may still land; callers must reconcile before retrying.
func SubmissionUnknown(txID string, err error) *VaultError {
	return &VaultError{
		Kind:    KindSubmissionUnknown,
		Message: "Submission outcome unknown",
		TxID:    txID,
		Err:     err,
	}
}

// SubmissionFailed reports a payload the ledger definitively rejected.
func SubmissionFailed(detail string, err error) *VaultError {
	return &VaultError{
		Kind:    KindSubmissionFailed,
		Message: "Submission rejected",
		Detail:  detail,
		Err:     err,
	}
}

// ChainNotSupported reports a chain id with no registered adapter.
func ChainNotSupported(chainID string) *VaultError {
	return &VaultError{
		Kind:    KindChainNotSupported,
		Message: "Chain not supported",
		Detail:  fmt.Sprintf("chain: %s", chainID),
	}
}

// InvalidArgument reports a malformed request.
func InvalidArgument(detail string) *VaultError {
	return &VaultError{
		Kind:    KindInvalidArgument,
		Message: "Invalid argument",
		Detail:  detail,
	}
}

// Internal wraps an unexpected failure.
func Internal(err error) *VaultError {
	return &VaultError{
		Kind:    KindInternal,
		Message: "Internal error",
		Err:     err,
	}
}

// IsVaultError checks if an error is a VaultError
func IsVaultError(err error) (*VaultError, bool) {
	var vErr *VaultError
	if errors.As(err, &vErr) {
		return vErr, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if vErr, ok := IsVaultError(err); ok {
		return vErr.Kind
	}
	return KindInternal
}

// Sensitive reports whether the kind's detail must be withheld from the
// untrusted side.
func (k Kind) Sensitive() bool {
	switch k {
	case KindIntegrity, KindSubmissionUnknown, KindInternal:
		return true
	}
	return false
}

// UserMessage renders err for the end user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	vErr, ok := IsVaultError(err)
	if !ok || vErr.Kind.Sensitive() {
		return GenericFailureMessage
	}
	if vErr.Detail != "" {
		return fmt.Sprintf("%s: %s", vErr.Message, vErr.Detail)
	}
	return vErr.Message
}

// Normalize maps any error into the taxonomy. Foreign errors become
// KindInternal with the original error kept as the cause.
func Normalize(err error) *VaultError {
	if err == nil {
		return nil
	}
	if vErr, ok := IsVaultError(err); ok {
		return vErr
	}
	return Internal(err)
}
