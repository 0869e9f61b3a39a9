package types

import (
	"time"
)

// OperationKind names an operation a capability set can contain.
type OperationKind string

const (
	OpListAccounts     OperationKind = "list_accounts"
	OpGetBalance       OperationKind = "get_balance"
	OpGetHistory       OperationKind = "get_history"
	OpGetTransaction   OperationKind = "get_transaction"
	OpAwaitTransaction OperationKind = "await_transaction"
	OpTransfer         OperationKind = "transfer"
	OpCreateAccount    OperationKind = "create_account"
)

// OperationClass groups kinds by the policy flag that gates them.
type OperationClass string

const (
	ClassRead   OperationClass = "read"
	ClassSign   OperationClass = "sign"
	ClassManage OperationClass = "manage"
)

// AllOperationKinds returns every kind a capability set may contain.
func AllOperationKinds() []OperationKind {
	return []OperationKind{
		OpListAccounts,
		OpGetBalance,
		OpGetHistory,
		OpGetTransaction,
		OpAwaitTransaction,
		OpTransfer,
		OpCreateAccount,
	}
}

// IsValidOperationKind checks a kind against the known set.
func IsValidOperationKind(kind OperationKind) bool {
	for _, k := range AllOperationKinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// Class returns the gate for the kind. Unknown kinds are treated as signing.
func (k OperationKind) Class() OperationClass {
	switch k {
	case OpListAccounts, OpGetBalance, OpGetHistory, OpGetTransaction, OpAwaitTransaction:
		return ClassRead
	case OpCreateAccount:
		return ClassManage
	default:
		return ClassSign
	}
}

// MovesValue reports whether invocations carry an amount checked against
// per-asset limits.
func (k OperationKind) MovesValue() bool {
	return k == OpTransfer
}

// WildcardAsset is the per-asset limit key that applies to assets without
// their own entry.
const WildcardAsset = "*"

// PermissionPolicy is the per-collection rule set. The deny list wins over
// the allow list, and a kind not on the allow list is denied.
type PermissionPolicy struct {
	CanRead         bool              `json:"can_read"`
	CanSign         bool              `json:"can_sign"`
	Allow           []OperationKind   `json:"allow"`
	Deny            []OperationKind   `json:"deny"`
	AssetLimits     map[string]string `json:"asset_limits"`
	RequireApproval []OperationKind   `json:"require_approval"`
	Version         int               `json:"version"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// DefaultPolicy is the policy of a newly created collection: read-only.
func DefaultPolicy() PermissionPolicy {
	return PermissionPolicy{
		CanRead: true,
		Allow: []OperationKind{
			OpListAccounts,
			OpGetBalance,
			OpGetHistory,
			OpGetTransaction,
			OpAwaitTransaction,
		},
		AssetLimits: map[string]string{},
		Version:     1,
	}
}

// Clone returns a deep copy, so a captured snapshot cannot observe later edits.
func (p PermissionPolicy) Clone() PermissionPolicy {
	out := p
	out.Allow = append([]OperationKind(nil), p.Allow...)
	out.Deny = append([]OperationKind(nil), p.Deny...)
	out.RequireApproval = append([]OperationKind(nil), p.RequireApproval...)
	out.AssetLimits = make(map[string]string, len(p.AssetLimits))
	for k, v := range p.AssetLimits {
		out.AssetLimits[k] = v
	}
	return out
}

// Contains reports whether kinds includes kind.
func Contains(kinds []OperationKind, kind OperationKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
