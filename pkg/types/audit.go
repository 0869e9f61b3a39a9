package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditOperation names the event an audit record describes. Capability
// invocations use their OperationKind; vault management uses the constants below.
type AuditOperation string

const (
	AuditCreateCollection AuditOperation = "create_collection"
	AuditDeleteCollection AuditOperation = "delete_collection"
	AuditUpdatePolicy     AuditOperation = "update_policy"
	AuditAddAccount       AuditOperation = "add_account"
	AuditRemoveAccount    AuditOperation = "remove_account"
	AuditUpdateMetadata   AuditOperation = "update_metadata"
	AuditImportSecret     AuditOperation = "import_secret"
	AuditExportSecret     AuditOperation = "export_secret"
	AuditResolveApproval  AuditOperation = "resolve_approval"
)

// AuditOutcome is the result recorded for an event.
type AuditOutcome string

const (
	OutcomeSuccess         AuditOutcome = "success"
	OutcomeFailure         AuditOutcome = "failure"
	OutcomeDenied          AuditOutcome = "denied"
	OutcomePendingApproval AuditOutcome = "pending_approval"
	OutcomeUnknown         AuditOutcome = "unknown"
	OutcomeDecryptFailure  AuditOutcome = "decrypt_failure"
)

// AuditRecord is one immutable entry of a collection's log. Seq is
// monotonic per collection. Hash covers every other field, including
// PrevHash, so the log forms a chain.
type AuditRecord struct {
	CollectionID            uuid.UUID      `json:"collection_id"`
	Seq                     uint64         `json:"seq"`
	Timestamp               time.Time      `json:"timestamp"`
	Operation               AuditOperation `json:"operation_kind"`
	ChainID                 string         `json:"chain_id,omitempty"`
	AccountAddress          string         `json:"account_address,omitempty"`
	Outcome                 AuditOutcome   `json:"outcome"`
	ApprovedWithoutOverride bool           `json:"approved_without_override"`
	TxID                    string         `json:"tx_id,omitempty"`
	Detail                  string         `json:"detail,omitempty"`
	PrevHash                string         `json:"prev_hash"`
	Hash                    string         `json:"hash"`
}

// AuditTimestamp returns now at the precision every backend can store.
func AuditTimestamp() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// ComputeHash returns the hex SHA-256 of the record's canonical form.
func (r *AuditRecord) ComputeHash() string {
	canonical := struct {
		CollectionID            string `json:"collection_id"`
		Seq                     uint64 `json:"seq"`
		Timestamp               string `json:"timestamp"`
		Operation               string `json:"operation_kind"`
		ChainID                 string `json:"chain_id"`
		AccountAddress          string `json:"account_address"`
		Outcome                 string `json:"outcome"`
		ApprovedWithoutOverride bool   `json:"approved_without_override"`
		TxID                    string `json:"tx_id"`
		Detail                  string `json:"detail"`
		PrevHash                string `json:"prev_hash"`
	}{
		CollectionID:            r.CollectionID.String(),
		Seq:                     r.Seq,
		Timestamp:               r.Timestamp.UTC().Format(time.RFC3339Nano),
		Operation:               string(r.Operation),
		ChainID:                 r.ChainID,
		AccountAddress:          r.AccountAddress,
		Outcome:                 string(r.Outcome),
		ApprovedWithoutOverride: r.ApprovedWithoutOverride,
		TxID:                    r.TxID,
		Detail:                  r.Detail,
		PrevHash:                r.PrevHash,
	}
	// Marshal of a flat struct of strings, ints and bools cannot fail.
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Seal assigns the chain position and hash. prev is nil for the first record.
func (r *AuditRecord) Seal(prev *AuditRecord) {
	if prev == nil {
		r.Seq = 1
		r.PrevHash = ""
	} else {
		r.Seq = prev.Seq + 1
		r.PrevHash = prev.Hash
	}
	r.Hash = r.ComputeHash()
}
