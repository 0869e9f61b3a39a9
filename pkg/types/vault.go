package types

import (
	"time"

	"github.com/google/uuid"
)

// User is the stable identity supplied by the authentication boundary.
type User struct {
	ID           string     `json:"id"`
	KeyRotatedAt *time.Time `json:"key_rotated_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// Portfolio is the per-user root namespace for collections.
type Portfolio struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Collection is a named, independently keyed group of chain accounts.
type Collection struct {
	ID          uuid.UUID  `json:"id"`
	PortfolioID uuid.UUID  `json:"portfolio_id"`
	UserID      string     `json:"user_id"`
	Name        string     `json:"name"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// AccountSource records how a secret entered custody.
type AccountSource string

const (
	AccountSourceGenerated AccountSource = "generated"
	AccountSourceImported  AccountSource = "imported"
	AccountSourceDerived   AccountSource = "derived"
)

// ChainAccount is a persisted account. EncryptedSecret is only decryptable
// with the owning collection's key and the account's Salt.
type ChainAccount struct {
	ID              uuid.UUID         `json:"id"`
	CollectionID    uuid.UUID         `json:"collection_id"`
	ChainID         string            `json:"chain_id"`
	Address         string            `json:"address"`
	EncryptedSecret []byte            `json:"-"`
	Salt            []byte            `json:"-"`
	DerivationPath  string            `json:"derivation_path,omitempty"`
	Source          AccountSource     `json:"source"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ExportedAt      *time.Time        `json:"exported_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Info returns the public view of the account.
func (a *ChainAccount) Info() AccountInfo {
	meta := make(map[string]string, len(a.Metadata))
	for k, v := range a.Metadata {
		meta[k] = v
	}
	return AccountInfo{
		ID:             a.ID,
		ChainID:        a.ChainID,
		Address:        a.Address,
		DerivationPath: a.DerivationPath,
		Source:         a.Source,
		Metadata:       meta,
		ExportedAt:     a.ExportedAt,
		CreatedAt:      a.CreatedAt,
	}
}

// AccountInfo is an account without any secret material.
type AccountInfo struct {
	ID             uuid.UUID         `json:"id"`
	ChainID        string            `json:"chain_id"`
	Address        string            `json:"address"`
	DerivationPath string            `json:"derivation_path,omitempty"`
	Source         AccountSource     `json:"source"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	ExportedAt     *time.Time        `json:"exported_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// AccountHandle identifies a stored account.
type AccountHandle struct {
	ID           uuid.UUID `json:"id"`
	CollectionID uuid.UUID `json:"collection_id"`
	ChainID      string    `json:"chain_id"`
	Address      string    `json:"address"`
}

// SigningMaterial is the ciphertext needed to recover one account secret.
type SigningMaterial struct {
	Account         AccountHandle
	EncryptedSecret []byte
	Salt            []byte
}

// AccountOwner locates the collection holding a (chain, address) pair.
type AccountOwner struct {
	UserID       string    `json:"user_id"`
	CollectionID uuid.UUID `json:"collection_id"`
}

// ApprovalStatus is the state of a parked operation.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalConsumed ApprovalStatus = "consumed"
)

// PendingApproval is an operation waiting on a human decision. ArgsDigest
// binds the approval to the exact arguments that were presented.
type PendingApproval struct {
	ID           uuid.UUID      `json:"id"`
	CollectionID uuid.UUID      `json:"collection_id"`
	Operation    OperationKind  `json:"operation"`
	ArgsDigest   string         `json:"args_digest"`
	Summary      string         `json:"summary"`
	Status       ApprovalStatus `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
}
