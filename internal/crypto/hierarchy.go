// Package crypto implements the vault key hierarchy.
//
// A session master secret and a collection id derive a CollectionKey. A
// CollectionKey and a per-account random salt derive an AccountKey. Account
// secrets are sealed with AES-256-GCM under the AccountKey. Nothing in this
// package persists keys; every key is recomputed from its inputs on demand.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	apperrors "github.com/better-wallet/agentvault/pkg/errors"
)

const (
	// KeySize is the size of every derived key in bytes.
	KeySize = 32
	// SaltSize is the size of a per-account salt in bytes.
	SaltSize = 32
	// MinMasterSecretSize is the shortest master secret accepted.
	MinMasterSecretSize = 16

	collectionKeyContext = "agentvault/v1 collection-key"
	accountKeyContext    = "agentvault/v1 account-key"
)

// CollectionKey is the per-collection key. It never leaves memory.
type CollectionKey struct {
	key [KeySize]byte
}

// Destroy zeroes the key.
func (k *CollectionKey) Destroy() {
	if k != nil {
		Zero(k.key[:])
	}
}

// AccountKey is the per-account encryption key. It never leaves memory.
type AccountKey struct {
	key [KeySize]byte
}

// Destroy zeroes the key.
func (k *AccountKey) Destroy() {
	if k != nil {
		Zero(k.key[:])
	}
}

// DeriveCollectionKey derives the key of one collection from the user's
// master secret. Same inputs always give the same key.
func DeriveCollectionKey(masterSecret []byte, collectionID uuid.UUID) (*CollectionKey, error) {
	if len(masterSecret) < MinMasterSecretSize {
		return nil, fmt.Errorf("master secret too short: need at least %d bytes, got %d", MinMasterSecretSize, len(masterSecret))
	}
	if collectionID == uuid.Nil {
		return nil, fmt.Errorf("collection id is required")
	}

	k := &CollectionKey{}
	r := hkdf.New(sha256.New, masterSecret, collectionID[:], []byte(collectionKeyContext))
	if _, err := io.ReadFull(r, k.key[:]); err != nil {
		return nil, fmt.Errorf("failed to derive collection key: %w", err)
	}
	return k, nil
}

// DeriveAccountKey derives the key of one account from its collection key
// and the account's salt.
func DeriveAccountKey(collectionKey *CollectionKey, salt []byte) (*AccountKey, error) {
	if collectionKey == nil {
		return nil, fmt.Errorf("collection key is required")
	}
	// A stored salt of the wrong size means the record was altered.
	if len(salt) != SaltSize {
		return nil, apperrors.Integrity(fmt.Errorf("invalid account salt: expected %d bytes, got %d", SaltSize, len(salt)))
	}

	k := &AccountKey{}
	r := hkdf.New(sha256.New, collectionKey.key[:], salt, []byte(accountKeyContext))
	if _, err := io.ReadFull(r, k.key[:]); err != nil {
		return nil, fmt.Errorf("failed to derive account key: %w", err)
	}
	return k, nil
}

// NewAccountSalt returns a fresh random salt.
func NewAccountSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// AccountAD returns the associated data binding a ciphertext to its account.
func AccountAD(chainID, address string) []byte {
	return []byte(chainID + "\x00" + address)
}

// SealAccountSecret encrypts secret for one account, deriving and discarding
// the account key.
func SealAccountSecret(collectionKey *CollectionKey, salt, secret, ad []byte) ([]byte, error) {
	accountKey, err := DeriveAccountKey(collectionKey, salt)
	if err != nil {
		return nil, err
	}
	defer accountKey.Destroy()

	return Encrypt(accountKey, secret, ad)
}

// OpenAccountSecret decrypts one account's secret. The caller owns the
// returned slice and must Zero it.
func OpenAccountSecret(collectionKey *CollectionKey, salt, ciphertext, ad []byte) ([]byte, error) {
	accountKey, err := DeriveAccountKey(collectionKey, salt)
	if err != nil {
		return nil, err
	}
	defer accountKey.Destroy()

	return Decrypt(accountKey, ciphertext, ad)
}
