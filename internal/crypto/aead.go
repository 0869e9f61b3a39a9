package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	apperrors "github.com/better-wallet/agentvault/pkg/errors"
)

// ciphertextVersion prefixes every sealed secret so the format can change
// without ambiguity.
const ciphertextVersion byte = 0x01

// Encrypt seals plaintext with AES-256-GCM. Output layout is
// version || nonce || ciphertext+tag.
func Encrypt(key *AccountKey, plaintext, ad []byte) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("account key is required")
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, ciphertextVersion)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, ad), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any tampering, a wrong key,
// or wrong associated data yields an integrity error, never garbage.
func Decrypt(key *AccountKey, ciphertext, ad []byte) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("account key is required")
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < 1+nonceSize+gcm.Overhead() {
		return nil, apperrors.Integrity(fmt.Errorf("ciphertext too short"))
	}
	if ciphertext[0] != ciphertextVersion {
		return nil, apperrors.Integrity(fmt.Errorf("unknown ciphertext version %d", ciphertext[0]))
	}

	nonce := ciphertext[1 : 1+nonceSize]
	plaintext, err := gcm.Open(nil, nonce, ciphertext[1+nonceSize:], ad)
	if err != nil {
		return nil, apperrors.Integrity(err)
	}
	return plaintext, nil
}

func newGCM(key *AccountKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key.key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
