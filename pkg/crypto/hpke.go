// Package crypto holds the export envelope shared with embedders that need
// to open exported key material outside the vault.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// EncryptionTypeHPKE tags envelopes produced by SealToRecipient.
const EncryptionTypeHPKE = "HPKE"

// exportInfo separates export keys from every other HKDF use in the vault.
var exportInfo = []byte("agentvault/export/v1")

// HPKEEnvelope is key material sealed to a recipient P-256 key.
type HPKEEnvelope struct {
	Ciphertext      string `json:"ciphertext"`       // base64(nonce || sealed)
	EncapsulatedKey string `json:"encapsulated_key"` // base64 ephemeral public key
	EncryptionType  string `json:"encryption_type"`
}

// ParseRecipientPublicKey decodes a base64 P-256 public key, either the raw
// uncompressed point or PEM wrapping it.
func ParseRecipientPublicKey(recipientPublicKeyB64 string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(recipientPublicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode recipient public key: %w", err)
	}
	if block, _ := pem.Decode(raw); block != nil {
		raw = block.Bytes
	}
	recipient, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse recipient public key: %w", err)
	}
	return recipient, nil
}

// SealToRecipient encrypts plaintext to a base64 P-256 public key (raw
// uncompressed point, or PEM wrapping it) using ephemeral ECDH, HKDF-SHA256
// and AES-256-GCM. aad is authenticated but not encrypted; the recipient
// must supply the same bytes to open the envelope.
func SealToRecipient(recipientPublicKeyB64 string, plaintext, aad []byte) (*HPKEEnvelope, error) {
	recipient, err := ParseRecipientPublicKey(recipientPublicKeyB64)
	if err != nil {
		return nil, err
	}

	curve := ecdh.P256()
	ephemeral, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	shared, err := ephemeral.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to perform ECDH: %w", err)
	}

	gcm, err := exportCipher(shared, ephemeral.PublicKey().Bytes())
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &HPKEEnvelope{
		Ciphertext:      base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, plaintext, aad)),
		EncapsulatedKey: base64.StdEncoding.EncodeToString(ephemeral.PublicKey().Bytes()),
		EncryptionType:  EncryptionTypeHPKE,
	}, nil
}

// OpenFromSender reverses SealToRecipient.
func OpenFromSender(recipient *ecdh.PrivateKey, env *HPKEEnvelope, aad []byte) ([]byte, error) {
	if env == nil || env.EncryptionType != EncryptionTypeHPKE {
		return nil, fmt.Errorf("not an HPKE envelope")
	}
	encapsulated, err := base64.StdEncoding.DecodeString(env.EncapsulatedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encapsulated key: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	ephemeral, err := ecdh.P256().NewPublicKey(encapsulated)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ephemeral public key: %w", err)
	}
	shared, err := recipient.ECDH(ephemeral)
	if err != nil {
		return nil, fmt.Errorf("failed to perform ECDH: %w", err)
	}

	gcm, err := exportCipher(shared, encapsulated)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plaintext, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], aad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// exportCipher derives the AEAD from the ECDH secret. The encapsulated key
// is the HKDF salt, so each envelope gets a distinct key.
func exportCipher(shared, encapsulated []byte) (cipher.AEAD, error) {
	key := make([]byte, 32)
	defer clear(key)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, encapsulated, exportInfo), key); err != nil {
		return nil, fmt.Errorf("failed to derive export key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// GenerateRecipientKeyPair returns a P-256 key pair and the base64 public
// key SealToRecipient expects.
func GenerateRecipientKeyPair() (*ecdh.PrivateKey, string, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate key pair: %w", err)
	}
	return priv, base64.StdEncoding.EncodeToString(priv.PublicKey().Bytes()), nil
}
