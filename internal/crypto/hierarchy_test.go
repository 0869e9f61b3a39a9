package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/better-wallet/agentvault/pkg/errors"
)

func testMaster() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func mustCollectionKey(t *testing.T, master []byte, id uuid.UUID) *CollectionKey {
	t.Helper()
	k, err := DeriveCollectionKey(master, id)
	require.NoError(t, err)
	return k
}

func TestDeriveCollectionKey(t *testing.T) {
	id := uuid.New()

	t.Run("deterministic", func(t *testing.T) {
		a := mustCollectionKey(t, testMaster(), id)
		b := mustCollectionKey(t, testMaster(), id)
		assert.Equal(t, a.key, b.key)
	})

	t.Run("bound to collection id", func(t *testing.T) {
		a := mustCollectionKey(t, testMaster(), id)
		b := mustCollectionKey(t, testMaster(), uuid.New())
		assert.NotEqual(t, a.key, b.key)
	})

	t.Run("bound to master secret", func(t *testing.T) {
		other := testMaster()
		other[0] ^= 0x01
		a := mustCollectionKey(t, testMaster(), id)
		b := mustCollectionKey(t, other, id)
		assert.NotEqual(t, a.key, b.key)
	})

	t.Run("rejects short master", func(t *testing.T) {
		_, err := DeriveCollectionKey([]byte("short"), id)
		assert.Error(t, err)
	})

	t.Run("rejects nil collection id", func(t *testing.T) {
		_, err := DeriveCollectionKey(testMaster(), uuid.Nil)
		assert.Error(t, err)
	})
}

func TestDeriveAccountKey(t *testing.T) {
	ck := mustCollectionKey(t, testMaster(), uuid.New())
	salt, err := NewAccountSalt()
	require.NoError(t, err)

	a, err := DeriveAccountKey(ck, salt)
	require.NoError(t, err)
	b, err := DeriveAccountKey(ck, salt)
	require.NoError(t, err)
	assert.Equal(t, a.key, b.key)

	t.Run("domain separated from collection key", func(t *testing.T) {
		// Feeding the same bytes through both levels must not collide.
		assert.NotEqual(t, ck.key, a.key)
	})

	t.Run("rejects bad salt", func(t *testing.T) {
		_, err := DeriveAccountKey(ck, []byte{1, 2, 3})
		assert.ErrorIs(t, err, apperrors.ErrIntegrity)
	})

	t.Run("truncated stored salt is an integrity failure", func(t *testing.T) {
		ad := AccountAD("sandbox", "sbx1abc")
		ciphertext, err := SealAccountSecret(ck, salt, []byte("secret"), ad)
		require.NoError(t, err)
		_, err = OpenAccountSecret(ck, salt[:SaltSize-1], ciphertext, ad)
		assert.ErrorIs(t, err, apperrors.ErrIntegrity)
	})

	t.Run("rejects nil collection key", func(t *testing.T) {
		_, err := DeriveAccountKey(nil, salt)
		assert.Error(t, err)
	})
}

func TestEncryptDecrypt(t *testing.T) {
	ck := mustCollectionKey(t, testMaster(), uuid.New())
	salt, err := NewAccountSalt()
	require.NoError(t, err)
	ad := AccountAD("sandbox", "sbx1abc")
	secret := []byte("super secret private key bytes!!")

	ct, err := SealAccountSecret(ck, salt, secret, ad)
	require.NoError(t, err)
	assert.NotContains(t, string(ct), string(secret))

	pt, err := OpenAccountSecret(ck, salt, ct, ad)
	require.NoError(t, err)
	assert.Equal(t, secret, pt)

	t.Run("fresh nonce per call", func(t *testing.T) {
		ct2, err := SealAccountSecret(ck, salt, secret, ad)
		require.NoError(t, err)
		assert.NotEqual(t, ct, ct2)
	})

	t.Run("wrong associated data", func(t *testing.T) {
		_, err := OpenAccountSecret(ck, salt, ct, AccountAD("sandbox", "sbx1other"))
		assert.True(t, errors.Is(err, apperrors.ErrIntegrity))
	})

	t.Run("truncated ciphertext", func(t *testing.T) {
		_, err := OpenAccountSecret(ck, salt, ct[:10], ad)
		assert.True(t, errors.Is(err, apperrors.ErrIntegrity))
	})

	t.Run("unknown version", func(t *testing.T) {
		bad := append([]byte(nil), ct...)
		bad[0] = 0x7f
		_, err := OpenAccountSecret(ck, salt, bad, ad)
		assert.True(t, errors.Is(err, apperrors.ErrIntegrity))
	})
}

// ============================================================================
// Properties
// ============================================================================

func TestHierarchyProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("decrypt(encrypt(p)) == p", prop.ForAll(
		func(master, plaintext []byte) bool {
			ck, err := DeriveCollectionKey(master, uuid.New())
			if err != nil {
				return false
			}
			salt, err := NewAccountSalt()
			if err != nil {
				return false
			}
			ct, err := SealAccountSecret(ck, salt, plaintext, nil)
			if err != nil {
				return false
			}
			pt, err := OpenAccountSecret(ck, salt, ct, nil)
			return err == nil && bytes.Equal(pt, plaintext)
		},
		gen.SliceOfN(32, gen.UInt8()),
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("any flipped ciphertext byte is an integrity error", prop.ForAll(
		func(plaintext []byte, pos int, mask uint8) bool {
			id := uuid.New()
			ck, _ := DeriveCollectionKey(testMaster(), id)
			salt, _ := NewAccountSalt()
			ct, err := SealAccountSecret(ck, salt, plaintext, nil)
			if err != nil {
				return false
			}
			ct[pos%len(ct)] ^= mask
			_, err = OpenAccountSecret(ck, salt, ct, nil)
			return errors.Is(err, apperrors.ErrIntegrity)
		},
		gen.SliceOfN(32, gen.UInt8()),
		gen.IntRange(0, 1<<16),
		gen.UInt8Range(1, 255),
	))

	properties.Property("any flipped salt byte is an integrity error", prop.ForAll(
		func(pos int, mask uint8) bool {
			ck, _ := DeriveCollectionKey(testMaster(), uuid.New())
			salt, _ := NewAccountSalt()
			ct, err := SealAccountSecret(ck, salt, []byte("secret"), nil)
			if err != nil {
				return false
			}
			salt[pos%SaltSize] ^= mask
			_, err = OpenAccountSecret(ck, salt, ct, nil)
			return errors.Is(err, apperrors.ErrIntegrity)
		},
		gen.IntRange(0, 1<<16),
		gen.UInt8Range(1, 255),
	))

	properties.Property("any flipped master byte is an integrity error", prop.ForAll(
		func(pos int, mask uint8) bool {
			id := uuid.New()
			ck, _ := DeriveCollectionKey(testMaster(), id)
			salt, _ := NewAccountSalt()
			ct, err := SealAccountSecret(ck, salt, []byte("secret"), nil)
			if err != nil {
				return false
			}
			master := testMaster()
			master[pos%len(master)] ^= mask
			other, _ := DeriveCollectionKey(master, id)
			_, err = OpenAccountSecret(other, salt, ct, nil)
			return errors.Is(err, apperrors.ErrIntegrity)
		},
		gen.IntRange(0, 1<<16),
		gen.UInt8Range(1, 255),
	))

	properties.TestingRun(t)
}

func TestSecureBuffer(t *testing.T) {
	src := []byte("master secret material 32 bytes")
	buf := NewSecureBuffer(src)
	Zero(src)

	var seen []byte
	err := buf.Use(func(secret []byte) error {
		seen = append([]byte(nil), secret...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "master secret material 32 bytes", string(seen))
	assert.Equal(t, 31, buf.Len())

	buf.Destroy()
	buf.Destroy()
	assert.True(t, buf.Destroyed())
	assert.Equal(t, 0, buf.Len())
	assert.ErrorIs(t, buf.Use(func([]byte) error { return nil }), ErrBufferDestroyed)
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3}
	Zero(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
}
