package kms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestNewLocalProvider(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr string
	}{
		{name: "valid", key: testKeyHex},
		{name: "empty", key: "", wantErr: "master key is required"},
		{name: "not_hex", key: "zz", wantErr: "hex encoded"},
		{name: "wrong_length", key: "0011", wantErr: "must be 32 bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewLocalProvider(tt.key)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "local", p.Provider())
		})
	}
}

func TestLocalProvider_EncryptDecrypt(t *testing.T) {
	provider, err := NewLocalProvider(testKeyHex)
	require.NoError(t, err)
	ctx := context.Background()
	ad := []byte("evm:1\x000xabc")

	ciphertext, err := provider.Encrypt(ctx, []byte("inner ciphertext"), ad)
	require.NoError(t, err)

	t.Run("round trip", func(t *testing.T) {
		plaintext, err := provider.Decrypt(ctx, ciphertext, ad)
		require.NoError(t, err)
		assert.Equal(t, []byte("inner ciphertext"), plaintext)
	})

	t.Run("row swap is detected", func(t *testing.T) {
		_, err := provider.Decrypt(ctx, ciphertext, []byte("evm:1\x000xdef"))
		assert.ErrorIs(t, err, ErrUnsealFailed)
	})

	t.Run("corruption is detected", func(t *testing.T) {
		bad := append([]byte(nil), ciphertext...)
		bad[len(bad)-1] ^= 0xff
		_, err := provider.Decrypt(ctx, bad, ad)
		assert.ErrorIs(t, err, ErrUnsealFailed)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := provider.Decrypt(ctx, []byte{1, 2}, ad)
		assert.ErrorIs(t, err, ErrUnsealFailed)
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := NewLocalProvider(strings.Repeat("ab", 32))
		require.NoError(t, err)
		_, err = other.Decrypt(ctx, ciphertext, ad)
		assert.ErrorIs(t, err, ErrUnsealFailed)
	})
}

type fakeKMS struct {
	lastContext map[string]string
	fail        bool
}

func (f *fakeKMS) Encrypt(ctx context.Context, in *kms.EncryptInput, _ ...func(*kms.Options)) (*kms.EncryptOutput, error) {
	if f.fail {
		return nil, errors.New("AccessDeniedException")
	}
	f.lastContext = in.EncryptionContext
	return &kms.EncryptOutput{CiphertextBlob: append([]byte("aws:"), in.Plaintext...)}, nil
}

func (f *fakeKMS) Decrypt(ctx context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	if f.fail {
		return nil, errors.New("InvalidCiphertextException")
	}
	f.lastContext = in.EncryptionContext
	return &kms.DecryptOutput{Plaintext: []byte(strings.TrimPrefix(string(in.CiphertextBlob), "aws:"))}, nil
}

func TestAWSKMSProvider(t *testing.T) {
	fake := &fakeKMS{}
	p := &AWSKMSProvider{keyID: "alias/vault", client: fake}
	ctx := context.Background()

	ct, err := p.Encrypt(ctx, []byte("blob"), []byte("row"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"binding": "cm93"}, fake.lastContext)

	pt, err := p.Decrypt(ctx, ct, []byte("row"))
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), pt)
	assert.Equal(t, "aws-kms", p.Provider())

	fake.fail = true
	_, err = p.Decrypt(ctx, ct, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aws kms decrypt failed")
}

func TestNewAWSKMSProvider_Validation(t *testing.T) {
	_, err := NewAWSKMSProvider(context.Background(), "", "us-east-1")
	assert.Error(t, err)
	_, err = NewAWSKMSProvider(context.Background(), "key", "")
	assert.Error(t, err)
}

type vaultTransitRequest struct {
	Plaintext      string `json:"plaintext"`
	Ciphertext     string `json:"ciphertext"`
	AssociatedData string `json:"associated_data"`
}

func newVaultTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	respond := func(w http.ResponseWriter, data map[string]interface{}) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req vaultTransitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch {
		case strings.HasPrefix(r.URL.Path, "/v1/transit/encrypt/"):
			respond(w, map[string]interface{}{
				"ciphertext": "vault:v1:" + req.AssociatedData + ":" + req.Plaintext,
			})
		case strings.HasPrefix(r.URL.Path, "/v1/transit/decrypt/"):
			parts := strings.SplitN(strings.TrimPrefix(req.Ciphertext, "vault:v1:"), ":", 2)
			if len(parts) != 2 || parts[0] != req.AssociatedData {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"errors":["cipher: message authentication failed"]}`))
				return
			}
			respond(w, map[string]interface{}{"plaintext": parts[1]})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestVaultProvider_EncryptDecrypt_RoundTrip(t *testing.T) {
	server := newVaultTestServer(t)
	defer server.Close()

	provider, err := NewVaultProvider(server.URL, "token", "test-key")
	require.NoError(t, err)
	ctx := context.Background()

	ciphertext, err := provider.Encrypt(ctx, []byte("vault-secret"), []byte("row-1"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(ciphertext), "vault:v1:"))

	decrypted, err := provider.Decrypt(ctx, ciphertext, []byte("row-1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("vault-secret"), decrypted)

	_, err = provider.Decrypt(ctx, ciphertext, []byte("row-2"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault transit decrypt failed")
}

func TestVaultProvider_Encrypt_Error(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"errors":["boom"]}`))
	}))
	defer server.Close()

	provider, err := NewVaultProvider(server.URL, "token", "test-key")
	require.NoError(t, err)

	_, err = provider.Encrypt(context.Background(), []byte("data"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault transit encrypt failed")
}

func TestNewProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("local by default", func(t *testing.T) {
		p, err := NewProvider(ctx, &Config{LocalMasterKeyHex: testKeyHex})
		require.NoError(t, err)
		assert.Equal(t, "local", p.Provider())
	})

	t.Run("vault", func(t *testing.T) {
		p, err := NewProvider(ctx, &Config{
			Provider:        "vault",
			VaultAddress:    "http://127.0.0.1:8200",
			VaultToken:      "token",
			VaultTransitKey: "agentvault",
		})
		require.NoError(t, err)
		assert.Equal(t, "vault", p.Provider())
	})

	t.Run("aws-kms without key id", func(t *testing.T) {
		_, err := NewProvider(ctx, &Config{Provider: "aws-kms", AWSKMSRegion: "us-east-1"})
		assert.Error(t, err)
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := NewProvider(ctx, &Config{Provider: "gcp-kms"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported KMS provider")
	})
}
