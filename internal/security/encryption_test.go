package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPassphrase = []byte("machine-derived-passphrase-000111")

// TestEncryptDecryptRoundTrip tests the happy path for a persisted secret.
func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := []byte("PRO-SGKXYZ-1A2B3C4D-ABCDEFGHJKMNPQRS-0F3C")

	payload, err := EncryptSecret(plaintext, testPassphrase, nil)
	require.NoError(t, err)
	require.Equal(t, uint8(1), payload.Version)
	assert.Len(t, payload.Salt, 32)
	assert.Len(t, payload.Nonce, 12)
	assert.Len(t, payload.AuthTag, 16)
	assert.NotZero(t, payload.Timestamp)

	got, err := DecryptSecret(payload, testPassphrase, nil)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

// TestDecryptWrongPassphrase tests decryption fails under the wrong key.
func TestDecryptWrongPassphrase(t *testing.T) {
	payload, err := EncryptSecret([]byte("secret"), testPassphrase, nil)
	require.NoError(t, err)

	_, err = DecryptSecret(payload, []byte("a-completely-different-passphrase"), nil)
	require.Error(t, err)
}

// TestDecryptTamperedPayload tests each tampering vector is caught.
func TestDecryptTamperedPayload(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*EncryptedPayload)
	}{
		{name: "ciphertext bit flip", mutate: func(p *EncryptedPayload) { p.Ciphertext[0] ^= 0x01 }},
		{name: "integrity bit flip", mutate: func(p *EncryptedPayload) { p.Integrity[0] ^= 0x01 }},
		{name: "nonce bit flip", mutate: func(p *EncryptedPayload) { p.Nonce[0] ^= 0x01 }},
		{name: "auth tag bit flip", mutate: func(p *EncryptedPayload) { p.AuthTag[0] ^= 0x01 }},
		{name: "unsupported version", mutate: func(p *EncryptedPayload) { p.Version = 9 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := EncryptSecret([]byte("secret"), testPassphrase, nil)
			require.NoError(t, err)

			tt.mutate(payload)

			_, err = DecryptSecret(payload, testPassphrase, nil)
			require.Error(t, err)
		})
	}
}

// TestEncryptSecretInputValidation tests plaintext and passphrase
// preconditions.
func TestEncryptSecretInputValidation(t *testing.T) {
	_, err := EncryptSecret(nil, testPassphrase, nil)
	require.Error(t, err)

	_, err = EncryptSecret([]byte("x"), []byte("short"), nil)
	require.Error(t, err)
}

// TestEncryptSecretFreshRandomness tests that two encryptions of the same
// plaintext share nothing.
func TestEncryptSecretFreshRandomness(t *testing.T) {
	p1, err := EncryptSecret([]byte("same"), testPassphrase, nil)
	require.NoError(t, err)
	p2, err := EncryptSecret([]byte("same"), testPassphrase, nil)
	require.NoError(t, err)

	assert.NotEqual(t, p1.Salt, p2.Salt)
	assert.NotEqual(t, p1.Nonce, p2.Nonce)
	assert.NotEqual(t, p1.Ciphertext, p2.Ciphertext)
}

// TestPayloadEncodeDecodeRoundTrip tests the base64 storage form.
func TestPayloadEncodeDecodeRoundTrip(t *testing.T) {
	payload, err := EncryptSecret([]byte("round-trip"), testPassphrase, nil)
	require.NoError(t, err)

	encoded, err := payload.Encode()
	require.NoError(t, err)

	decoded, err := DecodePayload(encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)

	got, err := DecryptSecret(decoded, testPassphrase, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("round-trip"), got)
}

// TestDecodePayloadRejectsGarbage tests corrupt storage blobs.
func TestDecodePayloadRejectsGarbage(t *testing.T) {
	_, err := DecodePayload("not base64 at all !!!")
	require.Error(t, err)

	_, err = DecodePayload("bm90LWpzb24=")
	require.Error(t, err)
}

// TestValidateEncryptionConfig tests rejection of weakened parameters.
func TestValidateEncryptionConfig(t *testing.T) {
	require.NoError(t, ValidateEncryptionConfig(DefaultEncryptionConfig()))

	tests := []struct {
		name   string
		mutate func(*EncryptionConfig)
	}{
		{name: "nil config", mutate: nil},
		{name: "weak N", mutate: func(c *EncryptionConfig) { c.SCryptN = 1024 }},
		{name: "weak r", mutate: func(c *EncryptionConfig) { c.SCryptR = 4 }},
		{name: "zero p", mutate: func(c *EncryptionConfig) { c.SCryptP = 0 }},
		{name: "short key", mutate: func(c *EncryptionConfig) { c.SCryptKeyLen = 16 }},
		{name: "bad nonce size", mutate: func(c *EncryptionConfig) { c.NonceSize = 8 }},
		{name: "bad tag size", mutate: func(c *EncryptionConfig) { c.TagSize = 8 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.mutate == nil {
				require.Error(t, ValidateEncryptionConfig(nil))
				return
			}
			cfg := DefaultEncryptionConfig()
			tt.mutate(cfg)
			require.Error(t, ValidateEncryptionConfig(cfg))
		})
	}
}

// TestSecureCompare tests the constant-time comparison helper.
func TestSecureCompare(t *testing.T) {
	assert.True(t, SecureCompare([]byte("abc"), []byte("abc")))
	assert.False(t, SecureCompare([]byte("abc"), []byte("abd")))
	assert.False(t, SecureCompare([]byte("abc"), []byte("abcd")))
	assert.True(t, SecureCompare(nil, nil))
}
