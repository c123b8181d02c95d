package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGenerateKeyFormat tests that generated keys match the documented
// segment layout and validate cleanly.
func TestGenerateKeyFormat(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		seed   string
	}{
		{name: "free tier", prefix: "FREE", seed: "user-1001"},
		{name: "pro tier", prefix: "PRO", seed: "user-1002"},
		{name: "enterprise tier", prefix: "ENTERPRISE", seed: "user-1003"},
		{name: "lowercase prefix normalized", prefix: "pro", seed: "user-1004"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := GenerateKey(tt.prefix, tt.seed)
			require.NoError(t, err)

			require.NoError(t, ValidateKeyFormat(key))
			assert.Equal(t, strings.ToUpper(tt.prefix), KeyPrefix(key))

			segments := strings.Split(key, "-")
			require.Len(t, segments, 5)
			assert.Len(t, segments[2], 8, "user hash segment")
			assert.Len(t, segments[3], 16, "random segment")
			assert.Len(t, segments[4], 4, "checksum segment")
		})
	}
}

// TestGenerateKeyUserHashStable tests that the same user seed produces the
// same USERHASH8 segment across independently minted keys.
func TestGenerateKeyUserHashStable(t *testing.T) {
	k1, err := GenerateKey("PRO", "customer-42")
	require.NoError(t, err)
	k2, err := GenerateKey("PRO", "customer-42")
	require.NoError(t, err)

	assert.Equal(t, strings.Split(k1, "-")[2], strings.Split(k2, "-")[2])
	assert.NotEqual(t, k1, k2, "random segment must differ between keys")
}

// TestGenerateKeyRejectsBadInput tests prefix and seed validation.
func TestGenerateKeyRejectsBadInput(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		seed   string
	}{
		{name: "empty prefix", prefix: "", seed: "user"},
		{name: "digit prefix", prefix: "PRO2", seed: "user"},
		{name: "too long prefix", prefix: "ABCDEFGHIJKLMNOP", seed: "user"},
		{name: "empty seed", prefix: "PRO", seed: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := GenerateKey(tt.prefix, tt.seed)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidKeyFormat)
		})
	}
}

// TestValidateKeyFormatRejectsMutation tests that representative character
// mutations invalidate a key: body mutations break the checksum, checksum
// mutations break the comparison, structural mutations break the pattern.
func TestValidateKeyFormatRejectsMutation(t *testing.T) {
	key, err := GenerateKey("PRO", "user-77")
	require.NoError(t, err)
	require.NoError(t, ValidateKeyFormat(key))

	flip := func(s string, i int) string {
		c := byte('A')
		if s[i] == 'A' {
			c = 'B'
		}
		return s[:i] + string(c) + s[i+1:]
	}

	segments := strings.Split(key, "-")
	checksumStart := len(key) - len(segments[4])

	tests := []struct {
		name    string
		mutated string
	}{
		{name: "prefix char", mutated: flip(key, 1)},
		{name: "user hash char", mutated: flip(key, len(segments[0])+1+len(segments[1])+1)},
		{name: "checksum char", mutated: flip(key, checksumStart)},
		{name: "dropped checksum", mutated: key[:checksumStart-1]},
		{name: "lowercased", mutated: strings.ToLower(key)},
		{name: "truncated", mutated: key[:10]},
		{name: "empty", mutated: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKeyFormat(tt.mutated)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidKeyFormat)
		})
	}
}

// TestValidateKeyFormatRejectsGarbage tests the cheap rejection path for
// inputs that never came from the generator.
func TestValidateKeyFormatRejectsGarbage(t *testing.T) {
	inputs := []string{
		"not-a-key",
		"PRO-XXXX",
		"'; DROP TABLE licenses; --",
		strings.Repeat("A", 512),
		"PRO-1-2-3-4",
	}

	for _, input := range inputs {
		assert.ErrorIs(t, ValidateKeyFormat(input), ErrInvalidKeyFormat, "input %q", input)
	}
}

// TestMaskKey tests that masked keys keep only the prefix and tail.
func TestMaskKey(t *testing.T) {
	key, err := GenerateKey("ENTERPRISE", "user-9")
	require.NoError(t, err)

	masked := MaskKey(key)

	assert.True(t, strings.HasPrefix(masked, "ENTERPRISE-****-"))
	assert.Equal(t, key[len(key)-4:], masked[len(masked)-4:])
	assert.NotContains(t, masked, strings.Split(key, "-")[3], "random segment must not leak")

	assert.Equal(t, "****", MaskKey("short"))
}

// TestHashKey tests the cache-key hash is stable hex and key-dependent.
func TestHashKey(t *testing.T) {
	h1 := HashKey("PRO-AAAA-BBBBBBBB-CCCCCCCCCCCCCCCC-DDDD")
	h2 := HashKey("PRO-AAAA-BBBBBBBB-CCCCCCCCCCCCCCCC-DDDD")
	h3 := HashKey("PRO-AAAA-BBBBBBBB-CCCCCCCCCCCCCCCC-DDDE")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64)
}
