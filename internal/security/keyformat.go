package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// License keys follow PREFIX-TIMESTAMP36-USERHASH8-RANDOM16-CHECKSUM4:
//
//	PREFIX       tier name, uppercase
//	TIMESTAMP36  minting time, unix seconds in base36, uppercase
//	USERHASH8    first 8 hex chars of SHA-256 over the user seed
//	RANDOM16     16 chars from an alphabet without ambiguous glyphs
//	CHECKSUM4    first 4 hex chars of SHA-256 over the preceding segments
//
// The checksum is unkeyed: it proves nothing about who minted the key, only
// that the string was not mistyped or truncated. Authenticity comes from the
// store lookup. Its job is rejecting garbage before any I/O happens.

// ErrInvalidKeyFormat is returned for any key whose pattern or checksum does
// not verify.
var ErrInvalidKeyFormat = errors.New("invalid license key format")

// randomAlphabet excludes 0/O, 1/I/L so keys survive being read aloud or
// retyped from an email.
const randomAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	userHashLen = 8
	randomLen   = 16
	checksumLen = 4
)

var (
	keyPattern    = regexp.MustCompile(`^([A-Z]{2,12})-([0-9A-Z]{1,13})-([0-9A-F]{8})-([A-Z2-9]{16})-([0-9A-F]{4})$`)
	prefixPattern = regexp.MustCompile(`^[A-Z]{2,12}$`)
)

// GenerateKey mints a new license key for the given tier prefix and user
// seed. The same user seed always yields the same USERHASH8 segment, so
// support can correlate a customer's keys without storing the seed.
func GenerateKey(prefix, userSeed string) (string, error) {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if !prefixPattern.MatchString(prefix) {
		return "", fmt.Errorf("%w: bad prefix %q", ErrInvalidKeyFormat, prefix)
	}
	if userSeed == "" {
		return "", fmt.Errorf("%w: empty user seed", ErrInvalidKeyFormat)
	}

	ts := strings.ToUpper(strconv.FormatInt(time.Now().Unix(), 36))
	userHash := hashSegment(userSeed, userHashLen)

	random, err := randomSegment(randomLen)
	if err != nil {
		return "", fmt.Errorf("generate random segment: %w", err)
	}

	body := strings.Join([]string{prefix, ts, userHash, random}, "-")
	return body + "-" + checksum(body), nil
}

// ValidateKeyFormat rejects malformed keys before any database lookup. The
// checksum comparison is constant time even though the checksum is not a
// secret, so the format check leaks nothing about how close a guess was.
func ValidateKeyFormat(key string) error {
	m := keyPattern.FindStringSubmatch(key)
	if m == nil {
		return ErrInvalidKeyFormat
	}
	body := strings.Join([]string{m[1], m[2], m[3], m[4]}, "-")
	if subtle.ConstantTimeCompare([]byte(checksum(body)), []byte(m[5])) != 1 {
		return fmt.Errorf("%w: checksum mismatch", ErrInvalidKeyFormat)
	}
	return nil
}

// KeyPrefix returns the tier prefix segment of a key, or "" when the key is
// not even segment-shaped.
func KeyPrefix(key string) string {
	i := strings.IndexByte(key, '-')
	if i <= 0 {
		return ""
	}
	return key[:i]
}

// MaskKey renders a key safe for logs: the tier prefix and the last four
// characters survive, everything identifying in between is dropped.
func MaskKey(key string) string {
	if len(key) < 8 {
		return "****"
	}
	prefix := KeyPrefix(key)
	if prefix == "" {
		prefix = key[:3]
	}
	return prefix + "-****-" + key[len(key)-4:]
}

// HashKey returns the SHA-256 of a key in hex. Cache backends and audit
// records use this so raw keys never leave the validation path.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func checksum(body string) string {
	sum := sha256.Sum256([]byte(body))
	return strings.ToUpper(hex.EncodeToString(sum[:]))[:checksumLen]
}

func hashSegment(seed string, n int) string {
	sum := sha256.Sum256([]byte(seed))
	return strings.ToUpper(hex.EncodeToString(sum[:]))[:n]
}

func randomSegment(n int) (string, error) {
	max := big.NewInt(int64(len(randomAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = randomAlphabet[idx.Int64()]
	}
	return string(b), nil
}
