package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrFingerprintMismatch is returned when a presented fingerprint does not
// core-match the one stored for a machine.
var ErrFingerprintMismatch = errors.New("fingerprint core mismatch")

// FingerprintComponents are the raw device characteristics a fingerprint is
// derived from. Platform, Architecture and MachineID are the core fields; a
// machine is the same machine iff all three match. Salt and Timestamp only
// widen the full hash so two registrations of the same device still produce
// distinct stored values.
type FingerprintComponents struct {
	Platform     string
	Architecture string
	MachineID    string
	Salt         string
	Timestamp    time.Time
}

// Fingerprint is the derived pair of hashes. CoreHash covers only the core
// fields and is what comparisons use; FullHash covers everything and is what
// gets persisted alongside it.
type Fingerprint struct {
	CoreHash string `json:"core_hash"`
	FullHash string `json:"full_hash"`
}

// FingerprintService derives fingerprints with a server-held secret mixed
// in, so a client cannot forge a fingerprint for a machine it never ran on.
type FingerprintService struct {
	secret []byte
}

// NewFingerprintService creates a fingerprint service. The secret must be at
// least 32 characters; a short secret makes offline forgery feasible.
func NewFingerprintService(secret string) (*FingerprintService, error) {
	if len(secret) < 32 {
		return nil, errors.New("fingerprint secret must be at least 32 characters")
	}
	return &FingerprintService{secret: []byte(secret)}, nil
}

// Compute derives the keyed fingerprint for a set of components. Empty core
// fields are normalized to "unknown" so older clients that send nothing
// still fingerprint consistently.
func (s *FingerprintService) Compute(c FingerprintComponents) Fingerprint {
	core := strings.Join([]string{
		normalizeComponent(c.Platform),
		normalizeComponent(c.Architecture),
		normalizeComponent(c.MachineID),
	}, "|")

	full := core + "|" + c.Salt
	if !c.Timestamp.IsZero() {
		full = fmt.Sprintf("%s|%d", full, c.Timestamp.Unix())
	}

	return Fingerprint{
		CoreHash: s.mac(core),
		FullHash: s.mac(full),
	}
}

// CoreMatch compares two fingerprints on their core hash only, in constant
// time. Drift in salt or timestamp is tolerated; drift in platform,
// architecture or machine id is not.
func (s *FingerprintService) CoreMatch(a, b Fingerprint) bool {
	if a.CoreHash == "" || b.CoreHash == "" {
		return false
	}
	return SecureCompare([]byte(a.CoreHash), []byte(b.CoreHash))
}

// Verify checks a presented fingerprint against a stored one and returns
// ErrFingerprintMismatch when the cores differ.
func (s *FingerprintService) Verify(presented, stored Fingerprint) error {
	if !s.CoreMatch(presented, stored) {
		return ErrFingerprintMismatch
	}
	return nil
}

func (s *FingerprintService) mac(input string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(input))
	return hex.EncodeToString(h.Sum(nil))
}

// String packs a fingerprint into the single-column form persisted with a
// machine record.
func (f Fingerprint) String() string {
	return f.CoreHash + "." + f.FullHash
}

// ParseFingerprint unpacks the persisted form. A bare hash with no separator
// is treated as a core-only fingerprint from an earlier schema.
func ParseFingerprint(s string) Fingerprint {
	core, full, found := strings.Cut(s, ".")
	if !found {
		return Fingerprint{CoreHash: core}
	}
	return Fingerprint{CoreHash: core, FullHash: full}
}

// NewSalt returns a random 16-byte hex salt for fingerprint derivation.
func NewSalt() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate fingerprint salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func normalizeComponent(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "unknown"
	}
	return v
}
