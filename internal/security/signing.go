package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Signing errors. Both are integrity failures: the request is dead, never
// retried, and the caller logs a security event.
var (
	ErrSignatureMismatch = errors.New("signature verification failed")
	ErrStaleTimestamp    = errors.New("timestamp outside tolerance window")
)

// DefaultTimestampTolerance is how far a signed timestamp may drift from
// server time before the payload is treated as a replay.
const DefaultTimestampTolerance = 5 * time.Minute

// Signer signs and verifies HMAC-SHA256 payloads. Webhook signatures cover
// "timestamp.body"; request signatures additionally bind a nonce with
// "timestamp.nonce.body". Timestamps travel as unix seconds.
type Signer struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewSigner creates a signer for a shared secret. A zero tolerance selects
// DefaultTimestampTolerance.
func NewSigner(secret string, tolerance time.Duration) (*Signer, error) {
	if len(secret) < 16 {
		return nil, errors.New("signing secret must be at least 16 characters")
	}
	if tolerance <= 0 {
		tolerance = DefaultTimestampTolerance
	}
	return &Signer{secret: []byte(secret), tolerance: tolerance, now: time.Now}, nil
}

// SignWebhook computes the signature a provider attaches to a webhook
// delivery for the given send time and raw body.
func (s *Signer) SignWebhook(timestamp time.Time, body []byte) string {
	return s.sign(strconv.FormatInt(timestamp.Unix(), 10) + "." + string(body))
}

// VerifyWebhook checks a webhook delivery. The timestamp header is verified
// first so an attacker replaying an old signed body is rejected even though
// the signature itself still matches.
func (s *Signer) VerifyWebhook(timestampHeader, signature string, body []byte) error {
	ts, err := s.checkTimestamp(timestampHeader)
	if err != nil {
		return err
	}
	expected := s.SignWebhook(ts, body)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrSignatureMismatch
	}
	return nil
}

// SignPayload signs a request body bound to a timestamp and nonce.
func (s *Signer) SignPayload(timestamp time.Time, nonce string, body []byte) string {
	return s.sign(strconv.FormatInt(timestamp.Unix(), 10) + "." + nonce + "." + string(body))
}

// VerifyPayload checks a signed request. The nonce makes two otherwise
// identical requests sign differently; replay tracking of nonces is the
// caller's concern.
func (s *Signer) VerifyPayload(timestampHeader, nonce, signature string, body []byte) error {
	ts, err := s.checkTimestamp(timestampHeader)
	if err != nil {
		return err
	}
	expected := s.SignPayload(ts, nonce, body)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrSignatureMismatch
	}
	return nil
}

func (s *Signer) checkTimestamp(header string) (time.Time, error) {
	unix, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: unparsable timestamp %q", ErrStaleTimestamp, header)
	}
	ts := time.Unix(unix, 0)
	drift := s.now().Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > s.tolerance {
		return time.Time{}, fmt.Errorf("%w: drift %s exceeds %s", ErrStaleTimestamp, drift, s.tolerance)
	}
	return ts, nil
}

func (s *Signer) sign(canonical string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(canonical))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// NewNonce returns a 16-byte random nonce in hex.
func NewNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
