package middleware

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"
	lru "github.com/hashicorp/golang-lru/v2"

	kgerrors "keygate/internal/errors"
	"keygate/internal/infrastructure"
	"keygate/internal/security"
	v1 "keygate/pkg/contracts/v1"
)

// maxSignedBody bounds the body a signature gate will buffer. Validate
// requests are a few hundred bytes; anything near this limit is abuse.
const maxSignedBody = 1 << 20

// nonceCacheSize bounds replay tracking. Nonces only need to be remembered
// for the signer's timestamp tolerance, so a bounded LRU is enough.
const nonceCacheSize = 4096

// SignatureGate authenticates requests by an HMAC-SHA256 signature over the
// raw body bound to a timestamp and nonce. Verified nonces are remembered so
// a captured request cannot be replayed inside the tolerance window.
type SignatureGate struct {
	signer *security.Signer
	seen   *lru.Cache[string, time.Time]
	logger *slog.Logger
}

// NewSignatureGate builds a gate around an already-constructed signer.
func NewSignatureGate(signer *security.Signer, logger *slog.Logger) (*SignatureGate, error) {
	if signer == nil {
		return nil, errors.New("signature gate requires a signer")
	}
	seen, err := lru.New[string, time.Time](nonceCacheSize)
	if err != nil {
		return nil, err
	}
	return &SignatureGate{signer: signer, seen: seen, logger: logger}, nil
}

// Handler verifies X-Timestamp, X-Nonce and X-Signature before letting the
// request through. The body is buffered for verification and restored for
// the downstream handler.
func (g *SignatureGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timestamp := r.Header.Get(v1.HeaderTimestamp)
		nonce := r.Header.Get(v1.HeaderNonce)
		signature := r.Header.Get(v1.HeaderSignature)
		if timestamp == "" || nonce == "" || signature == "" {
			g.reject(w, r, "missing_headers", "request signature headers are required")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSignedBody))
		if err != nil {
			_ = render.Render(w, r, kgerrors.NewProblemDetails(
				http.StatusRequestEntityTooLarge,
				"/errors/payload-too-large",
				"Payload Too Large",
				"signed payload exceeds the maximum allowed size",
				r.URL.Path,
			))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if err := g.signer.VerifyPayload(timestamp, nonce, signature, body); err != nil {
			reason := "invalid_signature"
			if errors.Is(err, security.ErrStaleTimestamp) {
				reason = "stale_timestamp"
			}
			g.reject(w, r, reason, "request signature verification failed")
			return
		}

		// Replay tracking runs after verification so unauthenticated
		// traffic cannot evict legitimate nonces.
		if dup, _ := g.seen.ContainsOrAdd(nonce, time.Now()); dup {
			g.reject(w, r, "nonce_replayed", "request signature verification failed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (g *SignatureGate) reject(w http.ResponseWriter, r *http.Request, reason, detail string) {
	ctx := r.Context()

	g.logger.WarnContext(ctx, "signed request rejected",
		"reason", reason,
		"method", r.Method,
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr,
		"security_event", true,
	)

	problemType := kgerrors.TypeInvalidSignature
	if reason == "stale_timestamp" {
		problemType = kgerrors.TypeStaleTimestamp
	}

	_ = render.Render(w, r, kgerrors.NewProblemDetails(
		http.StatusUnauthorized,
		problemType,
		"Unauthorized",
		detail,
		r.URL.Path,
	).WithExtension("trace_id", infrastructure.GetTraceID(ctx)))
}
