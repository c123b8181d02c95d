package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/render"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	kgerrors "keygate/internal/errors"
	"keygate/internal/infrastructure"
)

// ErrInvalidToken covers every admin token rejection: bad signature,
// expiry, wrong role. Callers get no more detail than that.
var ErrInvalidToken = errors.New("invalid token")

const adminRole = "admin"

// AdminClaims are the claims carried by admin API bearer tokens.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminTokens mints and validates admin bearer tokens with a shared
// HMAC secret.
type AdminTokens struct {
	signingKey []byte
}

// NewAdminTokens creates a token manager for the given secret.
func NewAdminTokens(secret string) *AdminTokens {
	return &AdminTokens{signingKey: []byte(secret)}
}

// Mint issues an admin token for subject, valid for ttl.
func (t *AdminTokens) Mint(subject string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := AdminClaims{
		Role: adminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "keygate",
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	// Kid allows key rotation later even though a single key is used now.
	token.Header["kid"] = "v1"

	return token.SignedString(t.signingKey)
}

// Validate parses and checks an admin token.
func (t *AdminTokens) Validate(tokenString string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Role != adminRole {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RequireAdmin guards admin routes with bearer token auth. The admin
// subject is placed into the request context on success.
func RequireAdmin(tokens *AdminTokens, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.WarnContext(ctx, "missing authorization header",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				renderUnauthorized(w, r, "Missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				logger.WarnContext(ctx, "invalid authorization format",
					"method", r.Method,
					"path", r.URL.Path,
				)
				renderUnauthorized(w, r, "Invalid authorization format. Use: Bearer <token>")
				return
			}

			claims, err := tokens.Validate(parts[1])
			if err != nil {
				logger.WarnContext(ctx, "admin authentication failed",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				renderUnauthorized(w, r, "Invalid or expired token")
				return
			}

			ctx = context.WithValue(ctx, adminSubjectKey, claims.Subject)

			logger.DebugContext(ctx, "admin authenticated",
				"subject", claims.Subject,
				"method", r.Method,
				"path", r.URL.Path,
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminSubject returns the authenticated admin subject, or "" outside an
// admin request.
func AdminSubject(ctx context.Context) string {
	if subject, ok := ctx.Value(adminSubjectKey).(string); ok {
		return subject
	}
	return ""
}

// AuditLog records every admin operation with the acting subject and the
// response outcome. Mount it inside RequireAdmin.
func AuditLog(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := time.Now()

			ww := &auditResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			logger.InfoContext(ctx, "admin audit",
				"subject", AdminSubject(ctx),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.statusCode,
				"duration", time.Since(start).String(),
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}

type auditResponseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *auditResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *auditResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}

func renderUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	pd := kgerrors.NewProblemDetails(
		http.StatusUnauthorized,
		"/errors/unauthorized",
		"Unauthorized",
		detail,
		r.URL.Path,
	).WithExtension("trace_id", infrastructure.GetTraceID(r.Context()))
	_ = render.Render(w, r, pd)
}
