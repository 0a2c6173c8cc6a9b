package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const ctxIdentityKey contextKey = "identity"

// TokenValidator resolves a bearer token to its identity.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, error)
}

// Toucher records identity activity. Optional.
type Toucher interface {
	Touch(ctx context.Context, id uuid.UUID) error
}

// IdentityAuth authenticates requests by their bearer token and sets the
// identity id into request context. When touch is set it bumps last-seen.
func IdentityAuth(tokens TokenValidator, touch Toucher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"ok":false,"error":{"code":"UNAUTHORIZED","message":"missing or malformed Authorization header"}}`, http.StatusUnauthorized)
				return
			}
			id, err := tokens.ValidateToken(r.Context(), raw)
			if err != nil {
				http.Error(w, `{"ok":false,"error":{"code":"UNAUTHORIZED","message":"invalid token"}}`, http.StatusUnauthorized)
				return
			}
			if touch != nil {
				if err := touch.Touch(r.Context(), id); err != nil {
					slog.Warn("touch identity failed", "identity_id", id, "error", err)
				}
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// IdentityFromCtx returns the authenticated identity id.
func IdentityFromCtx(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxIdentityKey).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// WithIdentity returns a context carrying the given identity id.
func WithIdentity(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxIdentityKey, id)
}

// RequireKey admits requests whose header carries key. An empty key
// rejects everything.
func RequireKey(header, key string) func(http.Handler) http.Handler {
	want := hashKey(key)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(header)
			if key == "" || got == "" || subtle.ConstantTimeCompare(hashKey(got), want) != 1 {
				http.Error(w, `{"ok":false,"error":{"code":"FORBIDDEN","message":"invalid key"}}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminKey guards the admin routes with the X-Admin-Key header.
func AdminKey(key string) func(http.Handler) http.Handler {
	return RequireKey("X-Admin-Key", key)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func hashKey(raw string) []byte {
	sum := sha256.Sum256([]byte(raw))
	return sum[:]
}
