package middleware

import (
	"context"
	"net/http"
	"slices"
	"strings"

	apperrors "github.com/campusmart/marketplace/pkg/errors"
	"github.com/campusmart/marketplace/pkg/httputil"
	"github.com/campusmart/marketplace/pkg/logger"
)

// Headers set by the gateway after it authenticates the caller.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

type identityKey struct{}

// Identity is the authenticated caller as asserted by the gateway.
type Identity struct {
	UserID string
	Role   string
}

// HasRole reports whether the caller holds any of roles.
func (id Identity) HasRole(roles ...string) bool {
	return id.Role != "" && slices.Contains(roles, id.Role)
}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the caller identity, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.UserID != ""
}

func UserIDFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.UserID
}

// GatewayIdentity reads the caller from the gateway headers. Requests without
// them pass through anonymously; RequireUser rejects them where needed.
func GatewayIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}
		role := strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderUserRole)))
		ctx := WithIdentity(r.Context(), Identity{UserID: userID, Role: role})
		ctx = logger.WithUser(ctx, userID, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireUser answers 401 when no caller identity is present.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := IdentityFromContext(r.Context()); !ok {
			httputil.WriteError(w, r, apperrors.Unauthorized("missing caller identity"), nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole answers 401 without identity and 403 when the caller holds none
// of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, _ := IdentityFromContext(r.Context())
			if !id.HasRole(roles...) {
				httputil.WriteError(w, r, apperrors.Forbidden("insufficient permissions"), nil)
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}
