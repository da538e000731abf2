package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/eldtechnologies/chatmesh/internal/apperr"
)

type contextKey string

const userIDKey contextKey = "user_id"

// AdminTokenHeader carries the operator token on admin routes.
const AdminTokenHeader = "X-Admin-Token"

// TokenResolver maps a bearer token to a user. *auth.Service implements it.
type TokenResolver interface {
	Resolve(ctx context.Context, token string) (int64, error)
}

// RequireUser rejects requests without a valid bearer token and stores the
// token's user ID in the request context.
func RequireUser(resolver TokenResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				jsonError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			userID, err := resolver.Resolve(r.Context(), token)
			if err != nil {
				if apperr.Is(err, apperr.KindTransient) {
					jsonError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
					return
				}
				jsonError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// RequireAdminToken guards operator routes. An empty configured token
// disables them.
func RequireAdminToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				jsonError(w, http.StatusNotFound, "not found")
				return
			}
			got := r.Header.Get(AdminTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				jsonError(w, http.StatusUnauthorized, "invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken extracts the token from the Authorization header, falling
// back to the access_token query parameter for WebSocket clients that
// cannot set headers.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return r.URL.Query().Get("access_token")
}

// WithUserID returns ctx carrying userID.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the authenticated user set by RequireUser.
func UserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
