package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/docvault/docvault/internal/tenant"
)

type JWTMiddleware struct {
	secret  []byte
	tenants *tenant.Service
}

func NewJWTMiddleware(secret string, ts *tenant.Service) *JWTMiddleware {
	return &JWTMiddleware{secret: []byte(secret), tenants: ts}
}

// Authenticate verifies the bearer credential and installs the tenant
// binding. The binding, not any request field, is the single source of
// tenant identity for everything downstream.
func (m *JWTMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractBearerToken(r)
		if tokenStr == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		claims, err := VerifyAccessToken(m.secret, tokenStr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := r.Context()

		user, err := m.tenants.GetUserByID(ctx, userID)
		if err != nil || !user.Active {
			writeError(w, http.StatusUnauthorized, "account unavailable")
			return
		}

		// The tenant id in the claims is informational; the user row is
		// authoritative so a forged claim cannot rebind the user.
		t, err := m.tenants.GetByID(ctx, user.TenantID)
		if err != nil || !t.Active {
			writeError(w, http.StatusUnauthorized, "account unavailable")
			return
		}

		ctx = tenant.WithBinding(ctx, tenant.Binding{
			TenantID:  t.ID,
			UserID:    user.ID,
			Role:      tenant.Role(user.Role),
			Namespace: t.Namespace,
		})

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Require gates a mutating route on the closed role table.
func Require(action tenant.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b, ok := tenant.BindingFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing authorization token")
				return
			}
			if !b.Role.Can(action) {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
