/**
 * @description
 * Authentication middleware for the merchant API. A valid HS256 bearer token puts
 * its tenant on the request context through tenancy.WithTenant; everything below
 * the middleware is tenant-scoped from then on.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: token parsing and validation.
 */

package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kessai/link-service/internal/tenancy"
)

// AuthConfig configures TenantAuthMiddleware.
type AuthConfig struct {
	SigningKey []byte
	// Issuer and Audience are enforced when non-empty.
	Issuer   string
	Audience string
}

// TenantAuthMiddleware validates the bearer token and scopes the request to its tenant.
// The tenant comes from the tenant_id claim, falling back to sub.
func TenantAuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(cfg.SigningKey) == 0 {
				writeError(w, http.StatusServiceUnavailable, "authentication is not configured")
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader || strings.TrimSpace(tokenString) == "" {
				writeError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
				return cfg.SigningKey, nil
			})
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			tenantID, err := tenantFromClaims(claims)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}

			ctx := tenancy.WithTenant(r.Context(), tenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func tenantFromClaims(claims jwt.MapClaims) (string, error) {
	if tenant, ok := claims["tenant_id"].(string); ok && strings.TrimSpace(tenant) != "" {
		return strings.TrimSpace(tenant), nil
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return "", errors.New("tenant not found in token")
	}
	return strings.TrimSpace(sub), nil
}
