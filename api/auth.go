package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/dues-engine/ledger"
)

// TenantHeader names the tenant of record endpoints.
const TenantHeader = "X-Tenant-ID"

type tenantKey struct{}

// Claims are the tenant token claims.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// ParseTenantToken validates an HS256 token and returns its claims.
func ParseTenantToken(tokenString string, secret []byte) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("auth: empty token")
	}
	if len(secret) == 0 {
		return nil, errors.New("auth: token verification is not configured")
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	if claims.TenantID == "" {
		return nil, errors.New("auth: missing tenant_id")
	}
	return claims, nil
}

// TenantScope authenticates an optional bearer token. A valid token puts
// its tenant on the request context; no token leaves the request
// unscoped; a bad token is rejected with 401.
func TenantScope(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				writeError(w, http.StatusUnauthorized, "Authorization must be a bearer token", nil)
				return
			}
			claims, err := ParseTenantToken(strings.TrimSpace(token), secret)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid tenant token", err)
				return
			}
			ctx := context.WithValue(r.Context(), tenantKey{}, ledger.TenantID(claims.TenantID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// authenticatedTenant returns the tenant of a verified token, if any.
func authenticatedTenant(ctx context.Context) (ledger.TenantID, bool) {
	tenant, ok := ctx.Value(tenantKey{}).(ledger.TenantID)
	return tenant, ok && tenant != ""
}

// requestTenant resolves the tenant of a record endpoint: the token's
// tenant, else the X-Tenant-ID header. A header that disagrees with the
// token is rejected.
func requestTenant(r *http.Request) (ledger.TenantID, error) {
	header := ledger.TenantID(strings.TrimSpace(r.Header.Get(TenantHeader)))
	if tenant, ok := authenticatedTenant(r.Context()); ok {
		if header != "" && header != tenant {
			return "", &ledger.InvalidInputError{Field: "tenant_id", Reason: "header does not match token"}
		}
		return tenant, nil
	}
	if header == "" {
		return "", &ledger.InvalidInputError{Field: "tenant_id", Reason: TenantHeader + " header is required"}
	}
	return header, nil
}
