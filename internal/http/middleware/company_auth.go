package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/reserveja/backend/internal/tenancy"
)

type contextKey string

const companyClaimsKey contextKey = "companyClaims"

// CompanyClaims are the claims issued to company portal users. Admin
// tokens carry role "admin" and may act on any company via the
// X-Company-Id header.
type CompanyClaims struct {
	CompanyID string `json:"company_id"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// CompanyJWT enforces an HMAC-signed JWT and resolves the tenant the
// request acts on. The resolved company id is stored in the request
// context; downstream handlers trust it.
func CompanyJWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, "company auth disabled", http.StatusUnauthorized)
				return
			}
			auth := r.Header.Get("Authorization")
			if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(auth, "Bearer ")
			claims := CompanyClaims{}
			token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			companyID := claims.CompanyID
			if claims.Role == "admin" {
				if override := strings.TrimSpace(r.Header.Get("X-Company-Id")); override != "" {
					companyID = override
				}
			}
			if companyID == "" {
				http.Error(w, "token has no company", http.StatusForbidden)
				return
			}

			ctx := tenancy.WithCompanyID(r.Context(), companyID)
			ctx = contextWithCompanyClaims(ctx, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func contextWithCompanyClaims(ctx context.Context, claims CompanyClaims) context.Context {
	return context.WithValue(ctx, companyClaimsKey, claims)
}

// CompanyClaimsFromContext returns the verified claims if present.
func CompanyClaimsFromContext(ctx context.Context) (CompanyClaims, bool) {
	claims, ok := ctx.Value(companyClaimsKey).(CompanyClaims)
	return claims, ok
}
