package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the identity shape handed to the core by the out-of-scope
// token issuer: which tenant the caller belongs to and who they are.
// Roles and category scope are never trusted from the token; they are
// read fresh from the partition on every request.
type Claims struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"sub"`
	jwt.RegisteredClaims
}

func ParseClaims(secret, token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.TenantID == "" || claims.UserID == "" {
		return nil, fmt.Errorf("token missing tenant or subject")
	}
	return claims, nil
}
