package oauth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpired reports whether a JWT-shaped access token carries an exp
// claim at or before now. The signature is not checked; the server remains
// the authority. Opaque tokens are never considered expired.
func TokenExpired(raw string, now time.Time) bool {
	if strings.Count(raw, ".") != 2 {
		return false
	}

	var claims jwt.RegisteredClaims
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(raw, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !now.Before(claims.ExpiresAt.Time)
}
