package jwt

import (
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// SessionClaims defines the web session JWT payload issued by the auth provider.
type SessionClaims struct {
	AccountID string `json:"account_id"`
	jwtlib.RegisteredClaims
}

// GenerateSession issues a signed session token. Used by tests and tooling;
// production tokens come from the auth provider with the same shared secret.
func GenerateSession(accountID, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		AccountID: accountID,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    "paddock",
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseSession validates a session token and extracts its claims.
func ParseSession(token, secret string) (*SessionClaims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &SessionClaims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}
