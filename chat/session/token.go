package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenStore keeps the credential token between runs.
type TokenStore interface {
	Token() (string, error)
	SaveToken(token string) error
	ClearToken() error
}

// tokenExpired reports whether tok is a JWT whose exp lies before now.
// The signature is not checked; only the server can do that. Tokens that
// are not JWTs are treated as opaque and never expire here.
func tokenExpired(tok string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !exp.After(now)
}

// tokenSubject returns the sub claim of a JWT, if any.
func tokenSubject(tok string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}
