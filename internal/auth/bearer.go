package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// BearerExpiry reads the exp claim of a JWT bearer without verifying its
// signature. The result only caps the local session lifetime; it is never
// used for authorization. ok is false for opaque tokens or tokens without exp.
func BearerExpiry(token string) (exp time.Time, ok bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	nd, err := claims.GetExpirationTime()
	if err != nil || nd == nil {
		return time.Time{}, false
	}
	return nd.Time.UTC(), true
}

// SessionExpiry returns now+ttl, shortened to the bearer's exp when earlier.
func SessionExpiry(now time.Time, ttl time.Duration, bearer string) time.Time {
	exp := now.Add(ttl)
	if be, ok := BearerExpiry(bearer); ok && be.Before(exp) {
		return be
	}
	return exp
}
