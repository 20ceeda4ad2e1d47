package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestNewOpaqueTokenHashMatches(t *testing.T) {
	raw, hash, err := NewOpaqueToken()
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	if raw == "" || len(hash) != 64 {
		t.Fatalf("unexpected token %q hash %q", raw, hash)
	}
	if HashToken(raw) != hash {
		t.Fatalf("expected HashToken to reproduce stored hash")
	}
}

func TestSessionExpiryCappedByBearer(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	exp := now.Add(2 * time.Hour)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1", "exp": exp.Unix()})
	signed, err := tok.SignedString([]byte("any-key-not-verified-locally"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	got := SessionExpiry(now, 7*24*time.Hour, signed)
	if !got.Equal(exp) {
		t.Fatalf("expected expiry capped at %s, got %s", exp, got)
	}

	got = SessionExpiry(now, time.Hour, signed)
	if !got.Equal(now.Add(time.Hour)) {
		t.Fatalf("expected ttl to win when shorter, got %s", got)
	}
}

func TestSessionExpiryOpaqueBearer(t *testing.T) {
	now := time.Now().UTC()
	if _, ok := BearerExpiry("not-a-jwt"); ok {
		t.Fatalf("opaque bearer should not yield an expiry")
	}
	if got := SessionExpiry(now, time.Hour, "not-a-jwt"); !got.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %s", got)
	}
}
