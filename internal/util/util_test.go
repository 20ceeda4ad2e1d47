package util

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEncryptRoundTripWithDerivedKey(t *testing.T) {
	key, err := DeriveKey("this_is_a_valid_long_session_encrypt_key_123456", "bearer")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(key))
	}
	enc, err := EncryptString(key, "eyJhbGciOi.bearer")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	plain, err := DecryptString(key, enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "eyJhbGciOi.bearer" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}

func TestDeriveKeyIsPurposeBound(t *testing.T) {
	a, _ := DeriveKey("secret-secret-secret-secret", "bearer")
	b, _ := DeriveKey("secret-secret-secret-secret", "other")
	if bytes.Equal(a, b) {
		t.Fatalf("expected different keys per purpose")
	}
	enc, _ := EncryptString(a, "x")
	if _, err := DecryptString(b, enc); err == nil {
		t.Fatalf("expected decrypt with wrong key to fail")
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusUnauthorized, "unauthorized", "authentication required", "rid-1")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var body APIError
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != "unauthorized" || body.RequestID != "rid-1" {
		t.Fatalf("unexpected body %+v", body)
	}
}
