package captcha

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"threatdash/internal/config"
)

func TestNewVerifierDisabledIsNoop(t *testing.T) {
	v := NewVerifier(config.Config{})
	if v.Widget().Enabled {
		t.Fatalf("expected disabled widget")
	}
	if err := v.Verify(context.Background(), "", ""); err != nil {
		t.Fatalf("noop verifier should accept, got %v", err)
	}
}

func TestHTTPVerifierSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("response") != "token" {
			t.Errorf("expected form-encoded response token")
		}
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer ts.Close()

	v := &HTTPVerifier{provider: "turnstile", verifyURL: ts.URL, secret: "secret", client: ts.Client()}
	if err := v.Verify(context.Background(), "token", "127.0.0.1"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got := v.Widget().FormField(); got != "cf-turnstile-response" {
		t.Fatalf("unexpected form field %q", got)
	}
}

func TestHTTPVerifierMissingToken(t *testing.T) {
	v := &HTTPVerifier{provider: "hcaptcha", verifyURL: "http://127.0.0.1:1", secret: "secret", client: http.DefaultClient}
	if err := v.Verify(context.Background(), "  ", ""); !errors.Is(err, ErrCaptchaRequired) {
		t.Fatalf("expected ErrCaptchaRequired, got %v", err)
	}
}

func TestHTTPVerifierFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
	}))
	defer ts.Close()

	v := &HTTPVerifier{provider: "turnstile", verifyURL: ts.URL, secret: "secret", client: ts.Client()}
	err := v.Verify(context.Background(), "token", "127.0.0.1")
	if !errors.Is(err, ErrCaptchaRequired) {
		t.Fatalf("expected ErrCaptchaRequired, got %v", err)
	}
}

func TestHTTPVerifierCAPUnavailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("expected JSON content type, got %q", got)
		}
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"upstream unavailable"}`))
	}))
	defer ts.Close()

	v := &HTTPVerifier{provider: "cap", verifyURL: ts.URL, secret: "secret", client: ts.Client()}
	err := v.Verify(context.Background(), "token", "127.0.0.1")
	if !errors.Is(err, ErrCaptchaUnavailable) {
		t.Fatalf("expected ErrCaptchaUnavailable, got %v", err)
	}
}

func TestWidgetProviderAssets(t *testing.T) {
	w := Widget{Enabled: true, Provider: "hcaptcha", SiteKey: "k"}
	if w.ElementClass() != "h-captcha" || w.FormField() != "h-captcha-response" {
		t.Fatalf("unexpected hcaptcha widget: %q %q", w.ElementClass(), w.FormField())
	}
	if len(w.Origins()) != 2 {
		t.Fatalf("expected hcaptcha origins, got %v", w.Origins())
	}
	if (Widget{}).Origins() != nil {
		t.Fatalf("disabled widget must not widen the policy")
	}
	if (Widget{Enabled: true, Provider: "turnstile"}).ScriptURL() == "" {
		t.Fatalf("expected turnstile script url")
	}
}
