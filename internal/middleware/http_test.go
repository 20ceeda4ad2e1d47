package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"threatdash/internal/backend"
	"threatdash/internal/models"
	"threatdash/internal/rate"
	"threatdash/internal/service"
)

func TestClientIPTrustProxy(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.5:12345"
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.5")

	if got := ClientIP(r, false); got != "10.0.0.5" {
		t.Fatalf("unexpected direct IP: %s", got)
	}
	if got := ClientIP(r, true); got != "1.2.3.4" {
		t.Fatalf("unexpected proxied IP: %s", got)
	}
}

type stubResolver struct {
	valid string
}

func (s stubResolver) Resolve(ctx context.Context, raw string) (service.Session, error) {
	if raw != s.valid {
		return service.Session{}, service.ErrInvalidSession
	}
	return service.Session{Session: models.Session{ID: "sess-1", Username: "alice"}}, nil
}

func guarded(t *testing.T) http.Handler {
	t.Helper()
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sess, found := Session(r.Context()); found {
			w.Header().Set("X-Session", sess.ID)
		}
		w.WriteHeader(http.StatusOK)
	})
	return Guard(stubResolver{valid: "good"}, GuardConfig{CookieName: "threatdash_session"})(ok)
}

func TestGuardRedirectsWithNext(t *testing.T) {
	rec := httptest.NewRecorder()
	guarded(t).ServeHTTP(rec, httptest.NewRequest("GET", "/dashboard/iocs?q=evil.test", nil))

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if loc.Path != "/login" || loc.Query().Get("next") != "/dashboard/iocs?q=evil.test" {
		t.Fatalf("unexpected redirect: %s", rec.Header().Get("Location"))
	}
}

func TestGuardPassesUnprotectedPaths(t *testing.T) {
	for _, p := range []string{"/login", "/register", "/health/live", "/static/app.css", "/dashboards"} {
		rec := httptest.NewRecorder()
		guarded(t).ServeHTTP(rec, httptest.NewRequest("GET", p, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected pass-through, got %d", p, rec.Code)
		}
	}
}

func TestGuardAPIReturns401(t *testing.T) {
	rec := httptest.NewRecorder()
	guarded(t).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestGuardClearsStaleCookie(t *testing.T) {
	req := httptest.NewRequest("GET", "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: "threatdash_session", Value: "stale"})
	rec := httptest.NewRecorder()
	guarded(t).ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Set-Cookie"), "Max-Age=0") {
		t.Fatalf("expected session cookie to be cleared, got %q", rec.Header().Get("Set-Cookie"))
	}
	if rec.Header().Get("Location") != "/login?next=%2Fdashboard" {
		t.Fatalf("unexpected location %q", rec.Header().Get("Location"))
	}
}

func TestGuardStoresSession(t *testing.T) {
	req := httptest.NewRequest("GET", "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: "threatdash_session", Value: "good"})
	rec := httptest.NewRecorder()
	guarded(t).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("X-Session") != "sess-1" {
		t.Fatalf("expected session in context, got %d %q", rec.Code, rec.Header().Get("X-Session"))
	}
}

func TestSafeNext(t *testing.T) {
	cases := map[string]string{
		"":                    "/dashboard",
		"/dashboard/reports":  "/dashboard/reports",
		"/dashboard/iocs?q=x": "/dashboard/iocs?q=x",
		"//evil.test":         "/dashboard",
		"/\\evil.test":        "/dashboard",
		"https://evil.test/":  "/dashboard",
		"dashboard":           "/dashboard",
		"/login":              "/dashboard",
	}
	for in, want := range cases {
		if got := SafeNext(in, "/dashboard"); got != want {
			t.Fatalf("SafeNext(%q) = %q, want %q", in, got, want)
		}
	}
}

func csrfHandler() http.Handler {
	return CSRF(CSRFConfig{CookieName: "threatdash_csrf"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(CSRFToken(r.Context())))
	}))
}

func TestCSRFIssuesCookieOnGet(t *testing.T) {
	rec := httptest.NewRecorder()
	csrfHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/login", nil))

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != "threatdash_csrf" {
		t.Fatalf("expected csrf cookie, got %v", cookies)
	}
	if rec.Body.String() != cookies[0].Value {
		t.Fatalf("context token must match cookie")
	}
}

func TestCSRFValidatesFormField(t *testing.T) {
	token := strings.Repeat("a", 43)

	post := func(field string) int {
		form := url.Values{"csrf_token": {field}, "email": {"a@b.c"}}
		req := httptest.NewRequest("POST", "/login", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.AddCookie(&http.Cookie{Name: "threatdash_csrf", Value: token})
		rec := httptest.NewRecorder()
		csrfHandler().ServeHTTP(rec, req)
		return rec.Code
	}
	if got := post(token); got != http.StatusOK {
		t.Fatalf("expected matching token to pass, got %d", got)
	}
	if got := post("wrong"); got != http.StatusForbidden {
		t.Fatalf("expected mismatched token to fail, got %d", got)
	}
	if got := post(""); got != http.StatusForbidden {
		t.Fatalf("expected missing token to fail, got %d", got)
	}
}

func TestCSRFAcceptsHeader(t *testing.T) {
	token := strings.Repeat("b", 43)
	req := httptest.NewRequest("POST", "/logout", nil)
	req.Header.Set(CSRFHeader, token)
	req.AddCookie(&http.Cookie{Name: "threatdash_csrf", Value: token})
	rec := httptest.NewRecorder()
	csrfHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected header token to pass, got %d", rec.Code)
	}
}

func TestAdminOnly(t *testing.T) {
	var failed error
	gate := func(ctx context.Context, sess service.Session) (backend.User, error) {
		if sess.Username == "root" {
			return backend.User{Username: "root", Role: "admin"}, nil
		}
		return backend.User{}, service.ErrForbidden
	}
	h := AdminOnly(gate, func(w http.ResponseWriter, r *http.Request, err error) {
		failed = err
		w.WriteHeader(http.StatusSeeOther)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, _ := User(r.Context())
		_, _ = w.Write([]byte(u.Username))
	}))

	req := httptest.NewRequest("GET", "/dashboard/admin", nil)
	req = req.WithContext(WithSession(req.Context(), service.Session{Session: models.Session{Username: "bob"}}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if !errors.Is(failed, service.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", failed)
	}

	req = httptest.NewRequest("GET", "/dashboard/admin", nil)
	req = req.WithContext(WithSession(req.Context(), service.Session{Session: models.Session{Username: "root"}}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Body.String() != "root" {
		t.Fatalf("expected admin to pass, got %q", rec.Body.String())
	}
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(rate.NewLimiter(), "login", 2, time.Minute, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/login", nil)
		req.RemoteAddr = "10.0.0.9:1000"
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes %v", codes)
	}
}

func TestSecurityHeadersWidensForWidgets(t *testing.T) {
	h := SecurityHeaders("https://cdn.example.test", []string{"https://challenges.cloudflare.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	csp := rec.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "img-src 'self' data: https://cdn.example.test") || !strings.Contains(csp, "script-src 'self' https://challenges.cloudflare.com") {
		t.Fatalf("unexpected csp %q", csp)
	}
}

func TestRequestLoggerRecordsStatus(t *testing.T) {
	h := RequestIDMiddleware(RequestLogger(zap.NewNop(), false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	if rec.Code != http.StatusTeapot || rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Header().Get("X-Request-ID"))
	}
}
