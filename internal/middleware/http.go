package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"threatdash/internal/backend"
	"threatdash/internal/logging"
	"threatdash/internal/metrics"
	"threatdash/internal/rate"
	"threatdash/internal/service"
	"threatdash/internal/util"
)

const (
	CSRFFormField  = "csrf_token"
	CSRFHeader     = "X-CSRF-Token"
	maxFormBytes   = 12 << 20
	maxMemoryBytes = 8 << 20
)

func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := uuid.NewString()
		r = r.WithContext(WithRequestID(r.Context(), rid))
		w.Header().Set("X-Request-ID", rid)
		next.ServeHTTP(w, r)
	})
}

// SessionResolver maps a session cookie value to a live session.
type SessionResolver interface {
	Resolve(ctx context.Context, raw string) (service.Session, error)
}

type GuardConfig struct {
	CookieName string
	LoginPath  string
	// Secure decides the Secure flag on the cookie clearing a stale session.
	Secure func(*http.Request) bool
}

// Protected reports whether path requires a session.
func Protected(path string) bool {
	for _, p := range []string{"/dashboard", "/api/v1"} {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func isAPI(path string) bool {
	return path == "/api/v1" || strings.HasPrefix(path, "/api/v1/")
}

// Guard lets requests to protected paths through only with a live session,
// which it stores in the request context. Pages redirect to the login form
// with the original location in next; JSON routes get 401.
func Guard(res SessionResolver, cfg GuardConfig) func(http.Handler) http.Handler {
	login := cfg.LoginPath
	if login == "" {
		login = "/login"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !Protected(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			c, err := r.Cookie(cfg.CookieName)
			if err == nil && c.Value != "" {
				sess, rerr := res.Resolve(r.Context(), c.Value)
				if rerr == nil {
					next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
					return
				}
				secure := cfg.Secure != nil && cfg.Secure(r)
				http.SetCookie(w, &http.Cookie{
					Name: cfg.CookieName, Value: "", Path: "/", HttpOnly: true,
					Secure: secure, SameSite: http.SameSiteLaxMode, MaxAge: -1, Expires: time.Unix(1, 0),
				})
			}
			if isAPI(r.URL.Path) {
				util.WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required", RequestID(r.Context()))
				return
			}
			http.Redirect(w, r, LoginRedirect(login, r.URL.RequestURI()), http.StatusSeeOther)
		})
	}
}

// LoginRedirect builds the login URL carrying next.
func LoginRedirect(login, next string) string {
	if next == "" || next == "/" {
		return login
	}
	return login + "?next=" + url.QueryEscape(next)
}

// SafeNext accepts only same-site absolute paths as a post-login target.
func SafeNext(next, fallback string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return fallback
	}
	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return fallback
	}
	if u.Path == "/login" {
		return fallback
	}
	return next
}

// AdminOnly runs gate for the session in the context. Errors go to fail,
// which decides between a redirect and a forced logout.
func AdminOnly(gate func(context.Context, service.Session) (backend.User, error), fail func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := Session(r.Context())
			if !ok {
				fail(w, r, service.ErrInvalidSession)
				return
			}
			u, err := gate(r.Context(), sess)
			if err != nil {
				fail(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
		})
	}
}

type CSRFConfig struct {
	CookieName string
	Secure     func(*http.Request) bool
	MaxAge     time.Duration
}

var ErrCSRF = errors.New("invalid csrf token")

// CSRF issues the double-submit cookie when missing and, on state-changing
// methods, requires the csrf_token form field or X-CSRF-Token header to
// match it.
func CSRF(cfg CSRFConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ""
			if c, err := r.Cookie(cfg.CookieName); err == nil && len(c.Value) >= 32 {
				token = c.Value
			}
			safe := r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions

			if !safe {
				sent := r.Header.Get(CSRFHeader)
				if sent == "" {
					r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
					if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
						_ = r.ParseMultipartForm(maxMemoryBytes)
					} else {
						_ = r.ParseForm()
					}
					sent = r.PostFormValue(CSRFFormField)
				}
				if token == "" || sent == "" || subtle.ConstantTimeCompare([]byte(sent), []byte(token)) != 1 {
					util.WriteError(w, http.StatusForbidden, "csrf_failed", ErrCSRF.Error(), RequestID(r.Context()))
					return
				}
			}

			if token == "" {
				t, err := util.RandomToken(32)
				if err != nil {
					util.WriteError(w, http.StatusInternalServerError, "internal", "internal error", RequestID(r.Context()))
					return
				}
				token = t
				maxAge := cfg.MaxAge
				if maxAge <= 0 {
					maxAge = 7 * 24 * time.Hour
				}
				http.SetCookie(w, &http.Cookie{
					Name:     cfg.CookieName,
					Value:    token,
					Path:     "/",
					HttpOnly: true,
					Secure:   cfg.Secure != nil && cfg.Secure(r),
					SameSite: http.SameSiteLaxMode,
					MaxAge:   int(maxAge.Seconds()),
				})
			}
			next.ServeHTTP(w, r.WithContext(WithCSRFToken(r.Context(), token)))
		})
	}
}

func RateLimit(l *rate.Limiter, route string, limit int, window time.Duration, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := route + ":" + ClientIP(r, trustProxy)
			if !l.Allow(key, limit, window) {
				w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
				util.WriteError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", RequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestLogger writes one log line per request and counts it by status
// class.
func RequestLogger(log *zap.Logger, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sr, r)

			metrics.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(sr.status/100)+"xx").Inc()
			fields := []zap.Field{
				logging.Method(r.Method),
				logging.Path(r.URL.Path),
				logging.Status(sr.status),
				zap.Duration("duration", time.Since(start)),
				logging.RequestID(RequestID(r.Context())),
				logging.RemoteIP(ClientIP(r, trustProxy)),
			}
			switch {
			case sr.status >= 500:
				log.Error("request", fields...)
			case strings.HasPrefix(r.URL.Path, "/health") || strings.HasPrefix(r.URL.Path, "/static/"):
				log.Debug("request", fields...)
			default:
				log.Info("request", fields...)
			}
		})
	}
}
