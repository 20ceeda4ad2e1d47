package middleware

import (
	"context"
	"net/http"
	"strings"

	"threatdash/internal/backend"
	"threatdash/internal/service"
)

type ctxKey string

const (
	ctxRequestID ctxKey = "request_id"
	ctxUser      ctxKey = "user"
	ctxSession   ctxKey = "session"
	ctxCSRF      ctxKey = "csrf"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxRequestID, id)
}

func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(ctxRequestID).(string)
	return v
}

func WithUser(ctx context.Context, u backend.User) context.Context {
	return context.WithValue(ctx, ctxUser, u)
}

func User(ctx context.Context) (backend.User, bool) {
	u, ok := ctx.Value(ctxUser).(backend.User)
	return u, ok
}

func WithSession(ctx context.Context, s service.Session) context.Context {
	return context.WithValue(ctx, ctxSession, s)
}

func Session(ctx context.Context) (service.Session, bool) {
	s, ok := ctx.Value(ctxSession).(service.Session)
	return s, ok
}

func WithCSRFToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, ctxCSRF, token)
}

// CSRFToken is the token forms on this request must echo back.
func CSRFToken(ctx context.Context) string {
	v, _ := ctx.Value(ctxCSRF).(string)
	return v
}

// SecurityHeaders sets a restrictive policy. extraOrigins widens script,
// frame and connect sources for third party widgets; assetOrigin widens
// img-src for uploaded avatars.
func SecurityHeaders(assetOrigin string, extraOrigins []string) func(http.Handler) http.Handler {
	img := "'self' data:"
	if assetOrigin != "" {
		img += " " + assetOrigin
	}
	extra := ""
	if len(extraOrigins) > 0 {
		extra = " " + strings.Join(extraOrigins, " ")
	}
	csp := "default-src 'self'; " +
		"img-src " + img + "; " +
		"style-src 'self' 'unsafe-inline'; " +
		"script-src 'self'" + extra + "; " +
		"frame-src 'self'" + extra + "; " +
		"connect-src 'self'" + extra + "; " +
		"form-action 'self'; frame-ancestors 'none'; base-uri 'self'"

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "same-origin")
			w.Header().Set("Content-Security-Policy", csp)
			next.ServeHTTP(w, r)
		})
	}
}
