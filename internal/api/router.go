package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"threatdash/internal/backend"
	"threatdash/internal/captcha"
	"threatdash/internal/config"
	"threatdash/internal/middleware"
	"threatdash/internal/rate"
	"threatdash/internal/service"
	"threatdash/internal/util"
	"threatdash/internal/web"
)

// Prober checks that a dependency answers.
type Prober interface {
	Probe(ctx context.Context) error
}

type Handlers struct {
	cfg     config.Config
	svc     *service.Service
	views   *web.Renderer
	limiter *rate.Limiter
	probe   Prober
	log     *zap.Logger
	now     func() time.Time
}

func NewRouter(cfg config.Config, svc *service.Service, views *web.Renderer, probe Prober, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handlers{
		cfg:     cfg,
		svc:     svc,
		views:   views,
		limiter: rate.NewLimiter(),
		probe:   probe,
		log:     log,
		now:     time.Now,
	}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.RequestLogger(log, cfg.TrustProxy))
	r.Use(middleware.SecurityHeaders(cfg.PublicAssetBaseURL, svc.Captcha().Origins()))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "X-CSRF-Token"},
			AllowCredentials: true,
		}))
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", h.Ready)
	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Handle("/static/*", http.StripPrefix("/static/", web.StaticHandler()))

	r.Group(func(r chi.Router) {
		r.Use(middleware.CSRF(middleware.CSRFConfig{
			CookieName: cfg.CSRFCookieName,
			Secure:     cfg.ResolveCookieSecure,
			MaxAge:     cfg.SessionTTL(),
		}))
		r.Use(middleware.Guard(svc, middleware.GuardConfig{
			CookieName: cfg.SessionCookieName,
			LoginPath:  "/login",
			Secure:     cfg.ResolveCookieSecure,
		}))

		r.Get("/", h.Root)
		r.Get("/login", h.LoginPage)
		r.With(middleware.RateLimit(h.limiter, "login", 20, time.Minute, cfg.TrustProxy)).Post("/login", h.Login)
		r.Get("/register", h.RegisterPage)
		r.With(middleware.RateLimit(h.limiter, "register", 10, time.Minute, cfg.TrustProxy)).Post("/register", h.Register)
		r.Get("/verify", h.VerifyPage)
		r.With(middleware.RateLimit(h.limiter, "verify", 20, time.Minute, cfg.TrustProxy)).Post("/verify", h.Verify)
		r.With(middleware.RateLimit(h.limiter, "otp_send", 5, time.Minute, cfg.TrustProxy)).Post("/verify/resend", h.ResendOTP)
		r.Get("/reset-password", h.ResetPage)
		r.With(middleware.RateLimit(h.limiter, "reset", 10, time.Minute, cfg.TrustProxy)).Post("/reset-password", h.ResetPassword)
		r.With(middleware.RateLimit(h.limiter, "otp_send", 5, time.Minute, cfg.TrustProxy)).Post("/reset-password/send-code", h.SendResetCode)
		r.Post("/logout", h.Logout)

		r.Route("/dashboard", func(r chi.Router) {
			r.Use(h.loadUser)
			r.Get("/", h.Dashboard)
			r.Get("/iocs", h.SearchIOCs)
			r.Get("/iocs/{id}", h.IOCDetail)
			r.Get("/iocs/{id}/export.json", h.IOCExportJSON)
			r.Get("/iocs/{id}/export.csv", h.IOCExportCSV)
			r.Get("/reports", h.Reports)
			r.Get("/reports/export.json", h.ReportExportJSON)
			r.Get("/reports/top-threats.csv", h.TopThreatsCSV)

			r.Get("/settings", h.Settings)
			r.Post("/settings/profile", h.UpdateProfile)
			r.With(middleware.RateLimit(h.limiter, "avatar", 10, time.Minute, cfg.TrustProxy)).Post("/settings/avatar", h.UpdateAvatar)
			r.Post("/settings/delete", h.DeleteAccount)

			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.AdminOnly(svc.RequireAdmin, h.adminFailure))
				r.Get("/", h.Admin)
				r.With(middleware.RateLimit(h.limiter, "ingest", 6, time.Minute, cfg.TrustProxy)).Post("/ingest", h.Ingest)
			})
		})

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/me", h.Me)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/health/") {
			util.WriteError(w, http.StatusNotFound, "not_found", "not found", middleware.RequestID(r.Context()))
			return
		}
		p := h.page(r, "Page not found", "")
		h.views.Render(w, http.StatusNotFound, "error", p)
	})

	return r
}

// Ready reports the database and backend reachability.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ready := map[string]any{
		"checked_at": time.Now().UTC().Format(time.RFC3339),
		"components": map[string]any{},
	}
	comps := ready["components"].(map[string]any)
	ok := true

	if err := h.svc.Ping(r.Context()); err != nil {
		ok = false
		comps["database"] = map[string]any{"ok": false, "error": err.Error()}
	} else {
		comps["database"] = map[string]any{"ok": true}
	}

	if h.probe != nil {
		if err := h.probe.Probe(r.Context()); err != nil {
			ok = false
			comps["backend"] = map[string]any{"ok": false, "error": backend.Message(err)}
		} else {
			comps["backend"] = map[string]any{"ok": true}
		}
	}

	if ok {
		ready["status"] = "ready"
		util.WriteJSON(w, 200, ready)
		return
	}
	ready["status"] = "degraded"
	util.WriteJSON(w, 503, ready)
}

// page starts the template data shared by every view.
func (h *Handlers) page(r *http.Request, title, active string) web.Page {
	p := web.Page{
		Title:   title,
		Active:  active,
		CSRF:    middleware.CSRFToken(r.Context()),
		Captcha: h.svc.Captcha(),
	}
	if u, ok := middleware.User(r.Context()); ok {
		p.User = &u
	}
	return p
}

// loadUser puts the current profile in the context. When the backend is
// unreachable the page still renders with the identity stored in the
// session.
func (h *Handlers) loadUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := middleware.Session(r.Context())
		if !ok {
			h.endSession(w, r)
			return
		}
		u, err := h.svc.CurrentUser(r.Context(), sess)
		if err != nil {
			if h.sessionEnded(w, r, err) {
				return
			}
			h.log.Warn("profile unavailable", zap.Error(err))
			u = backend.User{Username: sess.Username, Email: sess.Email, Role: sess.Role}
		}
		next.ServeHTTP(w, r.WithContext(middleware.WithUser(r.Context(), u)))
	})
}

// sessionEnded finishes the response when err means the session is gone and
// reports whether it did.
func (h *Handlers) sessionEnded(w http.ResponseWriter, r *http.Request, err error) bool {
	if !errors.Is(err, service.ErrSessionExpired) && !errors.Is(err, service.ErrInvalidSession) {
		return false
	}
	h.endSession(w, r)
	return true
}

func (h *Handlers) endSession(w http.ResponseWriter, r *http.Request) {
	h.clearSessionCookie(w, r)
	if strings.HasPrefix(r.URL.Path, "/api/") {
		util.WriteError(w, http.StatusUnauthorized, "unauthorized", "session expired", middleware.RequestID(r.Context()))
		return
	}
	if r.URL.Path == "/login" {
		h.views.Render(w, http.StatusUnauthorized, "login", h.page(r, "Sign in", ""))
		return
	}
	next := ""
	if r.Method == http.MethodGet {
		next = r.URL.RequestURI()
	}
	http.Redirect(w, r, middleware.LoginRedirect("/login", next), http.StatusSeeOther)
}

// errorMessage turns err into the one line shown beside the form that
// caused it.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrPasswordMismatch):
		return "Passwords do not match"
	case errors.Is(err, service.ErrNoChanges):
		return "No changes to save"
	case errors.Is(err, service.ErrMissingInput):
		return "Please fill in all required fields"
	case errors.Is(err, service.ErrForbidden):
		return "You do not have access to this page"
	case errors.Is(err, captcha.ErrCaptchaRequired):
		return "Please complete the captcha"
	case errors.Is(err, captcha.ErrCaptchaUnavailable):
		return "Captcha verification is unavailable. Try again later."
	case errors.Is(err, context.Canceled):
		return "The request was cancelled"
	}
	if _, ok := backend.KindOf(err); ok {
		return backend.Message(err)
	}
	return backend.FallbackMessage
}

// statusFor picks the response status for a re-rendered form.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrPasswordMismatch), errors.Is(err, service.ErrMissingInput),
		errors.Is(err, service.ErrNoChanges), errors.Is(err, captcha.ErrCaptchaRequired):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, captcha.ErrCaptchaUnavailable):
		return http.StatusServiceUnavailable
	}
	switch k, _ := backend.KindOf(err); k {
	case backend.KindUnauthorized:
		return http.StatusUnauthorized
	case backend.KindValidation:
		return http.StatusBadRequest
	case backend.KindNetwork, backend.KindServerError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// renderFailure shows err on a page of its own when the view could not be
// built at all.
func (h *Handlers) renderFailure(w http.ResponseWriter, r *http.Request, title string, err error) {
	if h.sessionEnded(w, r, err) {
		return
	}
	p := h.page(r, title, "")
	p.Error = errorMessage(err)
	h.views.Render(w, statusFor(err), "error", p)
}
