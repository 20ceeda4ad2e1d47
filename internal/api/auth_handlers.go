package api

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"threatdash/internal/backend"
	"threatdash/internal/logging"
	"threatdash/internal/middleware"
	"threatdash/internal/service"
	"threatdash/internal/util"
	"threatdash/internal/web"
)

const (
	// Failed logins for one address and email before each attempt is
	// delayed, and before attempts are refused for the rest of the window.
	loginSlowAfter = 3
	loginBlockAt   = 6
	maxLoginDelay  = 32 * time.Second
)

// Root sends signed in visitors to the dashboard and everyone else to the
// login form.
func (h *Handlers) Root(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(h.cfg.SessionCookieName); err == nil && c.Value != "" {
		if _, err := h.svc.Resolve(r.Context(), c.Value); err == nil {
			http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
			return
		}
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (h *Handlers) LoginPage(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(h.cfg.SessionCookieName); err == nil && c.Value != "" {
		if _, err := h.svc.Resolve(r.Context(), c.Value); err == nil {
			http.Redirect(w, r, middleware.SafeNext(r.URL.Query().Get("next"), "/dashboard"), http.StatusSeeOther)
			return
		}
	}
	p := h.page(r, "Sign in", "")
	p.Next = middleware.SafeNext(r.URL.Query().Get("next"), "")
	q := r.URL.Query()
	switch {
	case q.Get("verified") == "1":
		p.Success = "Email verified. You can now sign in."
	case q.Get("reset") == "1":
		p.Success = "Password reset successfully. You can now sign in."
	case q.Get("deleted") == "1":
		p.Notice = "Your account has been deleted."
	}
	h.views.Render(w, http.StatusOK, "login", p)
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderLogin(w, r, http.StatusBadRequest, "invalid form", "")
		return
	}
	email := strings.TrimSpace(r.PostFormValue("email"))
	password := r.PostFormValue("password")
	ip := middleware.ClientIP(r, h.cfg.TrustProxy)

	if n, err := h.svc.LoginFailures(r.Context(), ip, email); err == nil && n >= loginBlockAt {
		w.Header().Set("Retry-After", "900")
		h.renderLogin(w, r, http.StatusTooManyRequests, "Too many failed sign-in attempts. Try again later.", email)
		return
	}

	raw, sess, err := h.svc.Login(r.Context(), email, password, ip, r.UserAgent())
	if err != nil {
		status := statusFor(err)
		if k, ok := backend.KindOf(err); (ok && (k == backend.KindUnauthorized || k == backend.KindValidation)) || errors.Is(err, service.ErrMissingInput) {
			h.slowDown(r, ip, email)
		}
		h.log.Info("login failed",
			logging.Route("login"),
			logging.RemoteIP(ip),
			logging.RequestID(middleware.RequestID(r.Context())),
			zap.Error(err))
		h.renderLogin(w, r, status, errorMessage(err), email)
		return
	}
	_ = h.svc.ClearLoginFailures(r.Context(), ip, email)
	h.setSessionCookie(w, r, raw, sess.ExpiresAt)
	http.Redirect(w, r, middleware.SafeNext(r.PostFormValue("next"), "/dashboard"), http.StatusSeeOther)
}

// slowDown records a failed attempt and, past the threshold, holds the
// response for an exponentially growing delay.
func (h *Handlers) slowDown(r *http.Request, ip, email string) {
	n, err := h.svc.RecordLoginFailure(r.Context(), ip, email)
	if err != nil {
		h.log.Warn("record login failure", zap.Error(err))
		return
	}
	if n <= loginSlowAfter {
		return
	}
	shift := n - loginSlowAfter
	if shift > 5 {
		shift = 5
	}
	delay := time.Duration(1<<shift) * time.Second
	if delay > maxLoginDelay {
		delay = maxLoginDelay
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-r.Context().Done():
	}
}

func (h *Handlers) renderLogin(w http.ResponseWriter, r *http.Request, status int, msg, email string) {
	p := h.page(r, "Sign in", "")
	p.Error = msg
	p.Next = middleware.SafeNext(r.PostFormValue("next"), "")
	p.Form = map[string]string{"email": email}
	h.views.Render(w, status, "login", p)
}

func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(h.cfg.SessionCookieName); err == nil && c.Value != "" {
		if sess, err := h.svc.Resolve(r.Context(), c.Value); err == nil {
			if err := h.svc.Logout(r.Context(), sess); err != nil {
				h.log.Warn("logout", zap.Error(err))
			}
		}
	}
	h.clearSessionCookie(w, r)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

var registerFields = []string{"firstName", "lastName", "email", "countryCode", "dialCode", "phone", "dateOfBirth", "gender"}

func (h *Handlers) RegisterPage(w http.ResponseWriter, r *http.Request) {
	h.views.Render(w, http.StatusOK, "register", h.page(r, "Create account", ""))
}

func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		p := h.page(r, "Create account", "")
		p.Error = "invalid form"
		h.views.Render(w, http.StatusBadRequest, "register", p)
		return
	}
	form := make(map[string]string, len(registerFields))
	for _, f := range registerFields {
		form[f] = strings.TrimSpace(r.PostFormValue(f))
	}
	in := service.RegisterInput{
		RegisterRequest: backend.RegisterRequest{
			FirstName:   form["firstName"],
			LastName:    form["lastName"],
			Email:       form["email"],
			Password:    r.PostFormValue("password"),
			CountryCode: form["countryCode"],
			DialCode:    form["dialCode"],
			Phone:       form["phone"],
			DateOfBirth: form["dateOfBirth"],
			Gender:      form["gender"],
		},
		ConfirmPassword: r.PostFormValue("confirmPassword"),
		CaptchaToken:    strings.TrimSpace(r.PostFormValue(h.svc.Captcha().FormField())),
		RemoteIP:        middleware.ClientIP(r, h.cfg.TrustProxy),
	}
	_, err := h.svc.Register(r.Context(), in)
	if err != nil {
		p := h.page(r, "Create account", "")
		p.Error = errorMessage(err)
		p.Form = form
		h.views.Render(w, statusFor(err), "register", p)
		return
	}
	q := url.Values{"email": {strings.TrimSpace(in.Email)}, "registered": {"1"}}
	http.Redirect(w, r, "/verify?"+q.Encode(), http.StatusSeeOther)
}

func (h *Handlers) VerifyPage(w http.ResponseWriter, r *http.Request) {
	p := h.page(r, "Verify your email", "")
	p.Form = map[string]string{"email": strings.TrimSpace(r.URL.Query().Get("email"))}
	if r.URL.Query().Get("registered") == "1" {
		p.Success = "Registration successful. Check your email for the verification code."
	}
	h.views.Render(w, http.StatusOK, "verify", p)
}

func (h *Handlers) Verify(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.PostFormValue("email"))
	if _, err := h.svc.VerifyOTP(r.Context(), email, r.PostFormValue("otp")); err != nil {
		p := h.page(r, "Verify your email", "")
		p.Error = errorMessage(err)
		p.Form = map[string]string{"email": email}
		h.views.Render(w, statusFor(err), "verify", p)
		return
	}
	http.Redirect(w, r, "/login?verified=1", http.StatusSeeOther)
}

func (h *Handlers) ResendOTP(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.PostFormValue("email"))
	h.sendCode(w, r, email, "verify", "Verify your email")
}

func (h *Handlers) ResetPage(w http.ResponseWriter, r *http.Request) {
	p := h.page(r, "Reset password", "")
	p.Form = map[string]string{"email": strings.TrimSpace(r.URL.Query().Get("email"))}
	h.views.Render(w, http.StatusOK, "reset", p)
}

// SendResetCode asks the backend for a fresh one-time code for the reset
// form.
func (h *Handlers) SendResetCode(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.PostFormValue("email"))
	h.sendCode(w, r, email, "reset", "Reset password")
}

func (h *Handlers) sendCode(w http.ResponseWriter, r *http.Request, email, view, title string) {
	p := h.page(r, title, "")
	p.Form = map[string]string{"email": email}
	msg, err := h.svc.ResendOTP(r.Context(), email)
	if err != nil {
		p.Error = errorMessage(err)
		h.views.Render(w, statusFor(err), view, p)
		return
	}
	p.Success = msg
	h.views.Render(w, http.StatusOK, view, p)
}

func (h *Handlers) ResetPassword(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.PostFormValue("email"))
	p := h.page(r, "Reset password", "")
	p.Form = map[string]string{"email": email}

	pw := r.PostFormValue("newPassword")
	if pw != r.PostFormValue("confirmPassword") {
		p.Error = errorMessage(service.ErrPasswordMismatch)
		h.views.Render(w, http.StatusBadRequest, "reset", p)
		return
	}
	if _, err := h.svc.ResetPassword(r.Context(), email, r.PostFormValue("otp"), pw); err != nil {
		p.Error = errorMessage(err)
		h.views.Render(w, statusFor(err), "reset", p)
		return
	}
	http.Redirect(w, r, "/login?reset=1", http.StatusSeeOther)
}

// Me returns the signed in profile as JSON.
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
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
		util.WriteError(w, statusFor(err), "backend_error", errorMessage(err), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{
		"user":      u,
		"avatarUrl": web.AvatarURL(h.cfg.PublicAssetBaseURL, u),
		"isAdmin":   u.IsAdmin(),
	})
}
