package api

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"threatdash/internal/backend"
	"threatdash/internal/middleware"
	"threatdash/internal/service"
	"threatdash/internal/web"
)

const maxAvatarBytes = 5 << 20

func (h *Handlers) Settings(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.Session(r.Context())
	ctx := r.Context()
	u, err := h.svc.Profile(ctx, sess)
	if err != nil {
		if h.sessionEnded(w, r, err) {
			return
		}
		h.log.Warn("settings profile unavailable", zap.Error(err))
	} else {
		ctx = middleware.WithUser(ctx, u)
	}
	p := h.page(r.WithContext(ctx), "Settings", "settings")
	h.renderSettings(w, http.StatusOK, p)
}

func (h *Handlers) renderSettings(w http.ResponseWriter, status int, p web.Page) {
	var u backend.User
	if p.User != nil {
		u = *p.User
	}
	p.Data = web.NewSettingsView(u, h.cfg.PublicAssetBaseURL)
	h.views.Render(w, status, "settings", p)
}

// UpdateProfile sends only the fields that differ from the loaded profile.
func (h *Handlers) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.Session(r.Context())
	_ = r.ParseForm()
	form := make(map[string]string, len(backend.ProfileFields))
	for _, f := range backend.ProfileFields {
		if _, ok := r.PostForm[f]; ok {
			form[f] = r.PostFormValue(f)
		}
	}
	msg, err := h.svc.UpdateProfile(r.Context(), sess, form)
	if err != nil {
		if h.sessionEnded(w, r, err) {
			return
		}
		p := h.page(r, "Settings", "settings")
		if errors.Is(err, service.ErrNoChanges) {
			p.Notice = errorMessage(err)
			h.renderSettings(w, http.StatusOK, p)
			return
		}
		p.Error = errorMessage(err)
		h.renderSettings(w, statusFor(err), p)
		return
	}
	h.reloadSettings(w, r, sess, msg)
}

// reloadSettings re-reads the profile after a mutation and renders it with
// msg.
func (h *Handlers) reloadSettings(w http.ResponseWriter, r *http.Request, sess service.Session, msg string) {
	ctx := r.Context()
	if u, err := h.svc.Profile(ctx, sess); err == nil {
		ctx = middleware.WithUser(ctx, u)
	} else if h.sessionEnded(w, r, err) {
		return
	}
	p := h.page(r.WithContext(ctx), "Settings", "settings")
	p.Success = msg
	h.renderSettings(w, http.StatusOK, p)
}

func (h *Handlers) UpdateAvatar(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.Session(r.Context())
	p := h.page(r, "Settings", "settings")
	if r.MultipartForm == nil {
		if err := r.ParseMultipartForm(maxAvatarBytes); err != nil {
			p.Error = "Please choose an image to upload"
			h.renderSettings(w, http.StatusBadRequest, p)
			return
		}
	}
	f, hdr, err := r.FormFile("image")
	if err != nil {
		p.Error = "Please choose an image to upload"
		h.renderSettings(w, http.StatusBadRequest, p)
		return
	}
	defer f.Close()
	if hdr.Size > maxAvatarBytes {
		p.Error = "Image must be 5 MB or smaller"
		h.renderSettings(w, http.StatusRequestEntityTooLarge, p)
		return
	}
	ct := hdr.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "image/") {
		p.Error = "Only image files can be uploaded"
		h.renderSettings(w, http.StatusUnsupportedMediaType, p)
		return
	}
	msg, err := h.svc.UpdateAvatar(r.Context(), sess, hdr.Filename, ct, f)
	if err != nil {
		if h.sessionEnded(w, r, err) {
			return
		}
		p.Error = errorMessage(err)
		h.renderSettings(w, statusFor(err), p)
		return
	}
	h.reloadSettings(w, r, sess, msg)
}

func (h *Handlers) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.Session(r.Context())
	if r.PostFormValue("confirm") != "yes" {
		p := h.page(r, "Settings", "settings")
		p.Error = "Please confirm that you want to delete your account"
		h.renderSettings(w, http.StatusBadRequest, p)
		return
	}
	if _, err := h.svc.DeleteAccount(r.Context(), sess); err != nil {
		if h.sessionEnded(w, r, err) {
			return
		}
		h.log.Warn("delete account", zap.Error(err))
		p := h.page(r, "Settings", "settings")
		p.Error = errorMessage(err)
		h.renderSettings(w, statusFor(err), p)
		return
	}
	h.clearSessionCookie(w, r)
	http.Redirect(w, r, "/login?deleted=1", http.StatusSeeOther)
}
