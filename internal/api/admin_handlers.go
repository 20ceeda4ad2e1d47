package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"threatdash/internal/middleware"
	"threatdash/internal/models"
	"threatdash/internal/service"
	"threatdash/internal/web"
)

const adminAuditLimit = 25

// adminFailure handles a failed admin gate. Non-admins go back to the
// dashboard; a dead session is logged out.
func (h *Handlers) adminFailure(w http.ResponseWriter, r *http.Request, err error) {
	if h.sessionEnded(w, r, err) {
		return
	}
	if !errors.Is(err, service.ErrForbidden) {
		h.log.Warn("admin gate", zap.Error(err))
	}
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

func (h *Handlers) Admin(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.Session(r.Context())
	p := h.page(r, "Admin", "admin")
	fs, err := h.svc.FeedStatus(r.Context(), sess)
	if err != nil {
		if h.sessionEnded(w, r, err) {
			return
		}
		p.Error = errorMessage(err)
	}
	p.Data = web.NewAdminView(fs, err == nil, h.recentAudit(r))
	h.views.Render(w, http.StatusOK, "admin", p)
}

func (h *Handlers) recentAudit(r *http.Request) []models.AuditEntry {
	entries, err := h.svc.ListAudit(r.Context(), models.AuditQuery{Limit: adminAuditLimit})
	if err != nil {
		h.log.Warn("list audit", zap.Error(err))
		return nil
	}
	return entries
}

// Ingest triggers a backend ingestion run and renders the admin view with
// the refreshed feed status. On failure the previously rendered status is
// shown unchanged.
func (h *Handlers) Ingest(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.Session(r.Context())
	p := h.page(r, "Admin", "admin")
	out, err := h.svc.TriggerIngest(r.Context(), sess)
	if err != nil {
		if h.sessionEnded(w, r, err) {
			return
		}
		p.Error = errorMessage(err)
		fs, ok := h.svc.CachedFeedStatus(sess.ID)
		p.Data = web.NewAdminView(fs, ok, h.recentAudit(r))
		h.views.Render(w, statusFor(err), "admin", p)
		return
	}
	p.Success = "Ingestion triggered successfully"
	if !out.Refreshed {
		p.Notice = "Feed status has not updated yet. Refresh in a moment to see the latest results."
	}
	p.Data = web.NewAdminView(out.Status, true, h.recentAudit(r))
	h.views.Render(w, http.StatusOK, "admin", p)
}
