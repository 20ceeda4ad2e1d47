package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"threatdash/internal/backend"
	"threatdash/internal/export"
	"threatdash/internal/middleware"
	"threatdash/internal/service"
	"threatdash/internal/util"
	"threatdash/internal/web"
)

func (h *Handlers) Dashboard(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.Session(r.Context())
	timeRange := service.NormalizeRange(r.URL.Query().Get("range"), service.DashboardRanges)
	d, err := h.svc.Dashboard(r.Context(), sess, timeRange)
	if err != nil {
		h.renderFailure(w, r, "Dashboard", err)
		return
	}
	p := h.page(r, "Dashboard", "dashboard")
	p.Data = web.NewDashboardView(d)
	h.views.Render(w, http.StatusOK, "dashboard", p)
}

// searchQuery reads the IOC search filters from the query string.
func searchQuery(r *http.Request) (backend.SearchRequest, bool) {
	q := r.URL.Query()
	in := backend.SearchRequest{
		Query:    q.Get("q"),
		Type:     q.Get("type"),
		Severity: q.Get("severity"),
		Source:   q.Get("source"),
		DateFrom: strings.TrimSpace(q.Get("from")),
		DateTo:   strings.TrimSpace(q.Get("to")),
	}
	in.Limit, _ = strconv.Atoi(q.Get("limit"))
	in.Offset, _ = strconv.Atoi(q.Get("offset"))
	searched := false
	for _, k := range []string{"q", "type", "severity", "source", "from", "to", "offset"} {
		if q.Has(k) {
			searched = true
			break
		}
	}
	return service.NormalizeSearch(in), searched
}

func (h *Handlers) SearchIOCs(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.Session(r.Context())
	in, searched := searchQuery(r)
	p := h.page(r, "IOC Search", "iocs")

	var res backend.SearchResult
	if searched {
		var err error
		res, err = h.svc.Search(r.Context(), sess, in)
		if err != nil {
			if h.sessionEnded(w, r, err) {
				return
			}
			p.Error = errorMessage(err)
			p.Data = web.NewSearchView(in, backend.SearchResult{}, false)
			h.views.Render(w, statusFor(err), "iocs", p)
			return
		}
	}
	p.Data = web.NewSearchView(in, res, searched)
	h.views.Render(w, http.StatusOK, "iocs", p)
}

// iocID reads the {id} route parameter, answering 404 when it is not a
// valid indicator id.
func (h *Handlers) iocID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := service.ParseIOCID(chi.URLParam(r, "id"))
	if err != nil {
		p := h.page(r, "Indicator not found", "iocs")
		p.Error = "Indicator not found"
		h.views.Render(w, http.StatusNotFound, "error", p)
		return 0, false
	}
	return id, true
}

func (h *Handlers) IOCDetail(w http.ResponseWriter, r *http.Request) {
	id, ok := h.iocID(w, r)
	if !ok {
		return
	}
	sess, _ := middleware.Session(r.Context())
	d, err := h.svc.IOC(r.Context(), sess, id)
	if err != nil {
		h.renderFailure(w, r, "Indicator", err)
		return
	}
	p := h.page(r, d.IOC.Value, "iocs")
	p.Data = web.NewIOCView(d)
	h.views.Render(w, http.StatusOK, "ioc", p)
}

func (h *Handlers) IOCExportJSON(w http.ResponseWriter, r *http.Request) {
	id, ok := h.iocID(w, r)
	if !ok {
		return
	}
	sess, _ := middleware.Session(r.Context())
	d, err := h.svc.IOCForExport(r.Context(), sess, id)
	if err != nil {
		h.renderFailure(w, r, "Export failed", err)
		return
	}
	now := h.now()
	util.SetAttachment(w, export.ContentTypeJSON, export.Filename("ioc", strconv.FormatInt(id, 10), "json", now))
	if err := export.IOCJSON(w, d.IOC, d.Related, now); err != nil {
		h.log.Warn("write ioc export", zap.Int64("ioc", id), zap.Error(err))
	}
}

func (h *Handlers) IOCExportCSV(w http.ResponseWriter, r *http.Request) {
	id, ok := h.iocID(w, r)
	if !ok {
		return
	}
	sess, _ := middleware.Session(r.Context())
	d, err := h.svc.IOCForExport(r.Context(), sess, id)
	if err != nil {
		h.renderFailure(w, r, "Export failed", err)
		return
	}
	util.SetAttachment(w, export.ContentTypeCSV, export.Filename("ioc", strconv.FormatInt(id, 10), "csv", h.now()))
	if err := export.IOCDetailCSV(w, d.IOC, d.Related); err != nil {
		h.log.Warn("write ioc export", zap.Int64("ioc", id), zap.Error(err))
	}
}

func (h *Handlers) Reports(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.Session(r.Context())
	timeRange := service.NormalizeRange(r.URL.Query().Get("range"), service.ReportRanges)
	report, err := h.svc.Report(r.Context(), sess, timeRange)
	if err != nil {
		h.renderFailure(w, r, "Reports", err)
		return
	}
	p := h.page(r, "Reports", "reports")
	p.Data = web.NewReportView(timeRange, report)
	h.views.Render(w, http.StatusOK, "reports", p)
}

func (h *Handlers) ReportExportJSON(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.Session(r.Context())
	timeRange := service.NormalizeRange(r.URL.Query().Get("range"), service.DashboardRanges)
	report, err := h.svc.ReportForExport(r.Context(), sess, timeRange)
	if err != nil {
		h.renderFailure(w, r, "Export failed", err)
		return
	}
	now := h.now()
	util.SetAttachment(w, export.ContentTypeJSON, export.Filename("threat-report", timeRange, "json", now))
	if err := export.ReportJSON(w, timeRange, report, now); err != nil {
		h.log.Warn("write report export", zap.Error(err))
	}
}

func (h *Handlers) TopThreatsCSV(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.Session(r.Context())
	timeRange := service.NormalizeRange(r.URL.Query().Get("range"), service.DashboardRanges)
	report, err := h.svc.ReportForExport(r.Context(), sess, timeRange)
	if err != nil {
		h.renderFailure(w, r, "Export failed", err)
		return
	}
	util.SetAttachment(w, export.ContentTypeCSV, export.Filename("top-threats", timeRange, "csv", h.now()))
	if err := export.IOCsCSV(w, report.TopThreats); err != nil {
		h.log.Warn("write top threats export", zap.Error(err))
	}
}
