package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"threatdash/internal/backend"
	"threatdash/internal/models"
	"threatdash/internal/service"
)

func TestFormatNumber(t *testing.T) {
	cases := map[int]string{
		0:        "0",
		12:       "12",
		999:      "999",
		1000:     "1,000",
		1234567:  "1,234,567",
		-9876543: "-9,876,543",
	}
	for in, want := range cases {
		require.Equal(t, want, FormatNumber(in), "FormatNumber(%d)", in)
	}
}

func TestFormatPercent(t *testing.T) {
	require.Equal(t, "12.5%", FormatPercent(12.5))
	require.Equal(t, "33.3%", FormatPercent(100.0/3))
	require.Equal(t, "40%", FormatPercent(40))
}

func TestRelativeTime(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	require.Equal(t, "just now", RelativeTime("2026-05-10T11:59:30Z", now))
	require.Equal(t, "5m ago", RelativeTime("2026-05-10T11:55:00Z", now))
	require.Equal(t, "3h ago", RelativeTime("2026-05-10T09:00:00Z", now))
	require.Equal(t, "2d ago", RelativeTime("2026-05-08T12:00:00Z", now))
	require.Equal(t, "never", RelativeTime("", now))
	require.Equal(t, "garbage", RelativeTime("garbage", now))
}

func TestFormatDate(t *testing.T) {
	require.Equal(t, "Jan 2, 2026 15:04 UTC", FormatDate("2026-01-02T15:04:05Z"))
	require.Equal(t, "N/A", FormatDate(""))
	require.Equal(t, "soon", FormatDate("soon"))
}

func TestTypeLabel(t *testing.T) {
	require.Equal(t, "IPv4 Address", TypeLabel("ipv4"))
	require.Equal(t, "SHA256 Hash", TypeLabel("sha256"))
	require.Equal(t, "ASN", TypeLabel("asn"))
}

func TestSeverityItemsDropsZero(t *testing.T) {
	items := SeverityItems(backend.SeverityCounts{Critical: 2, High: 0, Medium: 6, Info: 0})
	require.Len(t, items, 2)
	require.Equal(t, "critical", items[0].Key)
	require.Equal(t, "Critical", items[0].Label)
	require.Equal(t, "medium", items[1].Key)
	require.InDelta(t, 25.0, items[0].Percent, 0.001)
	require.InDelta(t, 100.0, items[1].Width, 0.001)
}

func TestTypeItemsSortedAndCapped(t *testing.T) {
	types := map[string]int{}
	for i, k := range []string{"ipv4", "domain", "url", "md5", "sha256", "email", "hostname", "yara", "cve", "a", "b", "c"} {
		types[k] = i + 1
	}
	types["zero"] = 0

	items := TypeItems(types, 10)
	require.Len(t, items, 10)
	require.Equal(t, "c", items[0].Key)
	for i := 1; i < len(items); i++ {
		require.GreaterOrEqual(t, items[i-1].Value, items[i].Value)
	}
	require.Len(t, TypeItems(types, 0), 12)
}

func TestSourceItemsPercentages(t *testing.T) {
	items := SourceItems(map[string]int{"otx": 30, "abuse.ch": 60, "misp": 10})
	require.Equal(t, []string{"abuse.ch", "otx", "misp"}, []string{items[0].Key, items[1].Key, items[2].Key})
	require.InDelta(t, 60.0, items[0].Percent, 0.001)
	require.InDelta(t, 10.0, items[2].Percent, 0.001)
}

func TestFeedTotals(t *testing.T) {
	total, active, iocs := FeedTotals([]backend.FeedSource{
		{Name: "a", Status: "success", Count: 10},
		{Name: "b", Status: "error", Count: 5},
		{Name: "c", Status: "Success", Count: 1},
	})
	require.Equal(t, 3, total)
	require.Equal(t, 2, active)
	require.Equal(t, 16, iocs)
}

func TestDashboardViewShapesReport(t *testing.T) {
	threats := make([]backend.IOC, 7)
	for i := range threats {
		threats[i] = backend.IOC{ID: int64(i + 1), Severity: "high"}
	}
	feeds := make([]backend.FeedSource, 12)
	d := service.Dashboard{
		Range: "30d",
		Report: backend.Report{
			Summary:    backend.ReportSummary{TotalIOCs: 1500, ActiveSources: 4},
			Severity:   backend.SeveritySummary{SeverityCounts: backend.SeverityCounts{Critical: 3, High: 9}},
			TopThreats: threats,
			FeedStatus: backend.FeedStatusList{Sources: feeds},
		},
		Stats: &backend.Statistics{TimeSeriesData: []backend.TimePoint{{Date: "2026-01-01", Count: 5}, {Date: "2026-01-02", Count: 10}}},
	}
	v := NewDashboardView(d)
	require.Len(t, v.TopThreats, 5)
	require.Len(t, v.Feeds, 8)
	require.Equal(t, []int{1500, 3, 9, 4}, []int{v.KPIs[0].Value, v.KPIs[1].Value, v.KPIs[2].Value, v.KPIs[3].Value})
	require.Len(t, v.Series, 2)
	require.InDelta(t, 50.0, v.Series[0].Height, 0.001)
	require.True(t, v.Ranges[2].Active)
}

func TestSearchViewPaging(t *testing.T) {
	q := backend.SearchRequest{Limit: 50, Offset: 50}
	v := NewSearchView(q, backend.SearchResult{Total: 120, Results: make([]backend.IOC, 50)}, true)
	require.True(t, v.HasPrev)
	require.Equal(t, 0, v.PrevOffset)
	require.True(t, v.HasNext)
	require.Equal(t, 100, v.NextOffset)

	v = NewSearchView(backend.SearchRequest{Limit: 50}, backend.SearchResult{Total: 3, Results: make([]backend.IOC, 3)}, true)
	require.False(t, v.HasPrev)
	require.False(t, v.HasNext)
}

func TestAvatarURL(t *testing.T) {
	img := "a.png"
	require.Equal(t, "https://cdn.test/uploads/a.png", AvatarURL("https://cdn.test", backend.User{Image: &img}))
	abs := "https://elsewhere.test/x.png"
	require.Equal(t, abs, AvatarURL("https://cdn.test", backend.User{Image: &abs}))
	require.Empty(t, AvatarURL("https://cdn.test", backend.User{}))
}

func newRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer(nil)
	require.NoError(t, err)
	return r
}

func TestEveryPageRenders(t *testing.T) {
	r := newRenderer(t)
	user := &backend.User{Username: "alice", Role: "admin"}
	enabled := false
	ioc := backend.IOC{ID: 7, Type: "domain", Value: "evil.test", Severity: "critical", Tags: "a,b", Raw: []byte(`{"k":"v"}`)}
	report := backend.Report{TopThreats: []backend.IOC{ioc}, Types: map[string]int{"domain": 2}, Sources: map[string]int{"otx": 2}}

	pages := map[string]Page{
		"login":     {CSRF: "tok", Next: "/dashboard/iocs"},
		"register":  {CSRF: "tok", Form: map[string]string{"gender": "female"}},
		"verify":    {CSRF: "tok", Form: map[string]string{"email": "a@b.c"}},
		"reset":     {CSRF: "tok"},
		"error":     {Title: "Not found"},
		"dashboard": {User: user, Data: NewDashboardView(service.Dashboard{Range: "7d", Report: report, StatsError: "down"})},
		"reports":   {User: user, Data: NewReportView("7d", report)},
		"iocs":      {User: user, Data: NewSearchView(backend.SearchRequest{Query: "evil", Limit: 50}, backend.SearchResult{Total: 1, Results: []backend.IOC{ioc}}, true)},
		"ioc":       {User: user, Data: NewIOCView(service.IOCDetail{IOC: ioc, Related: []backend.IOC{{ID: 8, Value: "rel.test"}}})},
		"admin": {User: user, Data: NewAdminView(backend.FetchStatus{LastUpdate: "2026-01-01T00:00:00Z", Sources: []backend.FeedSource{{Name: "otx", Enabled: &enabled, Status: "error"}}}, true,
			[]models.AuditEntry{{Actor: "alice", Action: models.AuditIngestTrigger, CreatedAt: time.Now()}})},
		"settings": {User: user, Data: NewSettingsView(*user, "")},
	}
	for name, page := range pages {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.Render(rec, http.StatusOK, name, page)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			require.Contains(t, rec.Header().Get("Content-Type"), "text/html")
		})
	}
}

func TestRenderEscapesBackendStrings(t *testing.T) {
	r := newRenderer(t)
	rec := httptest.NewRecorder()
	r.Render(rec, http.StatusBadRequest, "login", Page{Error: `<script>alert(1)</script>`})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotContains(t, rec.Body.String(), "<script>alert(1)</script>")
	require.Contains(t, rec.Body.String(), "&lt;script&gt;")
}

func TestRenderUnknownPage(t *testing.T) {
	rec := httptest.NewRecorder()
	newRenderer(t).Render(rec, http.StatusOK, "missing", Page{})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestNavHidesAdminForUsers(t *testing.T) {
	r := newRenderer(t)
	rec := httptest.NewRecorder()
	r.Render(rec, http.StatusOK, "settings", Page{User: &backend.User{Username: "bob", Role: "user"}, Data: NewSettingsView(backend.User{Username: "bob"}, "")})
	body := rec.Body.String()
	require.True(t, strings.Contains(body, "/dashboard/settings"))
	require.False(t, strings.Contains(body, `href="/dashboard/admin"`))
}

func TestStaticHandlerServesStylesheet(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/app.css", nil)
	StaticHandler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "--accent")
}
