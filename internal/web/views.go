package web

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"threatdash/internal/backend"
	"threatdash/internal/captcha"
	"threatdash/internal/models"
	"threatdash/internal/service"
)

// Page is the data every template receives. Data holds the view specific
// model.
type Page struct {
	Title   string
	Active  string
	User    *backend.User
	CSRF    string
	Error   string
	Success string
	Notice  string
	Next    string
	Captcha captcha.Widget
	Form    map[string]string
	Data    any
}

// Value returns a previously submitted form value.
func (p Page) Value(name string) string {
	if p.Form == nil {
		return ""
	}
	return p.Form[name]
}

type RangeOption struct {
	Value  string
	Label  string
	Active bool
}

var rangeLabels = map[string]string{
	"24h": "24 Hours",
	"7d":  "7 Days",
	"30d": "30 Days",
	"90d": "90 Days",
}

func rangeOptions(allowed []string, current string) []RangeOption {
	out := make([]RangeOption, 0, len(allowed))
	for _, r := range allowed {
		out = append(out, RangeOption{Value: r, Label: rangeLabels[r], Active: r == current})
	}
	return out
}

type KPI struct {
	Label string
	Value int
	Class string
}

const (
	dashboardTopThreats = 5
	dashboardFeeds      = 8
	dashboardTypes      = 10
)

type DashboardView struct {
	Range       string
	Ranges      []RangeOption
	KPIs        []KPI
	Severity    []ChartItem
	Types       []ChartItem
	Series      []SeriesPoint
	SeriesError string
	TopThreats  []backend.IOC
	Feeds       []backend.FeedSource
	Sources     []ChartItem
}

func NewDashboardView(d service.Dashboard) DashboardView {
	r := d.Report
	v := DashboardView{
		Range:  d.Range,
		Ranges: rangeOptions(service.DashboardRanges, d.Range),
		KPIs: []KPI{
			{Label: "Total IOCs", Value: r.Summary.TotalIOCs},
			{Label: "Critical", Value: r.Severity.Critical, Class: "sev-critical"},
			{Label: "High", Value: r.Severity.High, Class: "sev-high"},
			{Label: "Active Sources", Value: r.Summary.ActiveSources},
		},
		Severity:    SeverityItems(r.Severity.SeverityCounts),
		Types:       TypeItems(r.Types, dashboardTypes),
		Sources:     SourceItems(r.Sources),
		TopThreats:  head(r.TopThreats, dashboardTopThreats),
		Feeds:       headFeeds(r.FeedStatus.Sources, dashboardFeeds),
		SeriesError: d.StatsError,
	}
	if d.Stats != nil {
		v.Series = Series(d.Stats.TimeSeriesData)
	}
	return v
}

func head(in []backend.IOC, n int) []backend.IOC {
	if len(in) > n {
		return in[:n]
	}
	return in
}

func headFeeds(in []backend.FeedSource, n int) []backend.FeedSource {
	if len(in) > n {
		return in[:n]
	}
	return in
}

type ReportView struct {
	Range    string
	Ranges   []RangeOption
	Report   backend.Report
	Severity []ChartItem
	Types    []ChartItem
	Sources  []ChartItem
}

func NewReportView(timeRange string, r backend.Report) ReportView {
	return ReportView{
		Range:    timeRange,
		Ranges:   rangeOptions(service.ReportRanges, timeRange),
		Report:   r,
		Severity: SeverityItems(r.Severity.SeverityCounts),
		Types:    TypeItems(r.Types, 0),
		Sources:  SourceItems(r.Sources),
	}
}

type SearchView struct {
	Query      backend.SearchRequest
	Result     backend.SearchResult
	Searched   bool
	Types      []string
	Severities []string
	PrevOffset int
	NextOffset int
	HasPrev    bool
	HasNext    bool
}

func NewSearchView(q backend.SearchRequest, res backend.SearchResult, searched bool) SearchView {
	v := SearchView{
		Query:      q,
		Result:     res,
		Searched:   searched,
		Types:      backend.IOCTypes,
		Severities: backend.Severities,
	}
	if q.Offset > 0 {
		v.HasPrev = true
		v.PrevOffset = q.Offset - q.Limit
		if v.PrevOffset < 0 {
			v.PrevOffset = 0
		}
	}
	if q.Offset+len(res.Results) < res.Total {
		v.HasNext = true
		v.NextOffset = q.Offset + q.Limit
	}
	return v
}

type IOCView struct {
	service.IOCDetail
	Tags    []string
	RawJSON string
}

func NewIOCView(d service.IOCDetail) IOCView {
	v := IOCView{IOCDetail: d, Tags: d.IOC.ParsedTags()}
	if len(d.IOC.Raw) > 0 && string(d.IOC.Raw) != "null" {
		var buf bytes.Buffer
		if err := json.Indent(&buf, d.IOC.Raw, "", "  "); err == nil {
			v.RawJSON = buf.String()
		} else {
			v.RawJSON = string(d.IOC.Raw)
		}
	}
	return v
}

// IDString renders the indicator id for URLs.
func (v IOCView) IDString() string { return strconv.FormatInt(v.IOC.ID, 10) }

type AdminView struct {
	Status      backend.FetchStatus
	Loaded      bool
	TotalFeeds  int
	ActiveFeeds int
	TotalIOCs   int
	Audit       []models.AuditEntry
}

func NewAdminView(fs backend.FetchStatus, loaded bool, audit []models.AuditEntry) AdminView {
	v := AdminView{Status: fs, Loaded: loaded, Audit: audit}
	v.TotalFeeds, v.ActiveFeeds, v.TotalIOCs = FeedTotals(fs.Sources)
	return v
}

type SettingsView struct {
	Profile   backend.User
	AvatarURL string
}

func NewSettingsView(u backend.User, assetBase string) SettingsView {
	return SettingsView{Profile: u, AvatarURL: AvatarURL(assetBase, u)}
}

// AvatarURL resolves the user's uploaded image against the public asset
// base. It returns "" when the user has none.
func AvatarURL(assetBase string, u backend.User) string {
	if u.Image == nil || *u.Image == "" {
		return ""
	}
	img := *u.Image
	if strings.HasPrefix(img, "http://") || strings.HasPrefix(img, "https://") {
		return img
	}
	return assetBase + "/uploads/" + img
}
