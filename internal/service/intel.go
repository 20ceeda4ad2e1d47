package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"threatdash/internal/backend"
	"threatdash/internal/metrics"
	"threatdash/internal/models"
)

var (
	DashboardRanges = []string{"24h", "7d", "30d", "90d"}
	ReportRanges    = []string{"7d", "30d", "90d"}
)

const (
	DefaultRange   = "7d"
	MaxRelatedIOCs = 10
	DefaultPage    = 50
	MaxPage        = 500
)

// NormalizeRange returns v when it is one of allowed and DefaultRange
// otherwise.
func NormalizeRange(v string, allowed []string) string {
	v = strings.TrimSpace(v)
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	return DefaultRange
}

// views is the per-session snapshot of what was last rendered.
type views struct {
	mu      sync.Mutex
	reports map[string]backend.Report
	feed    *backend.FetchStatus
	ioc     *IOCDetail
}

func (s *Service) viewsFor(sessionID string) *views {
	s.viewsMu.Lock()
	defer s.viewsMu.Unlock()
	if v, ok := s.views.Get(sessionID); ok {
		return v
	}
	v := &views{reports: make(map[string]backend.Report)}
	s.views.Add(sessionID, v)
	return v
}

func (s *Service) rememberReport(sessionID, timeRange string, r backend.Report) {
	v := s.viewsFor(sessionID)
	v.mu.Lock()
	v.reports[timeRange] = r
	v.mu.Unlock()
}

func (s *Service) rememberFeed(sessionID string, fs backend.FetchStatus) {
	v := s.viewsFor(sessionID)
	v.mu.Lock()
	v.feed = &fs
	v.mu.Unlock()
}

type Dashboard struct {
	Range  string
	Report backend.Report
	// Stats is nil when the statistics call failed; the page still renders.
	Stats      *backend.Statistics
	StatsError string
}

func (s *Service) Dashboard(ctx context.Context, sess Session, timeRange string) (Dashboard, error) {
	out := Dashboard{Range: NormalizeRange(timeRange, DashboardRanges)}
	report, err := s.api.ReportSummary(ctx, sess.Bearer, out.Range)
	if err != nil {
		return out, s.guard(ctx, sess, err)
	}
	out.Report = report
	s.rememberReport(sess.ID, out.Range, report)

	stats, err := s.api.Statistics(ctx, sess.Bearer)
	switch {
	case err == nil:
		out.Stats = &stats
	case backend.IsUnauthorized(err):
		return out, s.guard(ctx, sess, err)
	default:
		s.log.Debug("statistics unavailable", zap.Error(err))
		out.StatsError = backend.Message(err)
	}
	return out, nil
}

func (s *Service) Report(ctx context.Context, sess Session, timeRange string) (backend.Report, error) {
	timeRange = NormalizeRange(timeRange, ReportRanges)
	report, err := s.api.ReportSummary(ctx, sess.Bearer, timeRange)
	if err != nil {
		return backend.Report{}, s.guard(ctx, sess, err)
	}
	s.rememberReport(sess.ID, timeRange, report)
	return report, nil
}

// ReportForExport returns the report last rendered for timeRange, fetching
// it only when none was.
func (s *Service) ReportForExport(ctx context.Context, sess Session, timeRange string) (backend.Report, error) {
	timeRange = NormalizeRange(timeRange, DashboardRanges)
	v := s.viewsFor(sess.ID)
	v.mu.Lock()
	r, ok := v.reports[timeRange]
	v.mu.Unlock()
	if ok {
		metrics.CacheLookups.WithLabelValues("view", "hit").Inc()
		return r, nil
	}
	metrics.CacheLookups.WithLabelValues("view", "miss").Inc()
	report, err := s.api.ReportSummary(ctx, sess.Bearer, timeRange)
	if err != nil {
		return backend.Report{}, s.guard(ctx, sess, err)
	}
	s.rememberReport(sess.ID, timeRange, report)
	return report, nil
}

type IOCDetail struct {
	IOC     backend.IOC
	Related []backend.IOC
	// CorrelationError is set when related indicators could not be loaded.
	CorrelationError string
}

func (s *Service) IOC(ctx context.Context, sess Session, id int64) (IOCDetail, error) {
	ioc, err := s.api.FetchIOC(ctx, sess.Bearer, id)
	if err != nil {
		return IOCDetail{}, s.guard(ctx, sess, err)
	}
	out := IOCDetail{IOC: ioc}
	corr, err := s.api.Correlate(ctx, sess.Bearer, id, backend.DefaultLookbackDays)
	switch {
	case err == nil:
		out.Related = corr.RelatedIOCs
		if len(out.Related) > MaxRelatedIOCs {
			out.Related = out.Related[:MaxRelatedIOCs]
		}
	case backend.IsUnauthorized(err):
		return IOCDetail{}, s.guard(ctx, sess, err)
	default:
		s.log.Debug("correlation unavailable", zap.Int64("ioc", id), zap.Error(err))
		out.CorrelationError = backend.Message(err)
	}

	v := s.viewsFor(sess.ID)
	v.mu.Lock()
	snap := out
	v.ioc = &snap
	v.mu.Unlock()
	return out, nil
}

// IOCForExport returns the last rendered detail for id, loading it when the
// snapshot is for another indicator.
func (s *Service) IOCForExport(ctx context.Context, sess Session, id int64) (IOCDetail, error) {
	v := s.viewsFor(sess.ID)
	v.mu.Lock()
	snap := v.ioc
	v.mu.Unlock()
	if snap != nil && snap.IOC.ID == id {
		metrics.CacheLookups.WithLabelValues("view", "hit").Inc()
		return *snap, nil
	}
	metrics.CacheLookups.WithLabelValues("view", "miss").Inc()
	return s.IOC(ctx, sess, id)
}

// ParseIOCID accepts positive decimal indicator ids.
func ParseIOCID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid indicator id")
	}
	return id, nil
}

// NormalizeSearch trims the query and clamps paging. Unknown type and
// severity filters are dropped.
func NormalizeSearch(in backend.SearchRequest) backend.SearchRequest {
	in.Query = strings.TrimSpace(in.Query)
	in.Source = strings.TrimSpace(in.Source)
	if !contains(backend.IOCTypes, in.Type) {
		in.Type = ""
	}
	if !contains(backend.Severities, in.Severity) {
		in.Severity = ""
	}
	if in.Limit <= 0 {
		in.Limit = DefaultPage
	}
	if in.Limit > MaxPage {
		in.Limit = MaxPage
	}
	if in.Offset < 0 {
		in.Offset = 0
	}
	return in
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func (s *Service) Search(ctx context.Context, sess Session, in backend.SearchRequest) (backend.SearchResult, error) {
	res, err := s.api.SearchIOCs(ctx, sess.Bearer, NormalizeSearch(in))
	if err != nil {
		return backend.SearchResult{}, s.guard(ctx, sess, err)
	}
	return res, nil
}

func (s *Service) FeedStatus(ctx context.Context, sess Session) (backend.FetchStatus, error) {
	fs, err := s.api.FeedStatus(ctx, sess.Bearer)
	if err != nil {
		return backend.FetchStatus{}, s.guard(ctx, sess, err)
	}
	s.rememberFeed(sess.ID, fs)
	return fs, nil
}

// CachedFeedStatus returns the feed status last rendered for sess.
func (s *Service) CachedFeedStatus(sessionID string) (backend.FetchStatus, bool) {
	v, ok := s.views.Peek(sessionID)
	if !ok {
		return backend.FetchStatus{}, false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.feed == nil {
		return backend.FetchStatus{}, false
	}
	return *v.feed, true
}

type IngestOutcome struct {
	Report backend.Report
	Status backend.FetchStatus
	// Refreshed reports whether fetch-status advanced before the poll
	// timeout.
	Refreshed bool
}

// TriggerIngest starts a backend ingestion run and polls fetch-status until
// its lastUpdate moves past the value seen before the trigger. A failed
// trigger leaves the cached feed status untouched.
func (s *Service) TriggerIngest(ctx context.Context, sess Session) (IngestOutcome, error) {
	before, known := s.CachedFeedStatus(sess.ID)
	if !known {
		fs, err := s.api.FeedStatus(ctx, sess.Bearer)
		if backend.IsUnauthorized(err) {
			return IngestOutcome{}, s.guard(ctx, sess, err)
		}
		if err == nil {
			before, known = fs, true
		}
	}

	report, err := s.api.TriggerIngest(ctx, sess.Bearer)
	if err != nil {
		return IngestOutcome{}, s.guard(ctx, sess, err)
	}
	s.audit(ctx, sess.Actor(), models.AuditIngestTrigger, "", nil)

	out := IngestOutcome{Report: report, Status: before}
	var prev *string
	if known {
		prev = &before.LastUpdate
	}
	status, advanced, err := s.awaitFeedUpdate(ctx, sess, prev)
	if err != nil {
		return out, err
	}
	if status != nil {
		out.Status = *status
		s.rememberFeed(sess.ID, *status)
	}
	out.Refreshed = advanced
	return out, nil
}

// awaitFeedUpdate polls fetch-status at the configured interval. It returns
// the latest status seen (nil when no poll succeeded) and whether lastUpdate
// moved away from prev. With no prev the first successful poll becomes the
// baseline.
func (s *Service) awaitFeedUpdate(ctx context.Context, sess Session, prev *string) (*backend.FetchStatus, bool, error) {
	interval := s.cfg.IngestPollInterval()
	if interval <= 0 {
		interval = time.Second
	}
	deadline := s.now().Add(s.cfg.IngestPollTimeout())

	var latest *backend.FetchStatus
	for {
		fs, err := s.api.FeedStatus(ctx, sess.Bearer)
		switch {
		case err == nil:
			latest = &fs
			if prev == nil {
				last := fs.LastUpdate
				prev = &last
				metrics.IngestPolls.WithLabelValues("unchanged").Inc()
				break
			}
			if fs.LastUpdate != *prev {
				metrics.IngestPolls.WithLabelValues("advanced").Inc()
				return latest, true, nil
			}
			metrics.IngestPolls.WithLabelValues("unchanged").Inc()
		case backend.IsUnauthorized(err):
			return nil, false, s.guard(ctx, sess, err)
		case ctx.Err() != nil:
			return latest, false, ctx.Err()
		default:
			metrics.IngestPolls.WithLabelValues("error").Inc()
		}

		if !s.now().Add(interval).Before(deadline) {
			metrics.IngestPolls.WithLabelValues("timeout").Inc()
			return latest, false, nil
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return latest, false, ctx.Err()
		case <-t.C:
		}
	}
}
