package backend

import (
	"encoding/json"
	"strings"
)

type User struct {
	Username    string  `json:"username"`
	FirstName   string  `json:"firstName"`
	LastName    string  `json:"lastName"`
	Email       string  `json:"email"`
	CountryCode string  `json:"countryCode"`
	DialCode    string  `json:"dialCode"`
	Phone       string  `json:"phone"`
	DateOfBirth string  `json:"dateOfBirth"`
	Gender      string  `json:"gender"`
	Role        string  `json:"role"`
	Image       *string `json:"image"`
	Status      string  `json:"status"`
	IsBanned    bool    `json:"isBanned"`
	CreatedAt   string  `json:"createdAt"`
}

func (u User) IsAdmin() bool { return u.Role == "admin" }

func (u User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

// ProfileFields lists the fields accepted by the profile update endpoint, in
// form order.
var ProfileFields = []string{
	"username", "firstName", "lastName", "email",
	"countryCode", "dialCode", "phone", "dateOfBirth", "gender",
}

// ProfileValues returns the user's editable fields keyed by wire name.
func (u User) ProfileValues() map[string]string {
	return map[string]string{
		"username":    u.Username,
		"firstName":   u.FirstName,
		"lastName":    u.LastName,
		"email":       u.Email,
		"countryCode": u.CountryCode,
		"dialCode":    u.DialCode,
		"phone":       u.Phone,
		"dateOfBirth": u.DateOfBirth,
		"gender":      u.Gender,
	}
}

var (
	IOCTypes   = []string{"ipv4", "domain", "url", "md5", "sha256", "email", "hostname", "yara", "cve"}
	Severities = []string{"critical", "high", "medium", "low", "info"}
)

type IOC struct {
	ID            int64           `json:"id"`
	Type          string          `json:"type"`
	Value         string          `json:"value"`
	Description   string          `json:"description"`
	Source        string          `json:"source"`
	Fingerprint   string          `json:"fingerprint"`
	ObservedCount int             `json:"observedCount"`
	FirstSeen     string          `json:"firstSeen"`
	LastSeen      string          `json:"lastSeen"`
	Raw           json.RawMessage `json:"raw,omitempty"`
	Severity      string          `json:"severity"`
	Confidence    float64         `json:"confidence"`
	Tags          string          `json:"tags"`
	CreatedAt     string          `json:"createdAt"`
	UpdatedAt     string          `json:"updatedAt"`
}

// ParsedTags accepts tags stored as a JSON array or a comma separated list.
func (i IOC) ParsedTags() []string {
	s := strings.TrimSpace(i.Tags)
	if s == "" {
		return nil
	}
	var arr []string
	if strings.HasPrefix(s, "[") && json.Unmarshal([]byte(s), &arr) == nil {
		return compact(arr)
	}
	return compact(strings.Split(s, ","))
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

type SearchRequest struct {
	Query    string `json:"query,omitempty"`
	Type     string `json:"type,omitempty"`
	Severity string `json:"severity,omitempty"`
	Source   string `json:"source,omitempty"`
	DateFrom string `json:"dateFrom,omitempty"`
	DateTo   string `json:"dateTo,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

type SearchResult struct {
	Total   int   `json:"total"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	Results []IOC `json:"results"`
}

type Correlation struct {
	RelatedIOCs       []IOC    `json:"relatedIOCs"`
	CommonSources     []string `json:"commonSources"`
	TemporalProximity float64  `json:"temporalProximity"`
}

type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
}

// Get returns the count for a severity name.
func (s SeverityCounts) Get(name string) int {
	switch name {
	case "critical":
		return s.Critical
	case "high":
		return s.High
	case "medium":
		return s.Medium
	case "low":
		return s.Low
	case "info":
		return s.Info
	}
	return 0
}

type SeveritySummary struct {
	Breakdown SeverityCounts `json:"breakdown"`
	SeverityCounts
}

type ReportMetadata struct {
	GeneratedAt string `json:"generatedAt"`
	StartDate   string `json:"startDate"`
	EndDate     string `json:"endDate"`
}

type ReportSummary struct {
	TotalIOCs          int     `json:"totalIOCs"`
	NewInPeriod        int     `json:"newInPeriod"`
	HighRiskPercentage float64 `json:"highRiskPercentage"`
	ActiveSources      int     `json:"activeSources"`
}

type DataQuality struct {
	AverageConfidence float64 `json:"averageConfidence"`
	MultiSourceIOCs   int     `json:"multiSourceIOCs"`
}

type FeedSource struct {
	Name      string  `json:"name"`
	Key       string  `json:"key,omitempty"`
	Enabled   *bool   `json:"enabled,omitempty"`
	LastFetch string  `json:"lastFetch"`
	Status    string  `json:"status"`
	Count     int     `json:"count"`
	Error     *string `json:"error,omitempty"`
	TTL       *int    `json:"ttl,omitempty"`
	NextFetch string  `json:"nextFetch,omitempty"`
}

// IsEnabled treats a missing flag as enabled.
func (f FeedSource) IsEnabled() bool { return f.Enabled == nil || *f.Enabled }

type FeedStatusList struct {
	Sources []FeedSource `json:"sources"`
}

type Report struct {
	Metadata    ReportMetadata  `json:"metadata"`
	Summary     ReportSummary   `json:"summary"`
	Severity    SeveritySummary `json:"severity"`
	Types       map[string]int  `json:"types"`
	Sources     map[string]int  `json:"sources"`
	TopThreats  []IOC           `json:"topThreats"`
	DataQuality DataQuality     `json:"dataQuality"`
	FeedStatus  FeedStatusList  `json:"feedStatus"`
}

type FetchStatus struct {
	LastUpdate string       `json:"lastUpdate"`
	Sources    []FeedSource `json:"sources"`
}

type TimePoint struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type Statistics struct {
	TotalIOCs         int            `json:"totalIOCs"`
	SeverityBreakdown map[string]int `json:"severityBreakdown"`
	TypeBreakdown     map[string]int `json:"typeBreakdown"`
	SourceBreakdown   map[string]int `json:"sourceBreakdown"`
	TimeSeriesData    []TimePoint    `json:"timeSeriesData"`
}

// Messages is the bilingual acknowledgement most mutating endpoints return.
type Messages struct {
	EN string `json:"message_en"`
	AR string `json:"message_ar"`
}

// Text returns the English message, or fallback when the backend sent none.
func (m Messages) Text(fallback string) string {
	if strings.TrimSpace(m.EN) != "" {
		return m.EN
	}
	return fallback
}

type RegisterRequest struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	CountryCode string `json:"countryCode"`
	DialCode    string `json:"dialCode"`
	Phone       string `json:"phone"`
	DateOfBirth string `json:"dateOfBirth"`
	Gender      string `json:"gender"`
}

type LoginResult struct {
	Token string
	User  User
	Messages
}
