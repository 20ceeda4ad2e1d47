package web

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var iocTypeLabels = map[string]string{
	"ipv4":     "IPv4 Address",
	"domain":   "Domain",
	"url":      "URL",
	"md5":      "MD5 Hash",
	"sha256":   "SHA256 Hash",
	"email":    "Email",
	"hostname": "Hostname",
	"yara":     "YARA Rule",
	"cve":      "CVE",
}

// TypeLabel returns the display label for an indicator type.
func TypeLabel(t string) string {
	if l, ok := iocTypeLabels[strings.ToLower(t)]; ok {
		return l
	}
	return strings.ToUpper(t)
}

// FormatNumber renders n with comma thousands separators.
func FormatNumber(n int) string {
	s := strconv.FormatInt(int64(n), 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
	}
	for i := pre; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

// FormatPercent renders v with at most one decimal and a % sign.
func FormatPercent(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "0%"
	}
	return strconv.FormatFloat(math.Round(v*10)/10, 'f', -1, 64) + "%"
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime accepts the timestamp shapes the backend emits.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, l := range timeLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatDate renders a backend timestamp; unparseable input is returned
// unchanged and empty input as N/A.
func FormatDate(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	t, ok := ParseTime(s)
	if !ok {
		return s
	}
	return t.UTC().Format("Jan 2, 2006 15:04 UTC")
}

// RelativeTime renders s relative to now, e.g. "5m ago".
func RelativeTime(s string, now time.Time) string {
	t, ok := ParseTime(s)
	if !ok {
		if strings.TrimSpace(s) == "" {
			return "never"
		}
		return s
	}
	d := now.Sub(t)
	if d < 0 {
		d = -d
		return "in " + shortDuration(d)
	}
	if d < time.Minute {
		return "just now"
	}
	return shortDuration(d) + " ago"
}

func shortDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	case d < 30*24*time.Hour:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	case d < 365*24*time.Hour:
		return fmt.Sprintf("%dmo", int(d.Hours()/(24*30)))
	}
	return fmt.Sprintf("%dy", int(d.Hours()/(24*365)))
}

// Truncate shortens s to n runes with an ellipsis.
func Truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func severityClass(s string) string {
	switch strings.ToLower(s) {
	case "critical", "high", "medium", "low", "info":
		return "sev-" + strings.ToLower(s)
	}
	return "sev-info"
}

func statusClass(s string) string {
	switch strings.ToLower(s) {
	case "success":
		return "status-ok"
	case "error", "failed":
		return "status-error"
	}
	return "status-pending"
}
