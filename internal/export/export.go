// Package export serializes rendered reports and indicators as JSON and CSV
// downloads.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"threatdash/internal/backend"
)

const (
	ContentTypeJSON = "application/json; charset=utf-8"
	ContentTypeCSV  = "text/csv; charset=utf-8"
)

// IOCColumns is the header of every indicator CSV.
var IOCColumns = []string{
	"id", "type", "value", "severity", "confidence", "source", "description",
	"observedCount", "firstSeen", "lastSeen", "fingerprint", "tags",
	"createdAt", "updatedAt", "raw",
}

// IOCDocument is the JSON shape of an indicator export.
type IOCDocument struct {
	IOC         backend.IOC   `json:"ioc"`
	RelatedIOCs []backend.IOC `json:"relatedIOCs"`
	ExportedAt  string        `json:"exportedAt"`
}

// ReportDocument wraps a report with its range and export time.
type ReportDocument struct {
	TimeRange  string         `json:"timeRange"`
	ExportedAt string         `json:"exportedAt"`
	Report     backend.Report `json:"report"`
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ReportJSON(w io.Writer, timeRange string, r backend.Report, now time.Time) error {
	return writeJSON(w, ReportDocument{
		TimeRange:  timeRange,
		ExportedAt: now.UTC().Format(time.RFC3339),
		Report:     r,
	})
}

func IOCJSON(w io.Writer, ioc backend.IOC, related []backend.IOC, now time.Time) error {
	if related == nil {
		related = []backend.IOC{}
	}
	return writeJSON(w, IOCDocument{IOC: ioc, RelatedIOCs: related, ExportedAt: now.UTC().Format(time.RFC3339)})
}

// IOCRecord flattens ioc into a row matching IOCColumns.
func IOCRecord(ioc backend.IOC) []string {
	raw := strings.TrimSpace(string(ioc.Raw))
	if raw == "null" {
		raw = ""
	}
	return []string{
		strconv.FormatInt(ioc.ID, 10),
		ioc.Type,
		ioc.Value,
		ioc.Severity,
		strconv.FormatFloat(ioc.Confidence, 'f', -1, 64),
		ioc.Source,
		ioc.Description,
		strconv.Itoa(ioc.ObservedCount),
		ioc.FirstSeen,
		ioc.LastSeen,
		ioc.Fingerprint,
		ioc.Tags,
		ioc.CreatedAt,
		ioc.UpdatedAt,
		raw,
	}
}

// IOCsCSV writes one row per indicator under IOCColumns.
func IOCsCSV(w io.Writer, iocs []backend.IOC) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(IOCColumns); err != nil {
		return err
	}
	for _, ioc := range iocs {
		if err := cw.Write(IOCRecord(ioc)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// IOCDetailCSV writes the indicator followed by its related indicators. The
// leading relation column tells them apart.
func IOCDetailCSV(w io.Writer, ioc backend.IOC, related []backend.IOC) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{"relation"}, IOCColumns...)); err != nil {
		return err
	}
	if err := cw.Write(append([]string{"indicator"}, IOCRecord(ioc)...)); err != nil {
		return err
	}
	for _, r := range related {
		if err := cw.Write(append([]string{"related"}, IOCRecord(r)...)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Filename builds a download name such as threat-report-7d-2026-01-02.json.
func Filename(base, qualifier, ext string, now time.Time) string {
	parts := []string{base}
	if qualifier != "" {
		parts = append(parts, qualifier)
	}
	parts = append(parts, now.UTC().Format("2006-01-02"))
	return fmt.Sprintf("%s.%s", strings.Join(parts, "-"), ext)
}
