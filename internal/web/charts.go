package web

import (
	"sort"
	"strings"

	"threatdash/internal/backend"
)

// ChartItem is one bar of a server-rendered chart. Percent is the share of
// the chart total and Width the bar length relative to the largest item.
type ChartItem struct {
	Key     string
	Label   string
	Value   int
	Percent float64
	Width   float64
}

// SeriesPoint is one day of the time series chart.
type SeriesPoint struct {
	Date   string
	Count  int
	Height float64
}

func finish(items []ChartItem) []ChartItem {
	total, peak := 0, 0
	for _, it := range items {
		total += it.Value
		if it.Value > peak {
			peak = it.Value
		}
	}
	for i := range items {
		if total > 0 {
			items[i].Percent = float64(items[i].Value) * 100 / float64(total)
		}
		if peak > 0 {
			items[i].Width = float64(items[i].Value) * 100 / float64(peak)
		}
	}
	return items
}

// SeverityItems keeps severities with a positive count, in severity order.
func SeverityItems(c backend.SeverityCounts) []ChartItem {
	var out []ChartItem
	for _, s := range backend.Severities {
		if v := c.Get(s); v > 0 {
			out = append(out, ChartItem{Key: s, Label: strings.ToUpper(s[:1]) + s[1:], Value: v})
		}
	}
	return finish(out)
}

// sortedItems returns positive entries of m sorted by value descending,
// then key. limit <= 0 keeps all.
func sortedItems(m map[string]int, label func(string) string, limit int) []ChartItem {
	out := make([]ChartItem, 0, len(m))
	for k, v := range m {
		if v <= 0 {
			continue
		}
		out = append(out, ChartItem{Key: k, Label: label(k), Value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value > out[j].Value
		}
		return out[i].Key < out[j].Key
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return finish(out)
}

// TypeItems labels indicator types and sorts them by count.
func TypeItems(types map[string]int, limit int) []ChartItem {
	return sortedItems(types, TypeLabel, limit)
}

// SourceItems sorts feed sources by count with their share of the total.
func SourceItems(sources map[string]int) []ChartItem {
	return sortedItems(sources, func(s string) string { return s }, 0)
}

func Series(points []backend.TimePoint) []SeriesPoint {
	peak := 0
	for _, p := range points {
		if p.Count > peak {
			peak = p.Count
		}
	}
	out := make([]SeriesPoint, 0, len(points))
	for _, p := range points {
		sp := SeriesPoint{Date: p.Date, Count: p.Count}
		if peak > 0 {
			sp.Height = float64(p.Count) * 100 / float64(peak)
		}
		out = append(out, sp)
	}
	return out
}

// FeedTotals summarizes a feed list: number of feeds, feeds whose last
// fetch succeeded, and indicators across all feeds.
func FeedTotals(sources []backend.FeedSource) (total, active, iocs int) {
	for _, f := range sources {
		total++
		if strings.EqualFold(f.Status, "success") {
			active++
		}
		iocs += f.Count
	}
	return total, active, iocs
}
