// Copyright 2024 The PlantPulse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reports

import (
	"sort"
	"strings"
	"time"

	"github.com/plantpulse/telemetry-engine/pkg/store"
	"github.com/plantpulse/telemetry-engine/pkg/tsdb"
)

const defaultTitle = "Factory Operations Report"

// alertListLimit caps the alert listing; severity counts come from an
// uncapped aggregate so the summary stays exact past it.
const alertListLimit = 1000

var severityOrder = [...]store.Severity{
	store.SeverityCritical,
	store.SeverityHigh,
	store.SeverityMedium,
	store.SeverityLow,
}

// ParamStats summarizes one parameter's samples over the report window.
type ParamStats struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
}

// Data is everything the renderers need, already aggregated.
type Data struct {
	Report      *store.Report
	GeneratedAt time.Time
	Devices     []store.Device
	Alerts      []store.AlertWithNames
	AlertCounts map[store.Severity]int
	Telemetry   map[int64]map[string]ParamStats // device id → parameter → stats
	Analytics   map[string]any                  // linked analytics document, when included
}

// Title is the report's title, with the dashboards' default.
func (d *Data) Title() string {
	if d.Report.Title != nil && *d.Report.Title != "" {
		return *d.Report.Title
	}
	return defaultTitle
}

func (d *Data) dateRange() string {
	return d.Report.DateRangeStart.UTC().Format("2006-01-02") +
		" to " + d.Report.DateRangeEnd.UTC().Format("2006-01-02")
}

func (d *Data) generated() string {
	return d.GeneratedAt.Format("2006-01-02 15:04 UTC")
}

// totalAlerts sums the severity counts; unlike len(Alerts) it is not subject
// to the listing cap.
func (d *Data) totalAlerts() int {
	n := 0
	for _, c := range d.AlertCounts {
		n += c
	}
	return n
}

// foldStats reduces raw samples to per-device per-parameter min/max/avg.
func foldStats(samples []tsdb.Sample) map[int64]map[string]ParamStats {
	type agg struct {
		min, max, sum float64
		n             int
	}
	accs := map[int64]map[string]*agg{}
	for _, s := range samples {
		params := accs[s.DeviceID]
		if params == nil {
			params = map[string]*agg{}
			accs[s.DeviceID] = params
		}
		a := params[s.Parameter]
		if a == nil {
			params[s.Parameter] = &agg{min: s.Value, max: s.Value, sum: s.Value, n: 1}
			continue
		}
		if s.Value < a.min {
			a.min = s.Value
		}
		if s.Value > a.max {
			a.max = s.Value
		}
		a.sum += s.Value
		a.n++
	}

	out := make(map[int64]map[string]ParamStats, len(accs))
	for deviceID, params := range accs {
		stats := make(map[string]ParamStats, len(params))
		for param, a := range params {
			stats[param] = ParamStats{Min: a.min, Max: a.max, Avg: a.sum / float64(a.n)}
		}
		out[deviceID] = stats
	}
	return out
}

func sortedStatKeys(stats map[string]ParamStats) []string {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedDeviceIDs(telemetry map[int64]map[string]ParamStats) []int64 {
	ids := make([]int64, 0, len(telemetry))
	for id := range telemetry {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func orNA(s *string) string {
	if s == nil || *s == "" {
		return "N/A"
	}
	return *s
}

func orEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func timeOrEmpty(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// The analytics document arrives as freshly decoded JSON: numbers are
// float64, lists are []any.

func numOf(m map[string]any, key string) float64 {
	v, _ := m[key].(float64)
	return v
}

func strOr(m map[string]any, key, fallback string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func strsOf(m map[string]any, key string) []string {
	raw, _ := m[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// analyticsModel picks one model's result block, skipping models that only
// reported an error note.
func analyticsModel(results map[string]any, name string) (map[string]any, bool) {
	m, ok := results[name].(map[string]any)
	if !ok || m["error"] != nil {
		return nil, false
	}
	return m, true
}
