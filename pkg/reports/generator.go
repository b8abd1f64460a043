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

// Package reports renders queued reports: it aggregates device metadata,
// alert history and telemetry statistics over the requested window, renders
// the document in the stored format and uploads it for download.
package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/plantpulse/telemetry-engine/pkg/jobs"
	"github.com/plantpulse/telemetry-engine/pkg/store"
	"github.com/plantpulse/telemetry-engine/pkg/tsdb"
)

// fileTTL matches the presigned URL lifetime, so the row's expires_at and
// the link die together.
const fileTTL = 24 * time.Hour

var generatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "reports_generated_total",
	Help: "Reports rendered and uploaded, by format.",
}, []string{"format"})

// Store is the relational slice of report generation: the report row's
// lifecycle plus the device and alert data the document aggregates.
type Store interface {
	ReportByID(ctx context.Context, id string) (*store.Report, error)
	MarkReportRunning(ctx context.Context, id string) error
	MarkReportComplete(ctx context.Context, id, fileURL string, sizeBytes int64, expiresAt time.Time) error
	DevicesByIDs(ctx context.Context, tenantID int64, ids []int64) (map[int64]store.Device, error)
	ListAlerts(ctx context.Context, tenantID int64, deviceIDs []int64, from, to time.Time, limit int) ([]store.AlertWithNames, error)
	CountAlertsBySeverity(ctx context.Context, tenantID int64, deviceIDs []int64, from, to time.Time) (map[store.Severity]int, error)
}

// Fetcher pulls the raw telemetry window behind the per-parameter stats.
type Fetcher interface {
	FetchRange(ctx context.Context, tenantID int64, deviceIDs []int64, params []string, from, to time.Time) ([]tsdb.Sample, error)
}

// Bucket uploads the rendered file and reads linked analytics results back.
type Bucket interface {
	UploadReport(ctx context.Context, tenantID int64, reportID string, data []byte, ext, contentType string) (string, error)
	FetchAnalyticsResult(ctx context.Context, tenantID int64, jobID string) (map[string]any, error)
}

// Generator executes queued report tasks end to end.
type Generator struct {
	logger log.Logger
	store  Store
	tsdb   Fetcher
	bucket Bucket
	clock  clock.Clock
}

func NewGenerator(logger log.Logger, reg prometheus.Registerer, st Store, fetcher Fetcher, bucket Bucket) *Generator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(generatedTotal)
	}
	return &Generator{
		logger: logger,
		store:  st,
		tsdb:   fetcher,
		bucket: bucket,
		clock:  clock.New(),
	}
}

// SetClock replaces the wall clock, for tests.
func (g *Generator) SetClock(c clock.Clock) { g.clock = c }

// HandleTask adapts Run to an asynq handler.
func (g *Generator) HandleTask(ctx context.Context, t *asynq.Task) error {
	var task jobs.ReportTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("decoding report payload: %v: %w", err, asynq.SkipRetry)
	}
	return g.Run(ctx, task.ReportID)
}

// Run loads the report row, marks it running, collects and renders the
// document and uploads it. Errors propagate so the queue retries; the row is
// only marked failed once the task is exhausted.
func (g *Generator) Run(ctx context.Context, reportID string) error {
	_ = level.Info(g.logger).Log("msg", "report.start", "report_id", reportID)

	r, err := g.store.ReportByID(ctx, reportID)
	if errors.Is(err, store.ErrNotFound) {
		_ = level.Warn(g.logger).Log("msg", "report.not_found", "report_id", reportID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading report %s: %w", reportID, err)
	}

	renderer, err := ForFormat(r.Format)
	if err != nil {
		// A bad format never improves with retries.
		return fmt.Errorf("report %s: %v: %w", reportID, err, asynq.SkipRetry)
	}

	if err := g.store.MarkReportRunning(ctx, reportID); err != nil {
		return fmt.Errorf("marking report %s running: %w", reportID, err)
	}

	data, err := g.collect(ctx, r)
	if err != nil {
		return fmt.Errorf("collecting data for report %s: %w", reportID, err)
	}
	_ = level.Info(g.logger).Log("msg", "report.data_fetched", "report_id", reportID,
		"tenant_id", r.TenantID, "devices", len(data.Devices), "alerts", len(data.Alerts))

	if r.IncludeAnalytics && r.AnalyticsJobID != nil && *r.AnalyticsJobID != "" {
		analytics, err := g.bucket.FetchAnalyticsResult(ctx, r.TenantID, *r.AnalyticsJobID)
		if err != nil {
			// The report is still useful without its linked analysis.
			_ = level.Warn(g.logger).Log("msg", "report.analytics_fetch_failed",
				"report_id", reportID, "job_id", *r.AnalyticsJobID, "err", err)
		} else {
			data.Analytics = analytics
		}
	}

	body, err := renderer.Render(data)
	if err != nil {
		return fmt.Errorf("rendering report %s: %w", reportID, err)
	}
	_ = level.Info(g.logger).Log("msg", "report.file_generated", "report_id", reportID,
		"format", r.Format, "size_bytes", len(body))

	url, err := g.bucket.UploadReport(ctx, r.TenantID, reportID, body, renderer.Ext(), renderer.ContentType())
	if err != nil {
		return fmt.Errorf("uploading report %s: %w", reportID, err)
	}

	expires := g.clock.Now().UTC().Add(fileTTL)
	if err := g.store.MarkReportComplete(ctx, reportID, url, int64(len(body)), expires); err != nil {
		return fmt.Errorf("marking report %s complete: %w", reportID, err)
	}
	generatedTotal.WithLabelValues(string(r.Format)).Inc()
	_ = level.Info(g.logger).Log("msg", "report.success", "report_id", reportID, "file_url", url)
	return nil
}

// collect aggregates the relational and time-series slices of the report.
// Telemetry stats degrade to empty rather than failing the whole report when
// the time-series store is unavailable.
func (g *Generator) collect(ctx context.Context, r *store.Report) (*Data, error) {
	byID, err := g.store.DevicesByIDs(ctx, r.TenantID, r.DeviceIDs)
	if err != nil {
		return nil, fmt.Errorf("loading devices: %w", err)
	}
	devices := make([]store.Device, 0, len(byID))
	for _, d := range byID {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	alerts, err := g.store.ListAlerts(ctx, r.TenantID, r.DeviceIDs, r.DateRangeStart, r.DateRangeEnd, alertListLimit)
	if err != nil {
		return nil, fmt.Errorf("loading alerts: %w", err)
	}
	counts, err := g.store.CountAlertsBySeverity(ctx, r.TenantID, r.DeviceIDs, r.DateRangeStart, r.DateRangeEnd)
	if err != nil {
		return nil, fmt.Errorf("counting alerts: %w", err)
	}

	telemetry := map[int64]map[string]ParamStats{}
	samples, err := g.tsdb.FetchRange(ctx, r.TenantID, r.DeviceIDs, nil, r.DateRangeStart, r.DateRangeEnd)
	if err != nil {
		_ = level.Warn(g.logger).Log("msg", "report.telemetry_summary_failed",
			"report_id", r.ID, "err", err)
	} else {
		telemetry = foldStats(samples)
	}

	return &Data{
		Report:      r,
		GeneratedAt: g.clock.Now().UTC(),
		Devices:     devices,
		Alerts:      alerts,
		AlertCounts: counts,
		Telemetry:   telemetry,
	}, nil
}
