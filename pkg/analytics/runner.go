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

package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hibiken/asynq"

	"github.com/plantpulse/telemetry-engine/pkg/jobs"
	"github.com/plantpulse/telemetry-engine/pkg/store"
	"github.com/plantpulse/telemetry-engine/pkg/tsdb"
)

// Store is the slice of the relational store the runner advances job rows
// through. Failure marking stays with the queue's error handler so a retry
// can still complete the row.
type Store interface {
	AnalyticsJobByID(ctx context.Context, id string) (*store.AnalyticsJob, error)
	MarkAnalyticsJobRunning(ctx context.Context, id string, now time.Time) error
	MarkAnalyticsJobComplete(ctx context.Context, id, resultURL string, now time.Time) error
}

// Fetcher pulls the job's telemetry window from the time-series store.
type Fetcher interface {
	FetchRange(ctx context.Context, tenantID int64, deviceIDs []int64, params []string, from, to time.Time) ([]tsdb.Sample, error)
}

// Bucket stores the result document and returns a download link.
type Bucket interface {
	UploadAnalyticsResult(ctx context.Context, tenantID int64, jobID string, result any) (string, error)
}

// Runner executes queued analytics jobs end to end.
type Runner struct {
	logger log.Logger
	store  Store
	tsdb   Fetcher
	bucket Bucket
	clock  clock.Clock
}

func NewRunner(logger log.Logger, st Store, fetcher Fetcher, bucket Bucket) *Runner {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Runner{logger: logger, store: st, tsdb: fetcher, bucket: bucket, clock: clock.New()}
}

// SetClock replaces the wall clock, for tests.
func (r *Runner) SetClock(c clock.Clock) { r.clock = c }

// HandleTask adapts Run to an asynq handler.
func (r *Runner) HandleTask(ctx context.Context, t *asynq.Task) error {
	var task jobs.AnalyticsTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("decoding analytics payload: %v: %w", err, asynq.SkipRetry)
	}
	return r.Run(ctx, task.JobID)
}

// Run loads the job row, marks it running, fetches the telemetry window,
// executes the job type's analysis and uploads the result. Errors propagate
// so the queue retries; the row is only marked failed once the task is
// exhausted.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	_ = level.Info(r.logger).Log("msg", "analytics_job.start", "job_id", jobID)

	job, err := r.store.AnalyticsJobByID(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		_ = level.Warn(r.logger).Log("msg", "analytics_job.not_found", "job_id", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading analytics job %s: %w", jobID, err)
	}

	executor, err := ForJobType(job.JobType)
	if err != nil {
		// A bad type never improves with retries.
		return fmt.Errorf("analytics job %s: %v: %w", jobID, err, asynq.SkipRetry)
	}

	if err := r.store.MarkAnalyticsJobRunning(ctx, jobID, r.clock.Now().UTC()); err != nil {
		return fmt.Errorf("marking analytics job %s running: %w", jobID, err)
	}

	samples, err := r.tsdb.FetchRange(ctx, job.TenantID, job.DeviceIDs, nil, job.DateRangeStart, job.DateRangeEnd)
	if err != nil {
		return fmt.Errorf("fetching telemetry for job %s: %w", jobID, err)
	}
	_ = level.Info(r.logger).Log("msg", "analytics_job.data_fetched",
		"job_id", jobID, "tenant_id", job.TenantID, "job_type", job.JobType,
		"devices", len(job.DeviceIDs), "rows", len(samples))

	result, err := executor.Run(ctx, Input{Samples: samples})
	if err != nil {
		return fmt.Errorf("running %s analysis for job %s: %w", job.JobType, jobID, err)
	}
	_ = level.Info(r.logger).Log("msg", "analytics_job.analysis_complete",
		"job_id", jobID, "job_type", job.JobType)

	url, err := r.bucket.UploadAnalyticsResult(ctx, job.TenantID, jobID, result)
	if err != nil {
		return fmt.Errorf("uploading result for job %s: %w", jobID, err)
	}

	if err := r.store.MarkAnalyticsJobComplete(ctx, jobID, url, r.clock.Now().UTC()); err != nil {
		return fmt.Errorf("marking analytics job %s complete: %w", jobID, err)
	}
	_ = level.Info(r.logger).Log("msg", "analytics_job.success", "job_id", jobID, "result_url", url)
	return nil
}
