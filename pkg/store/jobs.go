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

package store

import (
	"context"
	"time"
)

// Job rows are created by the HTTP facade; the workers here only advance
// them. Transitions are monotonic — each UPDATE is guarded on the expected
// prior status, so redelivered tasks and crashed retries cannot move a job
// backwards. A guard that matches nothing is not an error; the handler just
// carries on.

const analyticsJobColumns = `id, tenant_id, created_by, job_type, mode, device_ids,
	date_range_start, date_range_end, status, result_url, error_message,
	started_at, completed_at, created_at`

func (db *DB) AnalyticsJobByID(ctx context.Context, id string) (*AnalyticsJob, error) {
	var j AnalyticsJob
	err := db.GetContext(ctx, &j,
		`SELECT `+analyticsJobColumns+` FROM analytics_jobs WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &j, nil
}

func (db *DB) MarkAnalyticsJobRunning(ctx context.Context, id string, now time.Time) error {
	_, err := db.ExecContext(ctx,
		`UPDATE analytics_jobs SET status = 'running', started_at = $2
		 WHERE id = $1 AND status = 'pending'`,
		id, now)
	return err
}

func (db *DB) MarkAnalyticsJobComplete(ctx context.Context, id, resultURL string, now time.Time) error {
	_, err := db.ExecContext(ctx,
		`UPDATE analytics_jobs SET status = 'complete', result_url = $2, completed_at = $3
		 WHERE id = $1 AND status = 'running'`,
		id, resultURL, now)
	return err
}

func (db *DB) MarkAnalyticsJobFailed(ctx context.Context, id, errMsg string, now time.Time) error {
	_, err := db.ExecContext(ctx,
		`UPDATE analytics_jobs SET status = 'failed', error_message = $2, completed_at = $3
		 WHERE id = $1 AND status IN ('pending', 'running')`,
		id, errMsg, now)
	return err
}

const reportColumns = `id, tenant_id, created_by, title, device_ids, date_range_start,
	date_range_end, format, include_analytics, analytics_job_id, status, file_url,
	file_size_bytes, error_message, expires_at, created_at`

func (db *DB) ReportByID(ctx context.Context, id string) (*Report, error) {
	var r Report
	err := db.GetContext(ctx, &r,
		`SELECT `+reportColumns+` FROM reports WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (db *DB) MarkReportRunning(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE reports SET status = 'running' WHERE id = $1 AND status = 'pending'`,
		id)
	return err
}

func (db *DB) MarkReportComplete(ctx context.Context, id, fileURL string, sizeBytes int64, expiresAt time.Time) error {
	_, err := db.ExecContext(ctx,
		`UPDATE reports SET status = 'complete', file_url = $2, file_size_bytes = $3, expires_at = $4
		 WHERE id = $1 AND status = 'running'`,
		id, fileURL, sizeBytes, expiresAt)
	return err
}

func (db *DB) MarkReportFailed(ctx context.Context, id, errMsg string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE reports SET status = 'failed', error_message = $2
		 WHERE id = $1 AND status IN ('pending', 'running')`,
		id, errMsg)
	return err
}
