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
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"
)

const jobID = "3f6f4e1e-8f2a-4e7b-9c11-1d2b3c4d5e6f"

func TestAnalyticsJobByID(t *testing.T) {
	db, mock := newTestDB(t)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM analytics_jobs WHERE id = $1`)).
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "created_by", "job_type",
			"mode", "device_ids", "date_range_start", "date_range_end", "status",
			"result_url", "error_message", "started_at", "completed_at", "created_at"}).
			AddRow(jobID, int64(7), int64(1), "anomaly", "standard", []byte(`[3,4]`),
				created, created.Add(24*time.Hour), "pending", nil, nil, nil, nil, created))

	job, err := db.AnalyticsJobByID(context.Background(), jobID)
	if err != nil {
		t.Fatalf("AnalyticsJobByID: %v", err)
	}
	if job.JobType != JobAnomaly || job.Status != StatusPending {
		t.Fatalf("unexpected job: %+v", job)
	}
	if diff := cmp.Diff(IntList{3, 4}, job.DeviceIDs); diff != "" {
		t.Fatalf("device ids mismatch (-want +got):\n%s", diff)
	}
	expectationsMet(t, mock)
}

// Status transitions are guarded on the prior status so redelivered tasks
// cannot move a job backwards.
func TestAnalyticsJobTransitionsAreGuarded(t *testing.T) {
	db, mock := newTestDB(t)
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE analytics_jobs SET status = 'running', started_at = \$2\s+WHERE id = \$1 AND status = 'pending'`).
		WithArgs(jobID, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE analytics_jobs SET status = 'complete', result_url = \$2, completed_at = \$3\s+WHERE id = \$1 AND status = 'running'`).
		WithArgs(jobID, "https://minio/7/analytics/"+jobID+".json", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE analytics_jobs SET status = 'failed', error_message = \$2, completed_at = \$3\s+WHERE id = \$1 AND status IN \('pending', 'running'\)`).
		WithArgs(jobID, "influx unreachable", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	if err := db.MarkAnalyticsJobRunning(ctx, jobID, now); err != nil {
		t.Fatalf("MarkAnalyticsJobRunning: %v", err)
	}
	if err := db.MarkAnalyticsJobComplete(ctx, jobID, "https://minio/7/analytics/"+jobID+".json", now); err != nil {
		t.Fatalf("MarkAnalyticsJobComplete: %v", err)
	}
	// Failing a job that already completed matches no row and is not an error.
	if err := db.MarkAnalyticsJobFailed(ctx, jobID, "influx unreachable", now); err != nil {
		t.Fatalf("MarkAnalyticsJobFailed: %v", err)
	}
	expectationsMet(t, mock)
}

func TestReportTransitionsAreGuarded(t *testing.T) {
	db, mock := newTestDB(t)
	expires := time.Date(2024, 1, 16, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE reports SET status = 'running' WHERE id = $1 AND status = 'pending'`)).
		WithArgs(jobID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE reports SET status = 'complete', file_url = \$2, file_size_bytes = \$3, expires_at = \$4\s+WHERE id = \$1 AND status = 'running'`).
		WithArgs(jobID, "https://minio/7/reports/"+jobID+".pdf", int64(2048), expires).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE reports SET status = 'failed', error_message = \$2\s+WHERE id = \$1 AND status IN \('pending', 'running'\)`).
		WithArgs(jobID, "render failed").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	if err := db.MarkReportRunning(ctx, jobID); err != nil {
		t.Fatalf("MarkReportRunning: %v", err)
	}
	if err := db.MarkReportComplete(ctx, jobID, "https://minio/7/reports/"+jobID+".pdf", 2048, expires); err != nil {
		t.Fatalf("MarkReportComplete: %v", err)
	}
	if err := db.MarkReportFailed(ctx, jobID, "render failed"); err != nil {
		t.Fatalf("MarkReportFailed: %v", err)
	}
	expectationsMet(t, mock)
}
