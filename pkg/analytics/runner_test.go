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
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantpulse/telemetry-engine/pkg/jobs"
	"github.com/plantpulse/telemetry-engine/pkg/store"
	"github.com/plantpulse/telemetry-engine/pkg/tsdb"
)

type fakeJobStore struct {
	job         *store.AnalyticsJob
	loadErr     error
	runErr      error
	completeErr error

	running   []string
	completed map[string]string
}

func (f *fakeJobStore) AnalyticsJobByID(_ context.Context, id string) (*store.AnalyticsJob, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	if f.job == nil || f.job.ID != id {
		return nil, store.ErrNotFound
	}
	return f.job, nil
}

func (f *fakeJobStore) MarkAnalyticsJobRunning(_ context.Context, id string, _ time.Time) error {
	if f.runErr != nil {
		return f.runErr
	}
	f.running = append(f.running, id)
	return nil
}

func (f *fakeJobStore) MarkAnalyticsJobComplete(_ context.Context, id, resultURL string, _ time.Time) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	if f.completed == nil {
		f.completed = map[string]string{}
	}
	f.completed[id] = resultURL
	return nil
}

type fetchCall struct {
	tenantID  int64
	deviceIDs []int64
	params    []string
	from, to  time.Time
}

type fakeFetcher struct {
	samples []tsdb.Sample
	err     error
	calls   []fetchCall
}

func (f *fakeFetcher) FetchRange(_ context.Context, tenantID int64, deviceIDs []int64, params []string, from, to time.Time) ([]tsdb.Sample, error) {
	f.calls = append(f.calls, fetchCall{tenantID, deviceIDs, params, from, to})
	if f.err != nil {
		return nil, f.err
	}
	return f.samples, nil
}

type fakeResultBucket struct {
	err      error
	uploaded map[string]any
}

func (f *fakeResultBucket) UploadAnalyticsResult(_ context.Context, _ int64, jobID string, result any) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.uploaded == nil {
		f.uploaded = map[string]any{}
	}
	f.uploaded[jobID] = result
	return "http://minio.local/plantpulse/" + jobID + ".json", nil
}

func analyticsJob(id string, jt store.JobType) *store.AnalyticsJob {
	return &store.AnalyticsJob{
		ID:             id,
		TenantID:       7,
		JobType:        jt,
		Mode:           store.ModeStandard,
		DeviceIDs:      store.IntList{42, 43},
		DateRangeStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		DateRangeEnd:   time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC),
		Status:         store.StatusPending,
	}
}

func newTestRunner(st *fakeJobStore, fetcher *fakeFetcher, bucket *fakeResultBucket) *Runner {
	r := NewRunner(log.NewNopLogger(), st, fetcher, bucket)
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	r.SetClock(mock)
	return r
}

func TestRunnerCompletesJob(t *testing.T) {
	id := uuid.NewString()
	st := &fakeJobStore{job: analyticsJob(id, store.JobAnomaly)}
	fetcher := &fakeFetcher{samples: mkSeries("voltage", time.Minute, append(repeat(100, 29), 500)...)}
	bucket := &fakeResultBucket{}
	r := newTestRunner(st, fetcher, bucket)

	require.NoError(t, r.Run(context.Background(), id))

	assert.Equal(t, []string{id}, st.running)
	assert.Equal(t, "http://minio.local/plantpulse/"+id+".json", st.completed[id])

	require.Len(t, fetcher.calls, 1)
	call := fetcher.calls[0]
	assert.Equal(t, int64(7), call.tenantID)
	assert.Equal(t, []int64{42, 43}, call.deviceIDs)
	assert.Nil(t, call.params)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), call.from)
	assert.Equal(t, time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC), call.to)

	result, ok := bucket.uploaded[id].(Result)
	require.True(t, ok)
	assert.Equal(t, "1 anomalies detected out of 30 data points", result["summary"])
}

func TestRunnerMissingJobIsDropped(t *testing.T) {
	st := &fakeJobStore{}
	r := newTestRunner(st, &fakeFetcher{}, &fakeResultBucket{})

	require.NoError(t, r.Run(context.Background(), uuid.NewString()))
	assert.Empty(t, st.running)
	assert.Empty(t, st.completed)
}

func TestRunnerJobLoadFailurePropagates(t *testing.T) {
	st := &fakeJobStore{loadErr: errors.New("db down")}
	r := newTestRunner(st, &fakeFetcher{}, &fakeResultBucket{})

	err := r.Run(context.Background(), uuid.NewString())
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
}

func TestRunnerUnknownJobTypeSkipsRetry(t *testing.T) {
	id := uuid.NewString()
	st := &fakeJobStore{job: analyticsJob(id, store.JobType("sentiment"))}
	r := newTestRunner(st, &fakeFetcher{}, &fakeResultBucket{})

	err := r.Run(context.Background(), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	// The type check runs before the row is touched.
	assert.Empty(t, st.running)
}

func TestRunnerFetchFailurePropagates(t *testing.T) {
	id := uuid.NewString()
	st := &fakeJobStore{job: analyticsJob(id, store.JobEnergyForecast)}
	fetcher := &fakeFetcher{err: errors.New("influx unreachable")}
	r := newTestRunner(st, fetcher, &fakeResultBucket{})

	err := r.Run(context.Background(), id)
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
	assert.Empty(t, st.completed)
}

func TestRunnerUploadFailurePropagates(t *testing.T) {
	id := uuid.NewString()
	st := &fakeJobStore{job: analyticsJob(id, store.JobAnomaly)}
	fetcher := &fakeFetcher{samples: mkSeries("voltage", time.Minute, repeat(100, 30)...)}
	bucket := &fakeResultBucket{err: errors.New("minio unreachable")}
	r := newTestRunner(st, fetcher, bucket)

	require.Error(t, r.Run(context.Background(), id))
	assert.Empty(t, st.completed)
}

func TestRunnerEmptyWindowStillCompletes(t *testing.T) {
	// Too little data is an answer, not a failure: the job completes and
	// the stored document carries the explanation.
	id := uuid.NewString()
	st := &fakeJobStore{job: analyticsJob(id, store.JobFailurePrediction)}
	bucket := &fakeResultBucket{}
	r := newTestRunner(st, &fakeFetcher{}, bucket)

	require.NoError(t, r.Run(context.Background(), id))
	assert.Contains(t, st.completed, id)

	result := bucket.uploaded[id].(Result)
	assert.Equal(t, "Insufficient data for failure prediction", result["error"])
}

func TestRunnerHandleTaskDecodesPayload(t *testing.T) {
	id := uuid.NewString()
	st := &fakeJobStore{job: analyticsJob(id, store.JobAnomaly)}
	fetcher := &fakeFetcher{samples: mkSeries("voltage", time.Minute, repeat(100, 30)...)}
	r := newTestRunner(st, fetcher, &fakeResultBucket{})

	task := asynq.NewTask(jobs.KindAnalytics, []byte(`{"job_id":"`+id+`"}`))
	require.NoError(t, r.HandleTask(context.Background(), task))
	assert.Contains(t, st.completed, id)
}

func TestRunnerHandleTaskMalformedPayloadSkipsRetry(t *testing.T) {
	r := newTestRunner(&fakeJobStore{}, &fakeFetcher{}, &fakeResultBucket{})

	err := r.HandleTask(context.Background(), asynq.NewTask(jobs.KindAnalytics, []byte(`{not json`)))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
