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

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hibiken/asynq"
)

// JobFailer marks analytics/report rows failed once their task is exhausted.
// The queue archives the dead task either way; this keeps the row a user
// polls in sync with it.
type JobFailer interface {
	MarkAnalyticsJobFailed(ctx context.Context, id, errMsg string, now time.Time) error
	MarkReportFailed(ctx context.Context, id, errMsg string) error
}

// ServerOpts are the worker pool knobs.
type ServerOpts struct {
	// Concurrency <= 0 falls back to the CPU count.
	Concurrency int
	// Weights maps queue name to dispatch weight; empty uses
	// DefaultQueueWeights.
	Weights map[string]int
}

// Server is the asynq worker pool with the handler mux and the dead-task
// bookkeeping wired in.
type Server struct {
	logger log.Logger
	srv    *asynq.Server
	mux    *asynq.ServeMux
}

// NewServer builds the worker pool. Handlers are attached with HandleFunc
// before Start.
func NewServer(logger log.Logger, redisOpt asynq.RedisConnOpt, failer JobFailer, opts ServerOpts) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	weights := opts.Weights
	if len(weights) == 0 {
		weights = DefaultQueueWeights()
	}
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:  opts.Concurrency,
		Queues:       weights,
		Logger:       kitLogger{logger},
		LogLevel:     asynq.WarnLevel,
		ErrorHandler: newErrorHandler(logger, failer),
	})
	mux := asynq.NewServeMux()
	mux.Use(softLimit)
	return &Server{logger: logger, srv: srv, mux: mux}
}

// HandleFunc registers the handler for one task kind.
func (s *Server) HandleFunc(kind string, fn func(context.Context, *asynq.Task) error) {
	s.mux.HandleFunc(kind, fn)
}

// Start launches the worker pool without blocking.
func (s *Server) Start() error {
	return s.srv.Start(s.mux)
}

// Shutdown stops the pool, waiting for in-flight tasks.
func (s *Server) Shutdown() {
	s.srv.Shutdown()
}

// softLimit hands every handler a deadline shorter than the queue's hard
// timeout so work can wind down before the task is forcibly failed.
func softLimit(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		ctx, cancel := context.WithTimeout(ctx, softTimeout)
		defer cancel()
		return next.ProcessTask(ctx, t)
	})
}

// newErrorHandler logs every task failure and, on the final one, marks the
// backing analytics/report row failed.
func newErrorHandler(logger log.Logger, failer JobFailer) asynq.ErrorHandlerFunc {
	return func(ctx context.Context, task *asynq.Task, err error) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if retried < maxRetry && !errors.Is(err, asynq.SkipRetry) {
			_ = level.Warn(logger).Log("msg", "jobqueue.task_retry",
				"kind", task.Type(), "retried", retried, "max_retry", maxRetry, "err", err)
			return
		}
		_ = level.Error(logger).Log("msg", "jobqueue.task_dead", "kind", task.Type(), "err", err)
		if failer == nil {
			return
		}

		// The task ctx may already be done; the row update gets its own.
		markCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var markErr error
		switch task.Type() {
		case KindAnalytics:
			var t AnalyticsTask
			if jsonErr := json.Unmarshal(task.Payload(), &t); jsonErr != nil {
				return
			}
			markErr = failer.MarkAnalyticsJobFailed(markCtx, t.JobID, err.Error(), time.Now().UTC())
		case KindReport:
			var t ReportTask
			if jsonErr := json.Unmarshal(task.Payload(), &t); jsonErr != nil {
				return
			}
			markErr = failer.MarkReportFailed(markCtx, t.ReportID, err.Error())
		default:
			return
		}
		if markErr != nil {
			_ = level.Error(logger).Log("msg", "jobqueue.mark_failed_error",
				"kind", task.Type(), "err", markErr)
		}
	}
}

// kitLogger adapts the asynq logger interface onto go-kit.
type kitLogger struct {
	l log.Logger
}

func (k kitLogger) Debug(args ...any) { _ = level.Debug(k.l).Log("msg", fmt.Sprint(args...)) }
func (k kitLogger) Info(args ...any)  { _ = level.Info(k.l).Log("msg", fmt.Sprint(args...)) }
func (k kitLogger) Warn(args ...any)  { _ = level.Warn(k.l).Log("msg", fmt.Sprint(args...)) }
func (k kitLogger) Error(args ...any) { _ = level.Error(k.l).Log("msg", fmt.Sprint(args...)) }
func (k kitLogger) Fatal(args ...any) {
	_ = level.Error(k.l).Log("msg", fmt.Sprint(args...), "fatal", "true")
}
