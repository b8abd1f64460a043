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
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Hard per-task deadline enforced by the queue, the soft limit handlers see
// as a ctx deadline, and how long finished task results are kept around.
const (
	hardTimeout   = 3600 * time.Second
	softTimeout   = 3300 * time.Second
	taskRetention = 24 * time.Hour
)

// Enqueuer hands tasks to the queue without exposing the backend to callers.
type Enqueuer interface {
	EnqueueRuleEval(ctx context.Context, task RuleEvalTask) error
	EnqueueNotification(ctx context.Context, task NotificationTask) error
	EnqueueAnalytics(ctx context.Context, jobID string) error
	EnqueueReport(ctx context.Context, reportID string) error
}

// taskEnqueuer is the slice of the asynq client the Client uses.
type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Client is the asynq-backed Enqueuer.
type Client struct {
	inner *asynq.Client
	enq   taskEnqueuer
}

// NewClient builds an Enqueuer over the given Redis connection.
func NewClient(redisOpt asynq.RedisConnOpt) *Client {
	inner := asynq.NewClient(redisOpt)
	return &Client{inner: inner, enq: inner}
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

func (c *Client) enqueue(ctx context.Context, kind, queue string, maxRetry int, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	_, err = c.enq.EnqueueContext(ctx, asynq.NewTask(kind, b),
		asynq.Queue(queue),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(hardTimeout),
		asynq.Retention(taskRetention),
	)
	if err != nil {
		return fmt.Errorf("enqueueing %s: %w", kind, err)
	}
	return nil
}

func (c *Client) EnqueueRuleEval(ctx context.Context, task RuleEvalTask) error {
	return c.enqueue(ctx, KindRuleEval, QueueRuleEngine, 3, task)
}

func (c *Client) EnqueueNotification(ctx context.Context, task NotificationTask) error {
	return c.enqueue(ctx, KindNotification, QueueNotifications, 3, task)
}

func (c *Client) EnqueueAnalytics(ctx context.Context, jobID string) error {
	return c.enqueue(ctx, KindAnalytics, QueueAnalytics, 1, AnalyticsTask{JobID: jobID})
}

func (c *Client) EnqueueReport(ctx context.Context, reportID string) error {
	return c.enqueue(ctx, KindReport, QueueReporting, 1, ReportTask{ReportID: reportID})
}
