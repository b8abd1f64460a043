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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hibiken/asynq"
)

type capturedTask struct {
	kind    string
	payload []byte
	opts    []asynq.Option
}

type fakeTaskEnqueuer struct {
	tasks []capturedTask
	err   error
}

func (f *fakeTaskEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, capturedTask{kind: task.Type(), payload: task.Payload(), opts: opts})
	return &asynq.TaskInfo{}, nil
}

func optionValue(t *testing.T, opts []asynq.Option, typ asynq.OptionType) any {
	t.Helper()
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value()
		}
	}
	t.Fatalf("option %v not set", typ)
	return nil
}

func TestClientEnqueueRouting(t *testing.T) {
	for _, tc := range []struct {
		name      string
		enqueue   func(c *Client) error
		wantKind  string
		wantQueue string
		wantRetry int
	}{
		{
			name: "rule eval",
			enqueue: func(c *Client) error {
				return c.EnqueueRuleEval(context.Background(), RuleEvalTask{TenantID: 7, DeviceID: 42})
			},
			wantKind:  KindRuleEval,
			wantQueue: QueueRuleEngine,
			wantRetry: 3,
		},
		{
			name: "notification",
			enqueue: func(c *Client) error {
				return c.EnqueueNotification(context.Background(), NotificationTask{AlertID: 9})
			},
			wantKind:  KindNotification,
			wantQueue: QueueNotifications,
			wantRetry: 3,
		},
		{
			name: "analytics",
			enqueue: func(c *Client) error {
				return c.EnqueueAnalytics(context.Background(), "job-1")
			},
			wantKind:  KindAnalytics,
			wantQueue: QueueAnalytics,
			wantRetry: 1,
		},
		{
			name: "report",
			enqueue: func(c *Client) error {
				return c.EnqueueReport(context.Background(), "report-1")
			},
			wantKind:  KindReport,
			wantQueue: QueueReporting,
			wantRetry: 1,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeTaskEnqueuer{}
			c := &Client{enq: fake}

			if err := tc.enqueue(c); err != nil {
				t.Fatal(err)
			}
			if len(fake.tasks) != 1 {
				t.Fatalf("expected one task, got %d", len(fake.tasks))
			}
			got := fake.tasks[0]
			if got.kind != tc.wantKind {
				t.Errorf("kind = %q, want %q", got.kind, tc.wantKind)
			}
			if q := optionValue(t, got.opts, asynq.QueueOpt); q != tc.wantQueue {
				t.Errorf("queue = %v, want %q", q, tc.wantQueue)
			}
			if r := optionValue(t, got.opts, asynq.MaxRetryOpt); r != tc.wantRetry {
				t.Errorf("max retry = %v, want %d", r, tc.wantRetry)
			}
			if d := optionValue(t, got.opts, asynq.TimeoutOpt); d != hardTimeout {
				t.Errorf("timeout = %v, want %v", d, hardTimeout)
			}
			if d := optionValue(t, got.opts, asynq.RetentionOpt); d != taskRetention {
				t.Errorf("retention = %v, want %v", d, taskRetention)
			}
		})
	}
}

func TestClientEnqueueError(t *testing.T) {
	fake := &fakeTaskEnqueuer{err: errors.New("redis down")}
	c := &Client{enq: fake}

	err := c.EnqueueRuleEval(context.Background(), RuleEvalTask{TenantID: 7})
	if err == nil || !errors.Is(err, fake.err) {
		t.Fatalf("expected wrapped enqueue error, got %v", err)
	}
}

// Payload field names are the wire contract between the ingester and the
// worker; keep them stable.
func TestTaskPayloadFieldNames(t *testing.T) {
	ts := time.Date(2026, 1, 5, 10, 30, 0, 0, time.UTC)

	b, err := json.Marshal(RuleEvalTask{
		TenantID:  7,
		DeviceID:  42,
		Metrics:   map[string]float64{"voltage": 245.5},
		Timestamp: ts,
	})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"tenant_id": float64(7),
		"device_id": float64(42),
		"metrics":   map[string]any{"voltage": 245.5},
		"timestamp": "2026-01-05T10:30:00Z",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("rule eval payload (-want,+got): %s", diff)
	}

	b, err = json.Marshal(NotificationTask{AlertID: 9, Channels: map[string]bool{"email": true, "whatsapp": false}})
	if err != nil {
		t.Fatal(err)
	}
	got = nil
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	want = map[string]any{
		"alert_id": float64(9),
		"channels": map[string]any{"email": true, "whatsapp": false},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("notification payload (-want,+got): %s", diff)
	}
}
