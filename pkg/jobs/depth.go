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
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
)

const depthPollInterval = 15 * time.Second

var queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "jobqueue_depth",
	Help: "Tasks queued, in flight, scheduled or awaiting retry, per queue.",
}, []string{"queue"})

// DepthObserver polls the queue backlog into a gauge and warns when a queue
// grows past the configured depth.
type DepthObserver struct {
	logger    log.Logger
	inspector *asynq.Inspector
	warnDepth int
}

// NewDepthObserver builds the observer and registers its gauge with reg (nil
// skips registration). warnDepth <= 0 disables the warning.
func NewDepthObserver(logger log.Logger, reg prometheus.Registerer, redisOpt asynq.RedisConnOpt, warnDepth int) *DepthObserver {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(queueDepth)
	}
	return &DepthObserver{
		logger:    logger,
		inspector: asynq.NewInspector(redisOpt),
		warnDepth: warnDepth,
	}
}

// Run polls until ctx is done.
func (o *DepthObserver) Run(ctx context.Context) error {
	ticker := time.NewTicker(depthPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return o.inspector.Close()
		case <-ticker.C:
			o.observe()
		}
	}
}

func (o *DepthObserver) observe() {
	for _, q := range AllQueues() {
		info, err := o.inspector.GetQueueInfo(q)
		if err != nil {
			// Queues only exist after their first task.
			_ = level.Debug(o.logger).Log("msg", "jobqueue.inspect_failed", "queue", q, "err", err)
			continue
		}
		depth := backlogOf(info)
		queueDepth.WithLabelValues(q).Set(float64(depth))
		if o.warnDepth > 0 && depth > o.warnDepth {
			_ = level.Warn(o.logger).Log("msg", "jobqueue.depth_high",
				"queue", q, "depth", depth, "warn_depth", o.warnDepth)
		}
	}
}

// backlogOf counts the tasks still owed work; archived and completed tasks
// are history, not backlog.
func backlogOf(info *asynq.QueueInfo) int {
	return info.Pending + info.Active + info.Scheduled + info.Retry + info.Aggregating
}
