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

// Package jobs wraps the asynq task queue: typed payloads, an Enqueuer for
// producers, a worker Server for consumers, and a queue-depth observer.
package jobs

import "time"

// Task kinds routed through the queue.
const (
	KindRuleEval     = "rule_engine:evaluate"
	KindNotification = "notifications:dispatch"
	KindAnalytics    = "analytics:run"
	KindReport       = "reporting:generate"
)

// Queue names. Relative dispatch priority is set per worker via queue weights.
const (
	QueueRuleEngine    = "rule_engine"
	QueueNotifications = "notifications"
	QueueAnalytics     = "analytics"
	QueueReporting     = "reporting"
)

// AllQueues lists every queue the worker consumes.
func AllQueues() []string {
	return []string{QueueRuleEngine, QueueNotifications, QueueAnalytics, QueueReporting}
}

// DefaultQueueWeights biases the worker toward the latency-sensitive queues.
func DefaultQueueWeights() map[string]int {
	return map[string]int{
		QueueRuleEngine:    5,
		QueueNotifications: 3,
		QueueAnalytics:     1,
		QueueReporting:     1,
	}
}

// RuleEvalTask asks the engine to evaluate all active rules of one tenant
// against a single telemetry message.
type RuleEvalTask struct {
	TenantID  int64              `json:"tenant_id"`
	DeviceID  int64              `json:"device_id"`
	Metrics   map[string]float64 `json:"metrics"`
	Timestamp time.Time          `json:"timestamp"`
}

// NotificationTask fans one alert out to the channels the rule enabled.
type NotificationTask struct {
	AlertID  int64           `json:"alert_id"`
	Channels map[string]bool `json:"channels"`
}

// AnalyticsTask carries only the job row id; all further state lives in the
// analytics_jobs row.
type AnalyticsTask struct {
	JobID string `json:"job_id"`
}

// ReportTask carries only the report row id.
type ReportTask struct {
	ReportID string `json:"report_id"`
}
