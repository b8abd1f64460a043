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

// Package engine evaluates a tenant's active alert rules against one
// telemetry message and materializes alerts. Rules are isolated from each
// other: one broken rule logs and the rest still run.
package engine

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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/plantpulse/telemetry-engine/pkg/jobs"
	"github.com/plantpulse/telemetry-engine/pkg/rules"
	"github.com/plantpulse/telemetry-engine/pkg/store"
)

var (
	rulesEvaluated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rules_evaluated_total",
		Help: "Rules run against a telemetry message.",
	})
	alertsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_created_total",
		Help: "Alerts materialized, by severity.",
	}, []string{"severity"})
	cooldownSuppressions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cooldown_suppressions_total",
		Help: "Matching evaluations suppressed by a rule cooldown window.",
	})
	evaluationErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rule_evaluation_errors_total",
		Help: "Rules that failed to evaluate; failures never spread to sibling rules.",
	})
)

// Store is the slice of the relational store the engine uses.
type Store interface {
	ListActiveRulesForDevice(ctx context.Context, tenantID, deviceID int64) ([]store.Rule, error)
	TenantByID(ctx context.Context, id int64) (*store.Tenant, error)
	Cooldown(ctx context.Context, ruleID, deviceID int64) (*store.Cooldown, error)
	CreateAlertGated(ctx context.Context, seed store.AlertSeed, cooldown time.Duration, now time.Time) (int64, bool, error)
}

// NotificationEnqueuer dispatches created alerts to the notification queue.
type NotificationEnqueuer interface {
	EnqueueNotification(ctx context.Context, task jobs.NotificationTask) error
}

// Engine is the rule evaluation task handler.
type Engine struct {
	logger log.Logger
	store  Store
	enq    NotificationEnqueuer
	clock  clock.Clock
}

// New builds an Engine and registers its counters with reg (nil skips
// registration).
func New(logger log.Logger, reg prometheus.Registerer, st Store, enq NotificationEnqueuer) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(rulesEvaluated, alertsCreated, cooldownSuppressions, evaluationErrors)
	}
	return &Engine{logger: logger, store: st, enq: enq, clock: clock.New()}
}

// SetClock replaces the wall clock, for tests.
func (e *Engine) SetClock(c clock.Clock) { e.clock = c }

// HandleTask adapts HandleEvaluate onto the queue. A payload that does not
// decode can never succeed, so it skips retries.
func (e *Engine) HandleTask(ctx context.Context, t *asynq.Task) error {
	var task jobs.RuleEvalTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("decoding rule eval payload: %v: %w", err, asynq.SkipRetry)
	}
	return e.HandleEvaluate(ctx, task)
}

// HandleEvaluate runs every active rule of the task's tenant that covers the
// device. A store failure loading the rule set fails the task (the queue
// retries); anything that goes wrong inside a single rule only skips that
// rule.
func (e *Engine) HandleEvaluate(ctx context.Context, task jobs.RuleEvalTask) error {
	ts := task.Timestamp
	if ts.IsZero() {
		ts = e.clock.Now().UTC()
	}

	ruleSet, err := e.store.ListActiveRulesForDevice(ctx, task.TenantID, task.DeviceID)
	if err != nil {
		return fmt.Errorf("loading rules for tenant %d device %d: %w", task.TenantID, task.DeviceID, err)
	}
	if len(ruleSet) == 0 {
		return nil
	}

	loc := e.tenantLocation(ctx, task.TenantID)
	for i := range ruleSet {
		e.evaluateRule(ctx, &ruleSet[i], task, ts, loc)
	}
	return nil
}

// tenantLocation resolves the tenant's schedule timezone; lookup trouble
// falls back to UTC rather than blocking evaluation.
func (e *Engine) tenantLocation(ctx context.Context, tenantID int64) *time.Location {
	tenant, err := e.store.TenantByID(ctx, tenantID)
	if err != nil {
		_ = level.Warn(e.logger).Log("msg", "rule.tenant_lookup_failed",
			"tenant_id", tenantID, "err", err)
		return time.UTC
	}
	return tenant.Location()
}

func (e *Engine) evaluateRule(ctx context.Context, r *store.Rule, task jobs.RuleEvalTask, ts time.Time, loc *time.Location) {
	rulesEvaluated.Inc()

	cond, err := rules.Decode(r.Conditions)
	if err != nil {
		e.ruleError(r.ID, task.DeviceID, fmt.Errorf("decoding conditions: %w", err))
		return
	}
	if err := rules.Validate(cond); err != nil {
		e.ruleError(r.ID, task.DeviceID, err)
		return
	}

	if !rules.ScheduleAllows(string(r.ScheduleType), r.ScheduleConfig, ts, loc) {
		return
	}

	now := e.clock.Now().UTC()
	cooldown := r.Cooldown()
	if cooldown > 0 {
		cd, err := e.store.Cooldown(ctx, r.ID, task.DeviceID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Never triggered for this device; the gate passes.
		case err != nil:
			e.ruleError(r.ID, task.DeviceID, fmt.Errorf("reading cooldown: %w", err))
			return
		case now.Sub(cd.LastTriggered) < cooldown:
			e.suppress(r.ID, task.DeviceID)
			return
		}
	}

	if !rules.Evaluate(cond, task.Metrics) {
		return
	}

	alertID, created, err := e.store.CreateAlertGated(ctx, store.AlertSeed{
		TenantID:    task.TenantID,
		RuleID:      r.ID,
		DeviceID:    task.DeviceID,
		Severity:    r.Severity,
		Message:     rules.Humanize(r.Name, cond, task.Metrics),
		Snapshot:    store.FloatMap(task.Metrics),
		TriggeredAt: ts,
	}, cooldown, now)
	if err != nil {
		e.ruleError(r.ID, task.DeviceID, fmt.Errorf("materializing alert: %w", err))
		return
	}
	if !created {
		// A parallel evaluation won the cooldown window first.
		e.suppress(r.ID, task.DeviceID)
		return
	}

	alertsCreated.WithLabelValues(string(r.Severity)).Inc()
	_ = level.Info(e.logger).Log("msg", "alert.created",
		"alert_id", alertID, "rule_id", r.ID, "device_id", task.DeviceID, "severity", r.Severity)

	if err := e.enq.EnqueueNotification(ctx, jobs.NotificationTask{
		AlertID:  alertID,
		Channels: r.NotificationChannels,
	}); err != nil {
		_ = level.Warn(e.logger).Log("msg", "alert.notification_dispatch_failed",
			"alert_id", alertID, "err", err)
	}
}

func (e *Engine) suppress(ruleID, deviceID int64) {
	cooldownSuppressions.Inc()
	_ = level.Debug(e.logger).Log("msg", "rule.suppressed", "reason", "in cooldown",
		"rule_id", ruleID, "device_id", deviceID)
}

func (e *Engine) ruleError(ruleID, deviceID int64, err error) {
	evaluationErrors.Inc()
	_ = level.Warn(e.logger).Log("msg", "rule.evaluation_error",
		"rule_id", ruleID, "device_id", deviceID, "err", err)
}
