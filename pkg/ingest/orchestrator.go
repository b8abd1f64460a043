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

// Package ingest drives one telemetry message through the full pipeline:
// wire decode, identity resolution, parameter discovery, time-series write,
// presence update and rule-evaluation dispatch.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/plantpulse/telemetry-engine/pkg/identity"
	"github.com/plantpulse/telemetry-engine/pkg/jobs"
	"github.com/plantpulse/telemetry-engine/pkg/store"
	"github.com/plantpulse/telemetry-engine/pkg/telemetry"
)

// Per-dependency deadlines. The cache inside the identity resolver carries
// its own tighter bound; the time-series writer bounds itself.
const (
	storeTimeout   = 5 * time.Second
	enqueueTimeout = 5 * time.Second
)

const (
	statusReceived       = "received"
	statusInvalidTopic   = "invalid_topic"
	statusInvalidPayload = "invalid_payload"
	statusUnknownTenant  = "unknown_tenant"
	statusProcessed      = "processed"
	statusError          = "error"
)

var (
	messagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_messages_total",
		Help: "Inbound broker messages by pipeline outcome.",
	}, []string{"status"})
	messagesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_messages_processed_total",
		Help: "Fully processed telemetry messages per tenant.",
	}, []string{"tenant_id"})
)

// IdentityResolver resolves tenants and auto-registers devices.
type IdentityResolver interface {
	ResolveTenant(ctx context.Context, slug string) (*store.Tenant, error)
	ResolveOrCreateDevice(ctx context.Context, tenantID int64, key string) (*store.Device, error)
}

// ParameterDiscoverer registers first-seen metric keys.
type ParameterDiscoverer interface {
	DiscoverParameters(ctx context.Context, tenantID, deviceID int64, metrics map[string]float64) (map[string]bool, error)
}

// PresenceTracker records when a device last reported.
type PresenceTracker interface {
	UpdateLastSeen(ctx context.Context, tenantID, deviceID int64, ts time.Time) error
}

// PointWriter persists samples; it logs and swallows its own failures.
type PointWriter interface {
	Write(ctx context.Context, tenantID, deviceID int64, metrics map[string]float64, ts time.Time)
}

// RuleEnqueuer hands the message to the rule engine.
type RuleEnqueuer interface {
	EnqueueRuleEval(ctx context.Context, task jobs.RuleEvalTask) error
}

// Deps are the pipeline stages the orchestrator drives.
type Deps struct {
	Identity IdentityResolver
	Params   ParameterDiscoverer
	Presence PresenceTracker
	Points   PointWriter
	Enqueuer RuleEnqueuer
}

// Orchestrator runs the per-message pipeline. One instance serves a single
// consuming goroutine.
type Orchestrator struct {
	logger log.Logger
	deps   Deps
	clock  clock.Clock
}

// NewOrchestrator builds the pipeline and registers its counters with reg
// (nil skips registration).
func NewOrchestrator(logger log.Logger, reg prometheus.Registerer, deps Deps) *Orchestrator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(messagesTotal, messagesProcessed)
	}
	return &Orchestrator{logger: logger, deps: deps, clock: clock.New()}
}

// SetClock replaces the wall clock, for tests.
func (o *Orchestrator) SetClock(c clock.Clock) { o.clock = c }

// Ingest runs one message through the pipeline. It never fails its caller:
// every outcome is counted and logged, and the subscriber moves on to the
// next message regardless.
func (o *Orchestrator) Ingest(ctx context.Context, topic string, payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			messagesTotal.WithLabelValues(statusError).Inc()
			_ = level.Error(o.logger).Log("msg", "telemetry.unhandled_error",
				"topic", topic, "panic", fmt.Sprint(rec))
		}
	}()

	messagesTotal.WithLabelValues(statusReceived).Inc()

	ref, err := telemetry.ParseTopic(topic)
	if err != nil {
		messagesTotal.WithLabelValues(statusInvalidTopic).Inc()
		_ = level.Warn(o.logger).Log("msg", "telemetry.invalid_topic", "topic", topic, "err", err)
		return
	}

	data, err := telemetry.ParsePayload(payload)
	if err != nil {
		messagesTotal.WithLabelValues(statusInvalidPayload).Inc()
		_ = level.Warn(o.logger).Log("msg", "telemetry.invalid_payload",
			"topic", topic, "tenant", ref.TenantSlug, "device_key", ref.DeviceKey, "err", err)
		return
	}

	ts := data.Timestamp
	if ts.IsZero() {
		ts = o.clock.Now().UTC()
	}

	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	tenant, err := o.deps.Identity.ResolveTenant(sctx, ref.TenantSlug)
	cancel()
	if errors.Is(err, identity.ErrUnknownTenant) {
		messagesTotal.WithLabelValues(statusUnknownTenant).Inc()
		_ = level.Warn(o.logger).Log("msg", "telemetry.unknown_tenant",
			"tenant", ref.TenantSlug, "device_key", ref.DeviceKey)
		return
	}
	if err != nil {
		messagesTotal.WithLabelValues(statusError).Inc()
		_ = level.Error(o.logger).Log("msg", "telemetry.tenant_resolve_failed",
			"tenant", ref.TenantSlug, "err", err)
		return
	}

	sctx, cancel = context.WithTimeout(ctx, storeTimeout)
	device, err := o.deps.Identity.ResolveOrCreateDevice(sctx, tenant.ID, ref.DeviceKey)
	cancel()
	if err != nil {
		messagesTotal.WithLabelValues(statusError).Inc()
		_ = level.Error(o.logger).Log("msg", "telemetry.device_resolve_failed",
			"tenant_id", tenant.ID, "device_key", ref.DeviceKey, "err", err)
		return
	}

	sctx, cancel = context.WithTimeout(ctx, storeTimeout)
	inserted, err := o.deps.Params.DiscoverParameters(sctx, tenant.ID, device.ID, data.Metrics)
	cancel()
	if err != nil {
		_ = level.Warn(o.logger).Log("msg", "telemetry.parameter_discovery_failed",
			"tenant_id", tenant.ID, "device_id", device.ID, "err", err)
	} else {
		o.logDiscovered(tenant.ID, device.ID, inserted)
	}

	o.deps.Points.Write(ctx, tenant.ID, device.ID, data.Metrics, ts)

	sctx, cancel = context.WithTimeout(ctx, storeTimeout)
	err = o.deps.Presence.UpdateLastSeen(sctx, tenant.ID, device.ID, ts)
	cancel()
	if err != nil {
		_ = level.Warn(o.logger).Log("msg", "telemetry.last_seen_update_failed",
			"tenant_id", tenant.ID, "device_id", device.ID, "err", err)
	}

	ectx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	err = o.deps.Enqueuer.EnqueueRuleEval(ectx, jobs.RuleEvalTask{
		TenantID:  tenant.ID,
		DeviceID:  device.ID,
		Metrics:   data.Metrics,
		Timestamp: ts,
	})
	cancel()
	if err != nil {
		_ = level.Warn(o.logger).Log("msg", "telemetry.rule_dispatch_failed",
			"tenant_id", tenant.ID, "device_id", device.ID, "err", err)
	}

	messagesTotal.WithLabelValues(statusProcessed).Inc()
	messagesProcessed.WithLabelValues(strconv.FormatInt(tenant.ID, 10)).Inc()
	_ = level.Info(o.logger).Log("msg", "telemetry.processed",
		"tenant_id", tenant.ID, "device_id", device.ID, "device_key", ref.DeviceKey,
		"metric_count", len(data.Metrics), "timestamp", ts.Format(time.RFC3339Nano))
}

func (o *Orchestrator) logDiscovered(tenantID, deviceID int64, inserted map[string]bool) {
	keys := make([]string, 0, len(inserted))
	for key, isNew := range inserted {
		if isNew {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		_ = level.Info(o.logger).Log("msg", "parameter.discovered",
			"tenant_id", tenantID, "device_id", deviceID, "parameter", key)
	}
}
