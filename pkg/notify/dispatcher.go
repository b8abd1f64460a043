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

// Package notify fans an alert out to the owning tenant's active users over
// the channels the rule enabled. Delivery is best-effort per user per
// channel: one dead mailbox or rejected number never blocks the rest of the
// audience, and the alert's notification flag records that dispatch was
// attempted, not that every message arrived.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/plantpulse/telemetry-engine/pkg/jobs"
	"github.com/plantpulse/telemetry-engine/pkg/store"
)

// fanoutConcurrency bounds how many users are notified at once. Sends are
// network calls with their own timeouts; a large tenant should not pin the
// whole worker on one alert.
const fanoutConcurrency = 8

const (
	ChannelEmail    = "email"
	ChannelWhatsApp = "whatsapp"

	statusSuccess = "success"
	statusFailure = "failure"
)

var sentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "notifications_sent_total",
	Help: "Notification delivery attempts by channel and outcome.",
}, []string{"channel", "status"})

// Store is the slice of the relational store the dispatcher reads and
// updates.
type Store interface {
	AlertForNotification(ctx context.Context, alertID int64) (*store.AlertNotification, error)
	ListActiveUsers(ctx context.Context, tenantID int64) ([]store.User, error)
	MarkNotificationSent(ctx context.Context, tenantID, alertID int64) error
}

// Sender delivers one rendered notification to one recipient. Configured
// reports whether the underlying transport has credentials at all; an
// unconfigured sender is skipped, not failed.
type Sender interface {
	Configured() bool
	Send(ctx context.Context, to string, alert *store.AlertNotification) error
}

// Dispatcher turns a queued notification task into per-user deliveries.
type Dispatcher struct {
	logger   log.Logger
	store    Store
	email    Sender
	whatsapp Sender
}

func New(logger log.Logger, reg prometheus.Registerer, st Store, email, whatsapp Sender) *Dispatcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(sentTotal)
	}
	return &Dispatcher{logger: logger, store: st, email: email, whatsapp: whatsapp}
}

// HandleTask adapts HandleDispatch to an asynq handler.
func (d *Dispatcher) HandleTask(ctx context.Context, t *asynq.Task) error {
	var task jobs.NotificationTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("decoding notification payload: %v: %w", err, asynq.SkipRetry)
	}
	return d.HandleDispatch(ctx, task)
}

// HandleDispatch loads the alert with its display names, loads the tenant's
// active users and sends over every enabled, configured channel. Send
// failures are logged and counted but never returned: the task retries only
// for load or bookkeeping failures, where a rerun can actually help.
func (d *Dispatcher) HandleDispatch(ctx context.Context, task jobs.NotificationTask) error {
	alert, err := d.store.AlertForNotification(ctx, task.AlertID)
	if errors.Is(err, store.ErrNotFound) {
		_ = level.Warn(d.logger).Log("msg", "notification.alert_not_found", "alert_id", task.AlertID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading alert %d: %w", task.AlertID, err)
	}

	users, err := d.store.ListActiveUsers(ctx, alert.TenantID)
	if err != nil {
		return fmt.Errorf("listing users for tenant %d: %w", alert.TenantID, err)
	}

	wantEmail := task.Channels[ChannelEmail]
	wantWhatsApp := task.Channels[ChannelWhatsApp]
	if wantEmail && !d.email.Configured() {
		_ = level.Debug(d.logger).Log("msg", "notification.email_skipped",
			"alert_id", alert.ID, "reason", "smtp not configured")
		wantEmail = false
	}
	if wantWhatsApp && !d.whatsapp.Configured() {
		_ = level.Debug(d.logger).Log("msg", "notification.whatsapp_skipped",
			"alert_id", alert.ID, "reason", "twilio not configured")
		wantWhatsApp = false
	}

	_ = level.Info(d.logger).Log("msg", "notification.started",
		"alert_id", alert.ID, "tenant_id", alert.TenantID, "rule", alert.RuleName,
		"users", len(users), "email", wantEmail, "whatsapp", wantWhatsApp)

	var g errgroup.Group
	g.SetLimit(fanoutConcurrency)
	for i := range users {
		u := &users[i]
		g.Go(func() error {
			d.notifyUser(ctx, alert, u, wantEmail, wantWhatsApp)
			return nil
		})
	}
	// notifyUser never returns an error; the group is only a bounded fan-out.
	_ = g.Wait()

	if err := d.store.MarkNotificationSent(ctx, alert.TenantID, alert.ID); err != nil {
		return fmt.Errorf("marking alert %d notified: %w", alert.ID, err)
	}
	return nil
}

func (d *Dispatcher) notifyUser(ctx context.Context, alert *store.AlertNotification, u *store.User, email, whatsapp bool) {
	if email && u.Email != "" {
		if err := d.email.Send(ctx, u.Email, alert); err != nil {
			sentTotal.WithLabelValues(ChannelEmail, statusFailure).Inc()
			_ = level.Error(d.logger).Log("msg", "notification.email_failed",
				"alert_id", alert.ID, "tenant_id", alert.TenantID, "to", maskEmail(u.Email), "err", err)
		} else {
			sentTotal.WithLabelValues(ChannelEmail, statusSuccess).Inc()
			_ = level.Info(d.logger).Log("msg", "notification.email_sent",
				"alert_id", alert.ID, "tenant_id", alert.TenantID, "to", maskEmail(u.Email))
		}
	}
	if whatsapp && u.WhatsAppNumber != nil && *u.WhatsAppNumber != "" {
		to := *u.WhatsAppNumber
		if err := d.whatsapp.Send(ctx, to, alert); err != nil {
			sentTotal.WithLabelValues(ChannelWhatsApp, statusFailure).Inc()
			_ = level.Error(d.logger).Log("msg", "notification.whatsapp_failed",
				"alert_id", alert.ID, "tenant_id", alert.TenantID, "to", maskNumber(to), "err", err)
		} else {
			sentTotal.WithLabelValues(ChannelWhatsApp, statusSuccess).Inc()
			_ = level.Info(d.logger).Log("msg", "notification.whatsapp_sent",
				"alert_id", alert.ID, "tenant_id", alert.TenantID, "to", maskNumber(to))
		}
	}
}

// maskEmail keeps just enough of an address to recognize it in logs:
// ab***@example.com.
func maskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at < 0 {
		return email
	}
	keep := at
	if keep > 2 {
		keep = 2
	}
	return email[:keep] + "***" + email[at:]
}

// maskNumber keeps the country prefix and the last digits: +14155551234
// becomes +141***234. Anything too short to mask passes through.
func maskNumber(number string) string {
	if len(number) <= 7 {
		return number
	}
	return number[:4] + "***" + number[len(number)-3:]
}
