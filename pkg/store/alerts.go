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
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const alertColumns = `id, tenant_id, rule_id, device_id, triggered_at, resolved_at,
	severity, message, telemetry_snapshot, notification_sent, created_at`

// AlertSeed is what the engine materializes when a rule matches.
type AlertSeed struct {
	TenantID    int64
	RuleID      int64
	DeviceID    int64
	Severity    Severity
	Message     string
	Snapshot    FloatMap
	TriggeredAt time.Time
}

// CreateAlertGated atomically applies the cooldown gate and materializes the
// alert. One transaction locks the (rule, device) cooldown row, re-checks
// the window against wall-clock now, records the trigger and inserts the
// alert; losing the gate rolls everything back. Returns the new alert id and
// whether one was created. cooldown zero bypasses the gate but still records
// last_triggered.
func (db *DB) CreateAlertGated(ctx context.Context, seed AlertSeed, cooldown time.Duration, now time.Time) (int64, bool, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("beginning alert transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if cooldown > 0 {
		cd, err := db.cooldownForUpdate(ctx, tx, seed.RuleID, seed.DeviceID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return 0, false, fmt.Errorf("locking cooldown row: %w", err)
		}
		if cd != nil && now.Sub(cd.LastTriggered) < cooldown {
			return 0, false, nil
		}
		won, err := db.touchCooldownGated(ctx, tx, seed.RuleID, seed.DeviceID, seed.TriggeredAt, now.Add(-cooldown))
		if err != nil {
			return 0, false, fmt.Errorf("recording trigger: %w", err)
		}
		if !won {
			return 0, false, nil
		}
	} else {
		if err := db.touchCooldown(ctx, tx, seed.RuleID, seed.DeviceID, seed.TriggeredAt); err != nil {
			return 0, false, fmt.Errorf("recording trigger: %w", err)
		}
	}

	var id int64
	err = tx.GetContext(ctx, &id,
		`INSERT INTO alerts (tenant_id, rule_id, device_id, triggered_at, severity, message, telemetry_snapshot)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		seed.TenantID, seed.RuleID, seed.DeviceID, seed.TriggeredAt, seed.Severity, seed.Message, seed.Snapshot)
	if err != nil {
		return 0, false, fmt.Errorf("inserting alert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("committing alert: %w", err)
	}
	return id, true, nil
}

// MarkNotificationSent flips the alert's one-shot notification flag.
// Attempted, not delivered: it is set after the dispatch fan-out regardless
// of per-channel outcomes.
func (db *DB) MarkNotificationSent(ctx context.Context, tenantID, alertID int64) error {
	_, err := db.ExecContext(ctx,
		`UPDATE alerts SET notification_sent = TRUE WHERE tenant_id = $1 AND id = $2`,
		tenantID, alertID)
	return err
}

// AlertNotification is an alert joined with the display names the
// notification templates need.
type AlertNotification struct {
	Alert
	RuleName   string `db:"rule_name"`
	DeviceName string `db:"device_name"`
	DeviceKey  string `db:"device_key"`
}

// AlertForNotification loads an alert with its rule and device names.
// Dangling references degrade to placeholders rather than failing the
// dispatch.
func (db *DB) AlertForNotification(ctx context.Context, alertID int64) (*AlertNotification, error) {
	var n AlertNotification
	err := db.GetContext(ctx, &n,
		`SELECT a.id, a.tenant_id, a.rule_id, a.device_id, a.triggered_at, a.resolved_at,
		        a.severity, a.message, a.telemetry_snapshot, a.notification_sent, a.created_at,
		        COALESCE(r.name, 'Unknown Rule') AS rule_name,
		        COALESCE(NULLIF(d.name, ''), d.device_key, 'Unknown Device') AS device_name,
		        COALESCE(d.device_key, 'Unknown') AS device_key
		 FROM alerts a
		 LEFT JOIN rules r ON r.id = a.rule_id
		 LEFT JOIN devices d ON d.id = a.device_id
		 WHERE a.id = $1`,
		alertID)
	if err != nil {
		return nil, notFound(err)
	}
	return &n, nil
}

// AlertWithNames is a report row: the alert plus its rule and device names.
type AlertWithNames struct {
	Alert
	RuleName   string `db:"rule_name"`
	DeviceName string `db:"device_name"`
}

// ListAlerts returns the tenant's alerts in [from, to), newest first,
// optionally narrowed to a device set, capped at limit.
func (db *DB) ListAlerts(ctx context.Context, tenantID int64, deviceIDs []int64, from, to time.Time, limit int) ([]AlertWithNames, error) {
	q := `SELECT a.id, a.tenant_id, a.rule_id, a.device_id, a.triggered_at, a.resolved_at,
	             a.severity, a.message, a.telemetry_snapshot, a.notification_sent, a.created_at,
	             COALESCE(r.name, 'Unknown Rule') AS rule_name,
	             COALESCE(NULLIF(d.name, ''), d.device_key, 'Unknown Device') AS device_name
	      FROM alerts a
	      LEFT JOIN rules r ON r.id = a.rule_id
	      LEFT JOIN devices d ON d.id = a.device_id
	      WHERE a.tenant_id = ? AND a.triggered_at >= ? AND a.triggered_at < ?`
	args := []any{tenantID, from, to}
	if len(deviceIDs) > 0 {
		q += ` AND a.device_id IN (?)`
		args = append(args, deviceIDs)
	}
	q += ` ORDER BY a.triggered_at DESC LIMIT ?`
	args = append(args, limit)

	query, expanded, err := sqlx.In(q, args...)
	if err != nil {
		return nil, fmt.Errorf("expanding alert query: %w", err)
	}
	var alerts []AlertWithNames
	if err := db.SelectContext(ctx, &alerts, db.Rebind(query), expanded...); err != nil {
		return nil, err
	}
	return alerts, nil
}

// CountAlertsBySeverity aggregates the tenant's alerts over [from, to),
// optionally narrowed to a device set. Unlike ListAlerts it is uncapped, so
// report summaries stay exact past the listing limit.
func (db *DB) CountAlertsBySeverity(ctx context.Context, tenantID int64, deviceIDs []int64, from, to time.Time) (map[Severity]int, error) {
	q := `SELECT severity, COUNT(*) AS n FROM alerts
	      WHERE tenant_id = ? AND triggered_at >= ? AND triggered_at < ?`
	args := []any{tenantID, from, to}
	if len(deviceIDs) > 0 {
		q += ` AND device_id IN (?)`
		args = append(args, deviceIDs)
	}
	q += ` GROUP BY severity`

	query, expanded, err := sqlx.In(q, args...)
	if err != nil {
		return nil, fmt.Errorf("expanding severity query: %w", err)
	}
	rows := []struct {
		Severity Severity `db:"severity"`
		N        int      `db:"n"`
	}{}
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), expanded...); err != nil {
		return nil, err
	}
	out := make(map[Severity]int, len(rows))
	for _, r := range rows {
		out[r.Severity] = r.N
	}
	return out, nil
}
