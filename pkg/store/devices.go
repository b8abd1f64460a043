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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const deviceColumns = `id, tenant_id, device_key, name, manufacturer, model, region,
	api_key, is_active, last_seen, created_at, updated_at`

// DeviceByKey looks a device up within its tenant.
func (db *DB) DeviceByKey(ctx context.Context, tenantID int64, deviceKey string) (*Device, error) {
	var d Device
	err := db.GetContext(ctx, &d,
		`SELECT `+deviceColumns+` FROM devices WHERE tenant_id = $1 AND device_key = $2`,
		tenantID, deviceKey)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// CreateDevice auto-registers a device on first telemetry sighting: active,
// unnamed, last seen now. Concurrent first sightings converge on one row —
// the insert yields to an existing (tenant_id, device_key) pair and the
// winner's row is read back.
func (db *DB) CreateDevice(ctx context.Context, tenantID int64, deviceKey string, firstSeen time.Time) (*Device, error) {
	var d Device
	err := db.GetContext(ctx, &d,
		`INSERT INTO devices (tenant_id, device_key, is_active, last_seen)
		 VALUES ($1, $2, TRUE, $3)
		 ON CONFLICT (tenant_id, device_key) DO NOTHING
		 RETURNING `+deviceColumns,
		tenantID, deviceKey, firstSeen)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race; the other writer's row is the device.
		return db.DeviceByKey(ctx, tenantID, deviceKey)
	}
	if err != nil {
		return nil, fmt.Errorf("inserting device: %w", err)
	}
	return &d, nil
}

// UpdateLastSeen stamps the device's presence. Failures are the caller's to
// log and swallow; presence is best-effort.
func (db *DB) UpdateLastSeen(ctx context.Context, tenantID, deviceID int64, ts time.Time) error {
	_, err := db.ExecContext(ctx,
		`UPDATE devices SET last_seen = $3, updated_at = now() WHERE tenant_id = $1 AND id = $2`,
		tenantID, deviceID, ts)
	return err
}

// DevicesByIDs fetches the subset of ids that exist within the tenant,
// keyed by id. Ids from other tenants are silently absent.
func (db *DB) DevicesByIDs(ctx context.Context, tenantID int64, ids []int64) (map[int64]Device, error) {
	out := make(map[int64]Device, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(
		`SELECT `+deviceColumns+` FROM devices WHERE tenant_id = ? AND id IN (?)`,
		tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("expanding device id list: %w", err)
	}
	var devices []Device
	if err := db.SelectContext(ctx, &devices, db.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, d := range devices {
		out[d.ID] = d
	}
	return out, nil
}

// ListActiveDevices returns every active device of the tenant, for jobs that
// default to the whole fleet.
func (db *DB) ListActiveDevices(ctx context.Context, tenantID int64) ([]Device, error) {
	var devices []Device
	err := db.SelectContext(ctx, &devices,
		`SELECT `+deviceColumns+` FROM devices WHERE tenant_id = $1 AND is_active ORDER BY id`,
		tenantID)
	if err != nil {
		return nil, err
	}
	return devices, nil
}
