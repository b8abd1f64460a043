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

import "context"

const ruleColumns = `id, tenant_id, name, description, scope, conditions, cooldown_minutes,
	is_active, schedule_type, schedule_config, severity, notification_channels,
	created_by, created_at, updated_at`

// ListActiveRulesForDevice returns the tenant's active rules that apply to
// the device: every global rule plus the device-scoped rules linked to it.
// A device-scoped rule with no links matches no device.
func (db *DB) ListActiveRulesForDevice(ctx context.Context, tenantID, deviceID int64) ([]Rule, error) {
	var rules []Rule
	err := db.SelectContext(ctx, &rules,
		`SELECT `+ruleColumns+` FROM rules
		 WHERE tenant_id = $1 AND is_active
		   AND (scope = 'global' OR EXISTS (
		       SELECT 1 FROM rule_devices rd WHERE rd.rule_id = rules.id AND rd.device_id = $2))
		 ORDER BY id`,
		tenantID, deviceID)
	if err != nil {
		return nil, err
	}
	return rules, nil
}
