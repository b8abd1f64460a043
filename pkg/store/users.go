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

const userColumns = `id, tenant_id, email, hashed_password, whatsapp_number, role,
	permissions, is_active, invite_token, invited_at, last_login, created_at`

// ListActiveUsers returns the tenant's active users, the notification
// audience for its alerts.
func (db *DB) ListActiveUsers(ctx context.Context, tenantID int64) ([]User, error) {
	var users []User
	err := db.SelectContext(ctx, &users,
		`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND is_active ORDER BY id`,
		tenantID)
	if err != nil {
		return nil, err
	}
	return users, nil
}
