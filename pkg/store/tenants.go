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

const tenantColumns = `id, name, slug, timezone, created_at, updated_at`

// TenantBySlug looks a tenant up by its topic slug. Unknown slugs return
// ErrNotFound; the caller decides whether that is a warn or a drop.
func (db *DB) TenantBySlug(ctx context.Context, slug string) (*Tenant, error) {
	var t Tenant
	err := db.GetContext(ctx, &t,
		`SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, slug)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// TenantByID fetches a tenant row, mainly for its timezone.
func (db *DB) TenantByID(ctx context.Context, id int64) (*Tenant, error) {
	var t Tenant
	err := db.GetContext(ctx, &t,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}
