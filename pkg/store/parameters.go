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
	"fmt"
	"math"
	"sort"
)

// DiscoverParameters upserts one registry row per metric key and reports
// which keys were newly inserted. Repeat sightings only touch updated_at;
// display_name, unit and is_kpi_selected belong to users and are never
// written on conflict. Safe to race: the unique (device_id, parameter_key)
// index makes concurrent discoveries of the same key converge on one row.
func (db *DB) DiscoverParameters(ctx context.Context, tenantID, deviceID int64, metrics map[string]float64) (map[string]bool, error) {
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	inserted := make(map[string]bool, len(keys))
	for _, key := range keys {
		var isNew bool
		err := db.GetContext(ctx, &isNew,
			`INSERT INTO device_parameters (tenant_id, device_id, parameter_key, data_type)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (device_id, parameter_key) DO UPDATE SET updated_at = now()
			 RETURNING (xmax = 0) AS inserted`,
			tenantID, deviceID, key, dataTypeOf(metrics[key]))
		if err != nil {
			return nil, fmt.Errorf("upserting parameter %q: %w", key, err)
		}
		inserted[key] = isNew
	}
	return inserted, nil
}

// dataTypeOf classifies a payload value: integral doubles register as int,
// everything else as float.
func dataTypeOf(v float64) DataType {
	if math.Trunc(v) == v && !math.IsInf(v, 0) {
		return DataTypeInt
	}
	return DataTypeFloat
}
