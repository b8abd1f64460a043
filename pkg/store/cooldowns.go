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
	"time"

	"github.com/jmoiron/sqlx"
)

// Cooldown reads a (rule, device) trigger record outside any transaction.
// The engine uses it as a cheap pre-gate before opening the materialization
// transaction; ErrNotFound means the pair has never fired.
func (db *DB) Cooldown(ctx context.Context, ruleID, deviceID int64) (*Cooldown, error) {
	var cd Cooldown
	err := db.GetContext(ctx, &cd,
		`SELECT rule_id, device_id, last_triggered FROM rule_cooldowns
		 WHERE rule_id = $1 AND device_id = $2`,
		ruleID, deviceID)
	if err != nil {
		return nil, notFound(err)
	}
	return &cd, nil
}

// cooldownForUpdate locks the pair's row for the rest of the transaction.
// No row means no lock — the guarded upsert below closes that window.
func (db *DB) cooldownForUpdate(ctx context.Context, tx *sqlx.Tx, ruleID, deviceID int64) (*Cooldown, error) {
	var cd Cooldown
	err := tx.GetContext(ctx, &cd,
		`SELECT rule_id, device_id, last_triggered FROM rule_cooldowns
		 WHERE rule_id = $1 AND device_id = $2 FOR UPDATE`,
		ruleID, deviceID)
	if err != nil {
		return nil, notFound(err)
	}
	return &cd, nil
}

// touchCooldown unconditionally records a trigger, for rules with no
// cooldown.
func (db *DB) touchCooldown(ctx context.Context, tx *sqlx.Tx, ruleID, deviceID int64, ts time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO rule_cooldowns (rule_id, device_id, last_triggered)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (rule_id, device_id) DO UPDATE SET last_triggered = EXCLUDED.last_triggered`,
		ruleID, deviceID, ts)
	return err
}

// touchCooldownGated records a trigger only if the pair is out of cooldown,
// reporting whether it won. The guard also covers the first-trigger race:
// when two transactions race on a pair with no row yet, the loser's insert
// turns into the conflict update, sees the winner's fresh last_triggered
// past the cutoff, and affects zero rows.
func (db *DB) touchCooldownGated(ctx context.Context, tx *sqlx.Tx, ruleID, deviceID int64, ts, cutoff time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO rule_cooldowns (rule_id, device_id, last_triggered)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (rule_id, device_id) DO UPDATE SET last_triggered = EXCLUDED.last_triggered
		 WHERE rule_cooldowns.last_triggered <= $4`,
		ruleID, deviceID, ts, cutoff)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
