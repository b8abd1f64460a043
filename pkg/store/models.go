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
	"encoding/json"
	"time"
)

type Tenant struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	Slug      string    `db:"slug"`
	Timezone  string    `db:"timezone"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Location resolves the tenant's IANA timezone, falling back to UTC when the
// column is empty or does not name a loadable zone.
func (t *Tenant) Location() *time.Location {
	if t == nil || t.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type User struct {
	ID             int64           `db:"id"`
	TenantID       int64           `db:"tenant_id"`
	Email          string          `db:"email"`
	HashedPassword string          `db:"hashed_password"`
	WhatsAppNumber *string         `db:"whatsapp_number"`
	Role           UserRole        `db:"role"`
	Permissions    json.RawMessage `db:"permissions"`
	IsActive       bool            `db:"is_active"`
	InviteToken    *string         `db:"invite_token"`
	InvitedAt      *time.Time      `db:"invited_at"`
	LastLogin      *time.Time      `db:"last_login"`
	CreatedAt      time.Time       `db:"created_at"`
}

type Device struct {
	ID           int64      `db:"id"`
	TenantID     int64      `db:"tenant_id"`
	DeviceKey    string     `db:"device_key"`
	Name         *string    `db:"name"`
	Manufacturer *string    `db:"manufacturer"`
	Model        *string    `db:"model"`
	Region       *string    `db:"region"`
	APIKey       *string    `db:"api_key"`
	IsActive     bool       `db:"is_active"`
	LastSeen     *time.Time `db:"last_seen"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

// DisplayName is the device's name when set, otherwise its key.
func (d *Device) DisplayName() string {
	if d.Name != nil && *d.Name != "" {
		return *d.Name
	}
	return d.DeviceKey
}

type Parameter struct {
	ID            int64      `db:"id"`
	TenantID      int64      `db:"tenant_id"`
	DeviceID      int64      `db:"device_id"`
	ParameterKey  string     `db:"parameter_key"`
	DisplayName   *string    `db:"display_name"`
	Unit          *string    `db:"unit"`
	DataType      DataType   `db:"data_type"`
	IsKPISelected bool       `db:"is_kpi_selected"`
	DiscoveredAt  time.Time  `db:"discovered_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

type Rule struct {
	ID                   int64           `db:"id"`
	TenantID             int64           `db:"tenant_id"`
	Name                 string          `db:"name"`
	Description          *string         `db:"description"`
	Scope                RuleScope       `db:"scope"`
	Conditions           json.RawMessage `db:"conditions"`
	CooldownMinutes      int             `db:"cooldown_minutes"`
	IsActive             bool            `db:"is_active"`
	ScheduleType         ScheduleType    `db:"schedule_type"`
	ScheduleConfig       json.RawMessage `db:"schedule_config"`
	Severity             Severity        `db:"severity"`
	NotificationChannels BoolMap         `db:"notification_channels"`
	CreatedBy            *int64          `db:"created_by"`
	CreatedAt            time.Time       `db:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at"`
}

// Cooldown converts the stored minutes to a duration. Zero means the rule
// fires on every match.
func (r *Rule) Cooldown() time.Duration {
	if r.CooldownMinutes <= 0 {
		return 0
	}
	return time.Duration(r.CooldownMinutes) * time.Minute
}

// Cooldown is one (rule, device) pair's most recent trigger.
type Cooldown struct {
	RuleID        int64     `db:"rule_id"`
	DeviceID      int64     `db:"device_id"`
	LastTriggered time.Time `db:"last_triggered"`
}

type Alert struct {
	ID                int64      `db:"id"`
	TenantID          int64      `db:"tenant_id"`
	RuleID            int64      `db:"rule_id"`
	DeviceID          int64      `db:"device_id"`
	TriggeredAt       time.Time  `db:"triggered_at"`
	ResolvedAt        *time.Time `db:"resolved_at"`
	Severity          Severity   `db:"severity"`
	Message           string     `db:"message"`
	TelemetrySnapshot FloatMap   `db:"telemetry_snapshot"`
	NotificationSent  bool       `db:"notification_sent"`
	CreatedAt         time.Time  `db:"created_at"`
}

type AnalyticsJob struct {
	ID             string     `db:"id"`
	TenantID       int64      `db:"tenant_id"`
	CreatedBy      *int64     `db:"created_by"`
	JobType        JobType    `db:"job_type"`
	Mode           JobMode    `db:"mode"`
	DeviceIDs      IntList    `db:"device_ids"`
	DateRangeStart time.Time  `db:"date_range_start"`
	DateRangeEnd   time.Time  `db:"date_range_end"`
	Status         JobStatus  `db:"status"`
	ResultURL      *string    `db:"result_url"`
	ErrorMessage   *string    `db:"error_message"`
	StartedAt      *time.Time `db:"started_at"`
	CompletedAt    *time.Time `db:"completed_at"`
	CreatedAt      time.Time  `db:"created_at"`
}

type Report struct {
	ID               string       `db:"id"`
	TenantID         int64        `db:"tenant_id"`
	CreatedBy        *int64       `db:"created_by"`
	Title            *string      `db:"title"`
	DeviceIDs        IntList      `db:"device_ids"`
	DateRangeStart   time.Time    `db:"date_range_start"`
	DateRangeEnd     time.Time    `db:"date_range_end"`
	Format           ReportFormat `db:"format"`
	IncludeAnalytics bool         `db:"include_analytics"`
	AnalyticsJobID   *string      `db:"analytics_job_id"`
	Status           JobStatus    `db:"status"`
	FileURL          *string      `db:"file_url"`
	FileSizeBytes    *int64       `db:"file_size_bytes"`
	ErrorMessage     *string      `db:"error_message"`
	ExpiresAt        *time.Time   `db:"expires_at"`
	CreatedAt        time.Time    `db:"created_at"`
}
