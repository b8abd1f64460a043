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
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Enumerations are stored as their canonical lower-case strings; CHECK
// constraints in the schema keep foreign writers honest.

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type RuleScope string

const (
	ScopeDevice RuleScope = "device"
	ScopeGlobal RuleScope = "global"
)

type ScheduleType string

const (
	ScheduleAlways     ScheduleType = "always"
	ScheduleTimeWindow ScheduleType = "time_window"
	ScheduleDateRange  ScheduleType = "date_range"
)

type DataType string

const (
	DataTypeFloat  DataType = "float"
	DataTypeInt    DataType = "int"
	DataTypeString DataType = "string"
)

type UserRole string

const (
	RoleSuperAdmin UserRole = "super_admin"
	RoleAdmin      UserRole = "admin"
)

type JobType string

const (
	JobAnomaly           JobType = "anomaly"
	JobFailurePrediction JobType = "failure_prediction"
	JobEnergyForecast    JobType = "energy_forecast"
	JobAICopilot         JobType = "ai_copilot"
)

type JobMode string

const (
	ModeStandard  JobMode = "standard"
	ModeAICopilot JobMode = "ai_copilot"
)

// JobStatus transitions are monotonic: pending → running → complete | failed.
type JobStatus string

const (
	StatusPending  JobStatus = "pending"
	StatusRunning  JobStatus = "running"
	StatusComplete JobStatus = "complete"
	StatusFailed   JobStatus = "failed"
)

type ReportFormat string

const (
	FormatPDF   ReportFormat = "pdf"
	FormatExcel ReportFormat = "excel"
	FormatJSON  ReportFormat = "json"
)

// FloatMap is a JSONB column holding parameter-key → numeric value, used for
// alert telemetry snapshots.
type FloatMap map[string]float64

func (m FloatMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *FloatMap) Scan(src any) error {
	return scanJSON(src, m)
}

// BoolMap is a JSONB column holding channel → enabled, used for rule
// notification channels.
type BoolMap map[string]bool

func (m BoolMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *BoolMap) Scan(src any) error {
	return scanJSON(src, m)
}

// IntList is a JSONB column holding an id list, used for job device scopes.
type IntList []int64

func (l IntList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

func (l *IntList) Scan(src any) error {
	return scanJSON(src, l)
}

func scanJSON(src, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into %T", src, dst)
	}
}
