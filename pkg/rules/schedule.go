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

package rules

import (
	"encoding/json"
	"time"
)

// Schedule types restricting when a rule is eligible to fire.
const (
	ScheduleAlways     = "always"
	ScheduleTimeWindow = "time_window"
	ScheduleDateRange  = "date_range"
)

type timeWindowConfig struct {
	// Days uses ISO numbering: 1 = Monday … 7 = Sunday.
	Days      []int  `json:"days"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type dateRangeConfig struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// ScheduleAllows reports whether a rule's schedule admits evaluation at t,
// read in the tenant's location (nil means UTC).
//
// A time_window passes when the ISO weekday is among the configured days and
// the local time of day lies inside [start_time, end_time]. A date_range
// passes when the local date lies inside [start_date, end_date], inclusive.
// Anything malformed — unknown schedule type, undecodable config, unparseable
// times — passes: a broken schedule must never silence a rule.
func ScheduleAllows(scheduleType string, config []byte, t time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	switch scheduleType {
	case ScheduleTimeWindow:
		return inTimeWindow(config, t.In(loc))
	case ScheduleDateRange:
		return inDateRange(config, t.In(loc))
	default:
		return true
	}
}

func inTimeWindow(config []byte, t time.Time) bool {
	var cfg timeWindowConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return true
	}
	if len(cfg.Days) > 0 && !containsDay(cfg.Days, isoWeekday(t)) {
		return false
	}
	start, okStart := parseMinuteOfDay(cfg.StartTime)
	end, okEnd := parseMinuteOfDay(cfg.EndTime)
	if !okStart || !okEnd {
		return true
	}
	minute := t.Hour()*60 + t.Minute()
	return start <= minute && minute <= end
}

func inDateRange(config []byte, t time.Time) bool {
	var cfg dateRangeConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return true
	}
	start, errStart := time.ParseInLocation("2006-01-02", cfg.StartDate, t.Location())
	end, errEnd := time.ParseInLocation("2006-01-02", cfg.EndDate, t.Location())
	if errStart != nil || errEnd != nil {
		return true
	}
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return !day.Before(start) && !day.After(end)
}

func isoWeekday(t time.Time) int {
	if wd := int(t.Weekday()); wd != 0 {
		return wd
	}
	return 7
}

func containsDay(days []int, day int) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}

// parseMinuteOfDay reads an "HH:MM" clock value into minutes since midnight.
func parseMinuteOfDay(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
