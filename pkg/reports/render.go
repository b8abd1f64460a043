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

package reports

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/plantpulse/telemetry-engine/pkg/store"
)

// Renderer turns collected report data into one downloadable file.
type Renderer interface {
	Render(data *Data) ([]byte, error)
	ContentType() string
	Ext() string
}

// ForFormat picks the renderer for a stored report format.
func ForFormat(f store.ReportFormat) (Renderer, error) {
	switch f {
	case store.FormatPDF:
		return pdfRenderer{}, nil
	case store.FormatExcel:
		return excelRenderer{}, nil
	case store.FormatJSON:
		return jsonRenderer{}, nil
	default:
		return nil, fmt.Errorf("unknown report format %q", f)
	}
}

type jsonRenderer struct{}

func (jsonRenderer) ContentType() string { return "application/json" }
func (jsonRenderer) Ext() string         { return "json" }

type jsonDoc struct {
	Devices   []deviceDoc                     `json:"devices"`
	Telemetry map[int64]map[string]ParamStats `json:"telemetry_summary"`
	Alerts    []alertDoc                      `json:"alerts"`
	Counts    map[store.Severity]int          `json:"alert_summary"`
	Analytics map[string]any                  `json:"analytics"`
}

type deviceDoc struct {
	ID           int64   `json:"id"`
	Name         *string `json:"name"`
	DeviceKey    string  `json:"device_key"`
	Region       *string `json:"region"`
	Manufacturer *string `json:"manufacturer"`
	Model        *string `json:"model"`
	LastSeen     *string `json:"last_seen"`
}

type alertDoc struct {
	ID          int64          `json:"id"`
	DeviceID    int64          `json:"device_id"`
	RuleID      int64          `json:"rule_id"`
	Severity    store.Severity `json:"severity"`
	Message     string         `json:"message"`
	TriggeredAt string         `json:"triggered_at"`
	ResolvedAt  *string        `json:"resolved_at"`
}

func (jsonRenderer) Render(data *Data) ([]byte, error) {
	doc := jsonDoc{
		Devices:   make([]deviceDoc, 0, len(data.Devices)),
		Telemetry: data.Telemetry,
		Alerts:    make([]alertDoc, 0, len(data.Alerts)),
		Counts:    data.AlertCounts,
		Analytics: data.Analytics,
	}
	for i := range data.Devices {
		d := &data.Devices[i]
		doc.Devices = append(doc.Devices, deviceDoc{
			ID:           d.ID,
			Name:         d.Name,
			DeviceKey:    d.DeviceKey,
			Region:       d.Region,
			Manufacturer: d.Manufacturer,
			Model:        d.Model,
			LastSeen:     rfc3339OrNil(d.LastSeen),
		})
	}
	for i := range data.Alerts {
		a := &data.Alerts[i]
		doc.Alerts = append(doc.Alerts, alertDoc{
			ID:          a.ID,
			DeviceID:    a.DeviceID,
			RuleID:      a.RuleID,
			Severity:    a.Severity,
			Message:     a.Message,
			TriggeredAt: a.TriggeredAt.UTC().Format(time.RFC3339),
			ResolvedAt:  rfc3339OrNil(a.ResolvedAt),
		})
	}
	return json.MarshalIndent(doc, "", "  ")
}

func rfc3339OrNil(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
