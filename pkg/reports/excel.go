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
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

const (
	sheetSummary   = "Summary"
	sheetDevices   = "Devices"
	sheetAlerts    = "Alerts"
	sheetTelemetry = "Telemetry"
	sheetAnalytics = "Analytics"
)

type excelRenderer struct{}

func (excelRenderer) ContentType() string {
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}
func (excelRenderer) Ext() string { return "xlsx" }

func (excelRenderer) Render(data *Data) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close() //nolint:errcheck

	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return nil, err
	}
	if err := writeSummarySheet(f, data); err != nil {
		return nil, err
	}
	if err := writeDevicesSheet(f, data); err != nil {
		return nil, err
	}
	if err := writeAlertsSheet(f, data); err != nil {
		return nil, err
	}
	if err := writeTelemetrySheet(f, data); err != nil {
		return nil, err
	}
	if data.Analytics != nil {
		if err := writeAnalyticsSheet(f, data.Analytics); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("writing workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// appendRow writes one row starting at column A and returns the next row.
func appendRow(f *excelize.File, sheet string, row int, cells []any) (int, error) {
	if err := f.SetSheetRow(sheet, "A"+strconv.Itoa(row), &cells); err != nil {
		return row, err
	}
	return row + 1, nil
}

func appendRows(f *excelize.File, sheet string, row int, rows [][]any) (int, error) {
	var err error
	for _, cells := range rows {
		if row, err = appendRow(f, sheet, row, cells); err != nil {
			return row, err
		}
	}
	return row, nil
}

// headerFill builds the bold-on-color style the sheet headers use.
func headerFill(f *excelize.File, fill, text string) (int, error) {
	return f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: text},
		Fill: excelize.Fill{Type: "pattern", Color: []string{fill}, Pattern: 1},
	})
}

func writeSummarySheet(f *excelize.File, data *Data) error {
	rows := [][]any{
		{data.Title()},
		{},
		{"Report Title", data.Title()},
		{"Date Range", data.dateRange()},
		{"Generated", data.generated()},
		{},
		{"Metric", "Value"},
		{"Total Devices", len(data.Devices)},
		{"Total Alerts", data.totalAlerts()},
	}
	for _, sev := range severityOrder {
		rows = append(rows, []any{titleCase(string(sev)) + " Alerts", data.AlertCounts[sev]})
	}
	if _, err := appendRows(f, sheetSummary, 1, rows); err != nil {
		return err
	}

	titleStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Size: 16, Bold: true, Color: "1E40AF"},
	})
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheetSummary, "A1", "A1", titleStyle); err != nil {
		return err
	}
	header, err := headerFill(f, "E5E7EB", "000000")
	if err != nil {
		return err
	}
	return f.SetCellStyle(sheetSummary, "A7", "B7", header)
}

func writeDevicesSheet(f *excelize.File, data *Data) error {
	if _, err := f.NewSheet(sheetDevices); err != nil {
		return err
	}
	row, err := appendRow(f, sheetDevices, 1,
		[]any{"Device ID", "Name", "Device Key", "Region", "Manufacturer", "Model", "Last Seen"})
	if err != nil {
		return err
	}
	for i := range data.Devices {
		d := &data.Devices[i]
		row, err = appendRow(f, sheetDevices, row, []any{
			d.ID, orEmpty(d.Name), d.DeviceKey,
			orEmpty(d.Region), orEmpty(d.Manufacturer), orEmpty(d.Model),
			timeOrEmpty(d.LastSeen),
		})
		if err != nil {
			return err
		}
	}
	header, err := headerFill(f, "1E40AF", "FFFFFF")
	if err != nil {
		return err
	}
	return f.SetCellStyle(sheetDevices, "A1", "G1", header)
}

func writeAlertsSheet(f *excelize.File, data *Data) error {
	if _, err := f.NewSheet(sheetAlerts); err != nil {
		return err
	}
	row, err := appendRow(f, sheetAlerts, 1,
		[]any{"Alert ID", "Device ID", "Severity", "Message", "Triggered At", "Resolved At"})
	if err != nil {
		return err
	}
	for i := range data.Alerts {
		a := &data.Alerts[i]
		row, err = appendRow(f, sheetAlerts, row, []any{
			a.ID, a.DeviceID, strings.ToUpper(string(a.Severity)), a.Message,
			a.TriggeredAt.UTC().Format("2006-01-02 15:04:05"),
			timeOrEmpty(a.ResolvedAt),
		})
		if err != nil {
			return err
		}
	}
	header, err := headerFill(f, "DC2626", "FFFFFF")
	if err != nil {
		return err
	}
	return f.SetCellStyle(sheetAlerts, "A1", "F1", header)
}

func writeTelemetrySheet(f *excelize.File, data *Data) error {
	if _, err := f.NewSheet(sheetTelemetry); err != nil {
		return err
	}
	row, err := appendRow(f, sheetTelemetry, 1,
		[]any{"Device ID", "Parameter", "Min", "Max", "Average"})
	if err != nil {
		return err
	}
	for _, deviceID := range sortedDeviceIDs(data.Telemetry) {
		stats := data.Telemetry[deviceID]
		for _, param := range sortedStatKeys(stats) {
			st := stats[param]
			row, err = appendRow(f, sheetTelemetry, row, []any{
				deviceID, param, round2(st.Min), round2(st.Max), round2(st.Avg),
			})
			if err != nil {
				return err
			}
		}
	}
	header, err := headerFill(f, "6366F1", "FFFFFF")
	if err != nil {
		return err
	}
	return f.SetCellStyle(sheetTelemetry, "A1", "E1", header)
}

func writeAnalyticsSheet(f *excelize.File, a map[string]any) error {
	if _, err := f.NewSheet(sheetAnalytics); err != nil {
		return err
	}
	rows := [][]any{
		{"Analytics Results"},
		{},
		{"Summary", strOr(a, "summary", "No summary")},
		{"Mode", strOr(a, "mode", "N/A")},
		{"Models Used", strings.Join(strsOf(a, "models_used"), ", ")},
		{},
	}
	results, _ := a["results"].(map[string]any)
	if anomaly, ok := analyticsModel(results, "anomaly"); ok {
		rows = append(rows,
			[]any{"Anomaly Detection"},
			[]any{"Anomaly Count", int(numOf(anomaly, "anomaly_count"))},
			[]any{"Data Points", int(numOf(anomaly, "total_data_points"))},
			[]any{})
	}
	if forecast, ok := analyticsModel(results, "forecast"); ok {
		rows = append(rows,
			[]any{"Energy Forecast"},
			[]any{"Horizon Days", int(numOf(forecast, "horizon_days"))},
			[]any{"Forecast Points", int(numOf(forecast, "forecast_points"))},
			[]any{})
	}
	if failure, ok := analyticsModel(results, "failure"); ok {
		rows = append(rows,
			[]any{"Failure Prediction"},
			[]any{"Failure Probability", fmt.Sprintf("%.1f%%", numOf(failure, "failure_probability")*100)},
			[]any{"Risk Level", strings.ToUpper(strOr(failure, "risk_level", "unknown"))})
	}
	if _, err := appendRows(f, sheetAnalytics, 1, rows); err != nil {
		return err
	}

	titleStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Size: 14, Bold: true, Color: "1E40AF"},
	})
	if err != nil {
		return err
	}
	return f.SetCellStyle(sheetAnalytics, "A1", "A1", titleStyle)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
