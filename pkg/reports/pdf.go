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
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-pdf/fpdf"
)

const (
	pdfMaxAlerts  = 50
	pdfMessageLen = 60
)

type pdfRenderer struct{}

func (pdfRenderer) ContentType() string { return "application/pdf" }
func (pdfRenderer) Ext() string         { return "pdf" }

func (pdfRenderer) Render(data *Data) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(data.Title(), true)

	writeCoverPage(pdf, data)
	writeSummaryPage(pdf, data)
	writeDevicePages(pdf, data)
	writeAlertsPage(pdf, data)
	if data.Analytics != nil {
		writeAnalyticsPage(pdf, data.Analytics)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("writing pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func pdfHeading(pdf *fpdf.Fpdf, text string) {
	pdf.SetFont("Helvetica", "B", 16)
	pdf.SetTextColor(30, 64, 175)
	pdf.CellFormat(0, 10, text, "", 1, "L", false, 0, "")
	pdf.Ln(4)
}

func writeTableHeader(pdf *fpdf.Fpdf, widths []float64, cells []string, r, g, b int) {
	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetFillColor(r, g, b)
	pdf.SetTextColor(255, 255, 255)
	for i, c := range cells {
		pdf.CellFormat(widths[i], 8, c, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)
}

func writeTableRows(pdf *fpdf.Fpdf, widths []float64, rows [][]string) {
	pdf.SetFont("Helvetica", "", 9)
	pdf.SetTextColor(0, 0, 0)
	for i, row := range rows {
		if i%2 == 1 {
			pdf.SetFillColor(243, 244, 246)
		} else {
			pdf.SetFillColor(255, 255, 255)
		}
		for j, c := range row {
			pdf.CellFormat(widths[j], 7, c, "1", 0, "L", true, 0, "")
		}
		pdf.Ln(-1)
	}
}

func writeCoverPage(pdf *fpdf.Fpdf, data *Data) {
	pdf.AddPage()
	pdf.Ln(60)
	pdf.SetFont("Helvetica", "B", 24)
	pdf.SetTextColor(30, 64, 175)
	pdf.CellFormat(0, 14, data.Title(), "", 1, "C", false, 0, "")
	pdf.Ln(10)

	pdf.SetFont("Helvetica", "", 12)
	pdf.SetTextColor(75, 85, 99)
	for _, row := range [][2]string{
		{"Date Range:", data.dateRange()},
		{"Generated:", data.generated()},
		{"Devices:", strconv.Itoa(len(data.Devices))},
		{"Alerts:", strconv.Itoa(data.totalAlerts())},
	} {
		pdf.CellFormat(50, 8, row[0], "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 8, row[1], "", 1, "L", false, 0, "")
	}
}

func writeSummaryPage(pdf *fpdf.Fpdf, data *Data) {
	pdf.AddPage()
	pdfHeading(pdf, "Executive Summary")

	widths := []float64{80, 60}
	writeTableHeader(pdf, widths, []string{"Metric", "Value"}, 30, 64, 175)
	rows := [][]string{
		{"Total Devices", strconv.Itoa(len(data.Devices))},
		{"Total Alerts", strconv.Itoa(data.totalAlerts())},
	}
	for _, sev := range severityOrder {
		rows = append(rows, []string{
			titleCase(string(sev)) + " Alerts",
			strconv.Itoa(data.AlertCounts[sev]),
		})
	}
	writeTableRows(pdf, widths, rows)
}

func writeDevicePages(pdf *fpdf.Fpdf, data *Data) {
	if len(data.Devices) == 0 {
		return
	}
	pdf.AddPage()
	pdfHeading(pdf, "Device Details")

	statWidths := []float64{40, 30, 30, 30}
	for i := range data.Devices {
		d := &data.Devices[i]
		pdf.SetFont("Helvetica", "B", 12)
		pdf.SetTextColor(0, 0, 0)
		pdf.CellFormat(0, 8, d.DisplayName(), "", 1, "L", false, 0, "")

		pdf.SetFont("Helvetica", "", 10)
		for _, row := range [][2]string{
			{"Device Key:", d.DeviceKey},
			{"Region:", orNA(d.Region)},
			{"Manufacturer:", orNA(d.Manufacturer)},
			{"Model:", orNA(d.Model)},
		} {
			pdf.CellFormat(40, 6, row[0], "", 0, "L", false, 0, "")
			pdf.CellFormat(0, 6, row[1], "", 1, "L", false, 0, "")
		}

		if stats := data.Telemetry[d.ID]; len(stats) > 0 {
			pdf.Ln(2)
			pdf.SetFont("Helvetica", "B", 10)
			pdf.CellFormat(0, 6, "Telemetry Statistics:", "", 1, "L", false, 0, "")
			writeTableHeader(pdf, statWidths, []string{"Parameter", "Min", "Max", "Average"}, 99, 102, 241)
			rows := make([][]string, 0, len(stats))
			for _, param := range sortedStatKeys(stats) {
				st := stats[param]
				rows = append(rows, []string{
					param,
					fmt.Sprintf("%.2f", st.Min),
					fmt.Sprintf("%.2f", st.Max),
					fmt.Sprintf("%.2f", st.Avg),
				})
			}
			writeTableRows(pdf, statWidths, rows)
		}
		pdf.Ln(5)
	}
}

func writeAlertsPage(pdf *fpdf.Fpdf, data *Data) {
	if len(data.Alerts) == 0 {
		return
	}
	pdf.AddPage()
	pdfHeading(pdf, "Alerts Log")

	widths := []float64{40, 25, 25, 100}
	writeTableHeader(pdf, widths, []string{"Timestamp", "Severity", "Device ID", "Message"}, 220, 38, 38)
	n := len(data.Alerts)
	if n > pdfMaxAlerts {
		n = pdfMaxAlerts
	}
	rows := make([][]string, 0, n)
	for i := 0; i < n; i++ {
		a := &data.Alerts[i]
		rows = append(rows, []string{
			a.TriggeredAt.UTC().Format("2006-01-02 15:04:05"),
			strings.ToUpper(string(a.Severity)),
			strconv.FormatInt(a.DeviceID, 10),
			truncate(a.Message, pdfMessageLen),
		})
	}
	writeTableRows(pdf, widths, rows)
}

func writeAnalyticsPage(pdf *fpdf.Fpdf, a map[string]any) {
	pdf.AddPage()
	pdfHeading(pdf, "Analytics Results")

	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(0, 0, 0)
	pdf.MultiCell(0, 6, "Summary: "+strOr(a, "summary", "No summary available"), "", "L", false)
	if mode, ok := a["mode"].(string); ok {
		pdf.CellFormat(0, 6, "Mode: "+mode, "", 1, "L", false, 0, "")
	}
	if models := strsOf(a, "models_used"); len(models) > 0 {
		pdf.CellFormat(0, 6, "Models: "+strings.Join(models, ", "), "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)

	results, _ := a["results"].(map[string]any)
	if anomaly, ok := analyticsModel(results, "anomaly"); ok {
		writeAnalyticsBlock(pdf, "Anomaly Detection", [][2]string{
			{"Anomaly Count", strconv.Itoa(int(numOf(anomaly, "anomaly_count")))},
			{"Data Points", strconv.Itoa(int(numOf(anomaly, "total_data_points")))},
		})
	}
	if forecast, ok := analyticsModel(results, "forecast"); ok {
		writeAnalyticsBlock(pdf, "Energy Forecast", [][2]string{
			{"Horizon", fmt.Sprintf("%d days", int(numOf(forecast, "horizon_days")))},
			{"Forecast Points", strconv.Itoa(int(numOf(forecast, "forecast_points")))},
		})
	}
	if failure, ok := analyticsModel(results, "failure"); ok {
		writeAnalyticsBlock(pdf, "Failure Prediction", [][2]string{
			{"Failure Probability", fmt.Sprintf("%.1f%%", numOf(failure, "failure_probability")*100)},
			{"Risk Level", strings.ToUpper(strOr(failure, "risk_level", "unknown"))},
		})
	}
}

func writeAnalyticsBlock(pdf *fpdf.Fpdf, title string, rows [][2]string) {
	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	for _, row := range rows {
		pdf.CellFormat(0, 6, row[0]+": "+row[1], "", 1, "L", false, 0, "")
	}
	pdf.Ln(3)
}
