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

package analytics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantpulse/telemetry-engine/pkg/tsdb"
)

var seriesStart = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

func mkSeries(param string, step time.Duration, values ...float64) []tsdb.Sample {
	out := make([]tsdb.Sample, len(values))
	for i, v := range values {
		out[i] = tsdb.Sample{
			DeviceID:  42,
			Parameter: param,
			Value:     v,
			Time:      seriesStart.Add(time.Duration(i) * step),
		}
	}
	return out
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestAnomalyDetectionFlagsOutliers(t *testing.T) {
	values := append(repeat(100, 29), 500)
	res := runAnomalyDetection(Input{Samples: mkSeries("voltage", time.Minute, values...)})

	assert.Equal(t, 1, res["anomaly_count"])
	assert.Equal(t, 30, res["total_data_points"])
	assert.Equal(t, "1 anomalies detected out of 30 data points", res["summary"])

	points, ok := res["anomalies"].([]anomalyPoint)
	require.True(t, ok)
	require.Len(t, points, 1)
	assert.Equal(t, 500.0, points[0].Value)
	assert.Equal(t, "voltage", points[0].Parameter)
	assert.Equal(t, int64(42), points[0].DeviceID)
	assert.GreaterOrEqual(t, points[0].Score, anomalyZScore)
}

func TestAnomalyDetectionRanksAcrossParameters(t *testing.T) {
	// One outlier in each series; the longer series scores its outlier
	// higher, so it leads the ranking.
	samples := mkSeries("voltage", time.Minute, append(repeat(100, 29), 500)...)
	samples = append(samples, mkSeries("current", time.Minute, append(repeat(10, 19), 30)...)...)

	res := runAnomalyDetection(Input{Samples: samples})

	assert.Equal(t, 2, res["anomaly_count"])
	assert.Equal(t, 50, res["total_data_points"])
	assert.Equal(t, []string{"current", "voltage"}, res["parameters_analyzed"])

	points := res["anomalies"].([]anomalyPoint)
	require.Len(t, points, 2)
	assert.Equal(t, "voltage", points[0].Parameter)
	assert.Equal(t, "current", points[1].Parameter)
	assert.Greater(t, points[0].Score, points[1].Score)
}

func TestAnomalyDetectionFlatSeriesHasNoOutliers(t *testing.T) {
	res := runAnomalyDetection(Input{Samples: mkSeries("voltage", time.Minute, repeat(100, 30)...)})

	assert.Equal(t, 0, res["anomaly_count"])
	assert.Empty(t, res["anomalies"])
}

func TestAnomalyDetectionInsufficientData(t *testing.T) {
	res := runAnomalyDetection(Input{Samples: mkSeries("voltage", time.Minute, repeat(100, 5)...)})

	assert.Equal(t, "Insufficient data for anomaly detection", res["error"])
	assert.Equal(t, 10, res["required_rows"])
	assert.Equal(t, 5, res["actual_rows"])
	assert.NotContains(t, res, "summary")
}

func TestEnergyForecastLinearTrend(t *testing.T) {
	values := make([]float64, 48)
	for i := range values {
		values[i] = 10 + 2*float64(i)
	}
	res := runEnergyForecast(Input{Samples: mkSeries("power", time.Hour, values...)})

	require.NotContains(t, res, "error")
	assert.Equal(t, 7, res["horizon_days"])
	assert.Equal(t, 168, res["forecast_points"])
	assert.Equal(t, 48, res["historical_points"])
	assert.InDelta(t, 2.0, res["slope_per_hour"].(float64), 1e-9)
	assert.Equal(t, "Energy forecast for next 7 days generated (168 hourly predictions)", res["summary"])

	points := res["forecast"].([]forecastPoint)
	require.Len(t, points, 168)
	first := points[0]
	assert.Equal(t, seriesStart.Add(48*time.Hour), first.Timestamp)
	assert.InDelta(t, 106.0, first.Predicted, 1e-6)
	// An exact fit leaves no residual spread.
	assert.InDelta(t, first.Predicted, first.Lower, 1e-6)
	assert.InDelta(t, first.Predicted, first.Upper, 1e-6)
	last := points[167]
	assert.InDelta(t, 10+2*215.0, last.Predicted, 1e-6)
}

func TestEnergyForecastWithoutPowerData(t *testing.T) {
	res := runEnergyForecast(Input{Samples: mkSeries("voltage", time.Hour, repeat(1, 30)...)})

	assert.Equal(t, "No power parameter available for forecasting", res["error"])
}

func TestEnergyForecastInsufficientData(t *testing.T) {
	res := runEnergyForecast(Input{Samples: mkSeries("power", time.Hour, repeat(1, 10)...)})

	assert.Equal(t, "Insufficient data for forecasting", res["error"])
	assert.Equal(t, 24, res["required_rows"])
	assert.Equal(t, 10, res["actual_rows"])
}

func TestFailurePredictionCalmSeries(t *testing.T) {
	res := runFailurePrediction(Input{Samples: mkSeries("voltage", time.Minute, repeat(100, 40)...)})

	assert.Equal(t, 0.0, res["failure_probability"])
	assert.Equal(t, "low", res["risk_level"])
	assert.Equal(t, "Failure risk assessed as low (0.0%)", res["summary"])
}

func TestFailurePredictionSpikySeries(t *testing.T) {
	// A spike every tenth sample: 4 excursions in 40 points.
	var values []float64
	for i := 0; i < 4; i++ {
		values = append(values, repeat(10, 9)...)
		values = append(values, 200)
	}
	res := runFailurePrediction(Input{Samples: mkSeries("pressure", time.Minute, values...)})

	assert.InDelta(t, 0.1, res["failure_probability"].(float64), 1e-9)
	assert.Equal(t, "medium", res["risk_level"])
	assert.Equal(t, "Failure risk assessed as medium (10.0%)", res["summary"])
}

func TestFailurePredictionInsufficientData(t *testing.T) {
	res := runFailurePrediction(Input{Samples: mkSeries("voltage", time.Minute, repeat(100, 10)...)})

	assert.Equal(t, "Insufficient data for failure prediction", res["error"])
	assert.Equal(t, 20, res["required_rows"])
}

func TestRiskLevelBuckets(t *testing.T) {
	assert.Equal(t, "low", riskLevel(0))
	assert.Equal(t, "low", riskLevel(0.05))
	assert.Equal(t, "medium", riskLevel(0.1))
	assert.Equal(t, "medium", riskLevel(0.2499))
	assert.Equal(t, "high", riskLevel(0.25))
	assert.Equal(t, "high", riskLevel(0.9))
}

func TestCopilotMergesApplicableSummaries(t *testing.T) {
	values := make([]float64, 48)
	for i := range values {
		values[i] = 10 + 2*float64(i)
	}
	res := runCopilot(Input{Samples: mkSeries("power", time.Hour, values...)})

	assert.Equal(t, "ai_copilot", res["mode"])
	assert.Equal(t, []string{"anomaly", "forecast", "failure"}, res["models_used"])
	assert.Equal(t,
		"0 anomalies detected out of 48 data points | "+
			"Energy forecast for next 7 days generated (168 hourly predictions) | "+
			"Failure risk assessed as low (0.0%)",
		res["summary"])

	inner, ok := res["results"].(Result)
	require.True(t, ok)
	assert.Contains(t, inner, "anomaly")
	assert.Contains(t, inner, "forecast")
	assert.Contains(t, inner, "failure")
}

func TestCopilotSkipsInapplicableModels(t *testing.T) {
	res := runCopilot(Input{Samples: mkSeries("voltage", time.Minute, repeat(5, 15)...)})

	assert.Equal(t, []string{"anomaly", "failure"}, res["models_used"])

	// The failure model ran but had too little data, so only the anomaly
	// summary survives the merge.
	summary := res["summary"].(string)
	assert.Equal(t, "0 anomalies detected out of 15 data points", summary)
	assert.False(t, strings.Contains(summary, " | "))

	inner := res["results"].(Result)
	failure, ok := inner["failure"].(Result)
	require.True(t, ok)
	assert.Contains(t, failure, "error")
}
