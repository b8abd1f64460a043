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

// Package analytics computes on-demand statistics over a telemetry window:
// outlier detection, an energy trend forecast and a stability-based failure
// risk score. Executors are pure functions of their input; too little data
// is an answer ("not enough to say"), not a failure, so the job that asked
// still completes.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/plantpulse/telemetry-engine/pkg/store"
	"github.com/plantpulse/telemetry-engine/pkg/tsdb"
)

const (
	anomalyMinRows = 10
	anomalyZScore  = 3.0
	anomalyTopN    = 50

	forecastMinRows     = 24
	forecastHorizonDays = 7

	predictionMinRows = 20
	rollingWindow     = 10

	powerParameter = "power"
)

// Input is the telemetry window an executor works on, time-ordered.
type Input struct {
	Samples []tsdb.Sample
}

// Result is the JSON document uploaded for the job. Executors that have
// something to say include a "summary" key; insufficient-data results carry
// an "error" note instead.
type Result map[string]any

type Executor interface {
	Run(ctx context.Context, in Input) (Result, error)
}

type executorFunc func(Input) Result

func (f executorFunc) Run(_ context.Context, in Input) (Result, error) { return f(in), nil }

// ForJobType returns the executor for a job type.
func ForJobType(t store.JobType) (Executor, error) {
	switch t {
	case store.JobAnomaly:
		return executorFunc(runAnomalyDetection), nil
	case store.JobEnergyForecast:
		return executorFunc(runEnergyForecast), nil
	case store.JobFailurePrediction:
		return executorFunc(runFailurePrediction), nil
	case store.JobAICopilot:
		return executorFunc(runCopilot), nil
	default:
		return nil, fmt.Errorf("unknown job type %q", t)
	}
}

type anomalyPoint struct {
	DeviceID  int64     `json:"device_id"`
	Parameter string    `json:"parameter"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Score     float64   `json:"score"`
}

// runAnomalyDetection flags samples more than three standard deviations
// from their parameter's mean. A parameter with zero spread has no outliers
// by definition.
func runAnomalyDetection(in Input) Result {
	total := len(in.Samples)
	if total < anomalyMinRows {
		return insufficient("anomaly detection", anomalyMinRows, total)
	}
	series := byParameter(in.Samples)
	params := sortedKeys(series)

	points := []anomalyPoint{}
	for _, param := range params {
		ss := series[param]
		values := sampleValues(ss)
		mean, std := stat.MeanStdDev(values, nil)
		if std == 0 || math.IsNaN(std) {
			continue
		}
		for i, s := range ss {
			z := math.Abs(values[i]-mean) / std
			if z >= anomalyZScore {
				points = append(points, anomalyPoint{
					DeviceID:  s.DeviceID,
					Parameter: param,
					Timestamp: s.Time.UTC(),
					Value:     s.Value,
					Score:     z,
				})
			}
		}
	}
	count := len(points)
	sort.Slice(points, func(i, j int) bool { return points[i].Score > points[j].Score })
	if len(points) > anomalyTopN {
		points = points[:anomalyTopN]
	}
	return Result{
		"anomaly_count":       count,
		"total_data_points":   total,
		"anomalies":           points,
		"parameters_analyzed": params,
		"summary":             fmt.Sprintf("%d anomalies detected out of %d data points", count, total),
	}
}

type forecastPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Predicted float64   `json:"yhat"`
	Lower     float64   `json:"yhat_lower"`
	Upper     float64   `json:"yhat_upper"`
}

// runEnergyForecast fits a least-squares line to the power series and
// projects it hourly over the horizon. The band around the projection is
// ±1.96 residual standard deviations.
func runEnergyForecast(in Input) Result {
	power := powerSeries(in.Samples)
	if len(power) == 0 {
		return Result{"error": "No power parameter available for forecasting"}
	}
	if len(power) < forecastMinRows {
		return insufficient("forecasting", forecastMinRows, len(power))
	}

	base := power[0].Time
	xs := make([]float64, len(power))
	ys := make([]float64, len(power))
	for i, s := range power {
		xs[i] = s.Time.Sub(base).Hours()
		ys[i] = s.Value
	}
	alpha, beta := stat.LinearRegression(xs, ys, nil, false)

	residuals := make([]float64, len(power))
	for i := range xs {
		residuals[i] = ys[i] - (alpha + beta*xs[i])
	}
	spread := stat.StdDev(residuals, nil)
	if math.IsNaN(spread) {
		spread = 0
	}
	margin := 1.96 * spread

	last := power[len(power)-1].Time
	points := make([]forecastPoint, 0, forecastHorizonDays*24)
	for h := 1; h <= forecastHorizonDays*24; h++ {
		t := last.Add(time.Duration(h) * time.Hour)
		yhat := alpha + beta*t.Sub(base).Hours()
		points = append(points, forecastPoint{
			Timestamp: t.UTC(),
			Predicted: yhat,
			Lower:     yhat - margin,
			Upper:     yhat + margin,
		})
	}
	return Result{
		"horizon_days":      forecastHorizonDays,
		"forecast_points":   len(points),
		"forecast":          points,
		"historical_points": len(power),
		"slope_per_hour":    beta,
		"summary": fmt.Sprintf("Energy forecast for next %d days generated (%d hourly predictions)",
			forecastHorizonDays, len(points)),
	}
}

// runFailurePrediction scores instability: the share of samples that sit
// more than two deviations from their trailing window's mean. Calm series
// score near zero, series with frequent excursions climb toward one.
func runFailurePrediction(in Input) Result {
	total := len(in.Samples)
	if total < predictionMinRows {
		return insufficient("failure prediction", predictionMinRows, total)
	}
	series := byParameter(in.Samples)
	params := sortedKeys(series)

	unstable := 0
	for _, param := range params {
		unstable += unstableCount(sampleValues(series[param]))
	}
	prob := math.Round(float64(unstable)/float64(total)*10000) / 10000
	risk := riskLevel(prob)
	return Result{
		"failure_probability": prob,
		"risk_level":          risk,
		"total_data_points":   total,
		"parameters_analyzed": params,
		"summary":             fmt.Sprintf("Failure risk assessed as %s (%.1f%%)", risk, prob*100),
	}
}

// runCopilot runs every executor the window has enough data for and merges
// their summaries.
func runCopilot(in Input) Result {
	results := Result{}
	var models []string

	if len(in.Samples) >= anomalyMinRows {
		results["anomaly"] = runAnomalyDetection(in)
		models = append(models, "anomaly")
	}
	if len(powerSeries(in.Samples)) >= forecastMinRows {
		results["forecast"] = runEnergyForecast(in)
		models = append(models, "forecast")
	}
	results["failure"] = runFailurePrediction(in)
	models = append(models, "failure")

	var summaries []string
	for _, m := range models {
		r, ok := results[m].(Result)
		if !ok {
			continue
		}
		if s, ok := r["summary"].(string); ok && s != "" {
			summaries = append(summaries, s)
		}
	}
	return Result{
		"mode":        "ai_copilot",
		"models_used": models,
		"results":     results,
		"summary":     strings.Join(summaries, " | "),
	}
}

func riskLevel(prob float64) string {
	switch {
	case prob < 0.1:
		return "low"
	case prob < 0.25:
		return "medium"
	default:
		return "high"
	}
}

// unstableCount walks the series with a trailing window of up to
// rollingWindow samples (current included) and counts points further than
// two window deviations from the window mean. Windows too short or flat to
// have a deviation contribute nothing.
func unstableCount(values []float64) int {
	n := 0
	for i := range values {
		lo := i - rollingWindow + 1
		if lo < 0 {
			lo = 0
		}
		window := values[lo : i+1]
		if len(window) < 2 {
			continue
		}
		mean, std := stat.MeanStdDev(window, nil)
		if std == 0 || math.IsNaN(std) {
			continue
		}
		if math.Abs(values[i]-mean) > 2*std {
			n++
		}
	}
	return n
}

func insufficient(what string, required, actual int) Result {
	return Result{
		"error":         "Insufficient data for " + what,
		"required_rows": required,
		"actual_rows":   actual,
	}
}

func byParameter(samples []tsdb.Sample) map[string][]tsdb.Sample {
	out := make(map[string][]tsdb.Sample)
	for _, s := range samples {
		out[s.Parameter] = append(out[s.Parameter], s)
	}
	return out
}

func powerSeries(samples []tsdb.Sample) []tsdb.Sample {
	var out []tsdb.Sample
	for _, s := range samples {
		if s.Parameter == powerParameter {
			out = append(out, s)
		}
	}
	return out
}

func sampleValues(samples []tsdb.Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Value
	}
	return out
}

func sortedKeys(m map[string][]tsdb.Sample) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
