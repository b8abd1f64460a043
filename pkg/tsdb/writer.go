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

// Package tsdb persists and reads back metric samples in InfluxDB. One point
// per (message, parameter), measurement device_metrics, tags tenant_id /
// device_id / parameter, single float field value.
package tsdb

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus"
)

// Measurement all telemetry points are written under.
const Measurement = "device_metrics"

const writeTimeout = 10 * time.Second

var (
	pointsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "influx_points_written_total",
		Help: "Samples successfully written to the time-series store.",
	})
	pointsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "influx_points_dropped_total",
		Help: "Samples dropped before the write, e.g. NaN or infinite values.",
	})
	writeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "influx_write_failures_total",
		Help: "Batch writes that failed and were swallowed.",
	})
)

// pointWriter is the slice of the Influx client the writer uses.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// WriterOpts configures the connection.
type WriterOpts struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Writer turns per-message metric maps into Influx points. Point loss is
// accepted by design: every failure is logged and swallowed so the ingest
// pipeline never stalls on the time-series store.
type Writer struct {
	logger log.Logger
	client influxdb2.Client
	api    pointWriter
}

// NewWriter connects a Writer and registers its metrics with reg (nil skips
// registration).
func NewWriter(logger log.Logger, reg prometheus.Registerer, opts WriterOpts) *Writer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(pointsWritten, pointsDropped, writeFailures)
	}
	client := influxdb2.NewClient(opts.URL, opts.Token)
	return &Writer{
		logger: logger,
		client: client,
		api:    client.WriteAPIBlocking(opts.Org, opts.Bucket),
	}
}

// Close releases the underlying client.
func (w *Writer) Close() {
	if w.client != nil {
		w.client.Close()
	}
}

// Write persists one point per metric at ts. Non-finite values are dropped
// individually; a failed batch write is logged and swallowed.
func (w *Writer) Write(ctx context.Context, tenantID, deviceID int64, metrics map[string]float64, ts time.Time) {
	points := make([]*write.Point, 0, len(metrics))
	for param, v := range metrics {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			pointsDropped.Inc()
			_ = level.Debug(w.logger).Log("msg", "influx.point_skipped",
				"tenant_id", tenantID, "device_id", deviceID, "parameter", param)
			continue
		}
		points = append(points, write.NewPoint(
			Measurement,
			map[string]string{
				"tenant_id": strconv.FormatInt(tenantID, 10),
				"device_id": strconv.FormatInt(deviceID, 10),
				"parameter": param,
			},
			map[string]any{"value": v},
			ts.UTC(),
		))
	}
	if len(points) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := w.api.WritePoint(ctx, points...); err != nil {
		writeFailures.Inc()
		_ = level.Error(w.logger).Log("msg", "influx.write_failed",
			"tenant_id", tenantID, "device_id", deviceID, "points", len(points), "err", err)
		return
	}
	pointsWritten.Add(float64(len(points)))
}
