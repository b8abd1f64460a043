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

package tsdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Sample is one stored telemetry value.
type Sample struct {
	DeviceID  int64
	Parameter string
	Value     float64
	Time      time.Time
}

// Querier reads telemetry back out of InfluxDB for analytics and reporting.
type Querier struct {
	logger log.Logger
	client influxdb2.Client
	api    api.QueryAPI
	bucket string
}

// NewQuerier connects a Querier.
func NewQuerier(logger log.Logger, opts WriterOpts) *Querier {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	client := influxdb2.NewClient(opts.URL, opts.Token)
	return &Querier{
		logger: logger,
		client: client,
		api:    client.QueryAPI(opts.Org),
		bucket: opts.Bucket,
	}
}

// Close releases the underlying client.
func (q *Querier) Close() {
	if q.client != nil {
		q.client.Close()
	}
}

// FetchRange returns all samples for the given devices between from and to,
// ordered by time. An empty params slice fetches every parameter; an empty
// device list fetches nothing.
func (q *Querier) FetchRange(ctx context.Context, tenantID int64, deviceIDs []int64, params []string, from, to time.Time) ([]Sample, error) {
	if len(deviceIDs) == 0 {
		return nil, nil
	}
	res, err := q.api.Query(ctx, buildRangeQuery(q.bucket, tenantID, deviceIDs, params, from, to))
	if err != nil {
		return nil, fmt.Errorf("querying influx: %w", err)
	}
	var out []Sample
	for res.Next() {
		rec := res.Record()
		v, ok := rec.Value().(float64)
		if !ok {
			continue
		}
		param, _ := rec.ValueByKey("parameter").(string)
		devTag, _ := rec.ValueByKey("device_id").(string)
		deviceID, _ := strconv.ParseInt(devTag, 10, 64)
		out = append(out, Sample{DeviceID: deviceID, Parameter: param, Value: v, Time: rec.Time()})
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("reading influx result: %w", err)
	}
	return out, nil
}

// buildRangeQuery assembles the Flux pipeline for FetchRange. Tag values are
// always written as decimal strings, so numeric IDs compare as strings here.
func buildRangeQuery(bucket string, tenantID int64, deviceIDs []int64, params []string, from, to time.Time) string {
	devs := make([]string, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		devs = append(devs, strconv.FormatInt(id, 10))
	}
	devSet, _ := json.Marshal(devs)

	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %q)\n", bucket)
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n",
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %q)\n", Measurement)
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r.tenant_id == \"%d\")\n", tenantID)
	fmt.Fprintf(&b, "  |> filter(fn: (r) => contains(value: r.device_id, set: %s))\n", devSet)
	if len(params) > 0 {
		clauses := make([]string, 0, len(params))
		for _, p := range params {
			clauses = append(clauses, fmt.Sprintf("r.parameter == %q", p))
		}
		fmt.Fprintf(&b, "  |> filter(fn: (r) => %s)\n", strings.Join(clauses, " or "))
	}
	b.WriteString("  |> filter(fn: (r) => r._field == \"value\")\n")
	b.WriteString(`  |> sort(columns: ["_time"])`)
	return b.String()
}
