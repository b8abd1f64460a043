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

package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPayload is returned for payloads that are not valid JSON or that
// violate the telemetry schema.
var ErrInvalidPayload = errors.New("invalid payload")

// Payload is one decoded telemetry message.
type Payload struct {
	// Metrics maps parameter keys to their sampled numeric values. Never empty.
	Metrics map[string]float64
	// Timestamp is the device-provided sample instant in UTC. It is the zero
	// time when the payload carried no timestamp or one that does not parse;
	// the caller substitutes its own clock in that case.
	Timestamp time.Time
}

// Accepted timestamp layouts, tried in order. Zoneless layouts are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// ParsePayload validates and decodes a raw telemetry payload.
//
// The payload must be a JSON object with a non-empty "metrics" member mapping
// parameter keys to numbers. Any non-numeric metric value rejects the whole
// message. The optional "timestamp" member is parsed leniently: a missing or
// malformed timestamp leaves Payload.Timestamp zero rather than failing.
func ParsePayload(raw []byte) (*Payload, error) {
	var env struct {
		Timestamp json.RawMessage        `json:"timestamp"`
		Metrics   map[string]json.Number `json:"metrics"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, err)
	}
	if len(env.Metrics) == 0 {
		return nil, fmt.Errorf("%w: metrics cannot be empty", ErrInvalidPayload)
	}

	metrics := make(map[string]float64, len(env.Metrics))
	for key, num := range env.Metrics {
		v, err := num.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: metric %q must be numeric: %s", ErrInvalidPayload, key, err)
		}
		metrics[key] = v
	}

	return &Payload{
		Metrics:   metrics,
		Timestamp: parseTimestamp(env.Timestamp),
	}, nil
}

func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
