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
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParseTopic(t *testing.T) {
	cases := []struct {
		name    string
		topic   string
		want    TopicRef
		wantErr bool
	}{
		{
			name:  "valid",
			topic: "factories/vpc/devices/M01/telemetry",
			want:  TopicRef{TenantSlug: "vpc", DeviceKey: "M01"},
		},
		{
			name:  "slug and key with punctuation",
			topic: "factories/plant-7/devices/press_01.a/telemetry",
			want:  TopicRef{TenantSlug: "plant-7", DeviceKey: "press_01.a"},
		},
		{name: "too few segments", topic: "factories/vpc/telemetry", wantErr: true},
		{name: "too many segments", topic: "factories/vpc/devices/M01/telemetry/extra", wantErr: true},
		{name: "wrong prefix", topic: "plants/vpc/devices/M01/telemetry", wantErr: true},
		{name: "wrong middle literal", topic: "factories/vpc/machines/M01/telemetry", wantErr: true},
		{name: "wrong suffix", topic: "factories/vpc/devices/M01/data", wantErr: true},
		{name: "empty slug", topic: "factories//devices/M01/telemetry", wantErr: true},
		{name: "empty key", topic: "factories/vpc/devices//telemetry", wantErr: true},
		{name: "empty topic", topic: "", wantErr: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ParseTopic(c.topic)
			if c.wantErr {
				if !errors.Is(err, ErrInvalidTopic) {
					t.Fatalf("expected ErrInvalidTopic, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Fatalf("unexpected topic ref (-want, +got): %s", diff)
			}
		})
	}
}

func TestTopicRefRoundTrip(t *testing.T) {
	topic := "factories/vpc/devices/M01/telemetry"
	ref, err := ParseTopic(topic)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ref.String(); got != topic {
		t.Fatalf("round trip mismatch: got %q, want %q", got, topic)
	}
}

func TestParsePayload(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    *Payload
		wantErr bool
	}{
		{
			name: "metrics with timestamp",
			raw:  `{"timestamp":"2024-01-15T10:00:00Z","metrics":{"temperature":45.5,"pressure":101.3,"rpm":1500}}`,
			want: &Payload{
				Metrics:   map[string]float64{"temperature": 45.5, "pressure": 101.3, "rpm": 1500},
				Timestamp: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
			},
		},
		{
			name: "metrics without timestamp",
			raw:  `{"metrics":{"voltage":245.5}}`,
			want: &Payload{Metrics: map[string]float64{"voltage": 245.5}},
		},
		{
			name: "zoneless timestamp read as UTC",
			raw:  `{"timestamp":"2024-01-15T10:30:00","metrics":{"rpm":1200}}`,
			want: &Payload{
				Metrics:   map[string]float64{"rpm": 1200},
				Timestamp: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
			},
		},
		{
			name: "offset timestamp normalized to UTC",
			raw:  `{"timestamp":"2024-01-15T12:00:00+02:00","metrics":{"rpm":1}}`,
			want: &Payload{
				Metrics:   map[string]float64{"rpm": 1},
				Timestamp: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
			},
		},
		{
			name: "unparseable timestamp leaves zero time",
			raw:  `{"timestamp":"yesterday","metrics":{"rpm":1}}`,
			want: &Payload{Metrics: map[string]float64{"rpm": 1}},
		},
		{
			name: "numeric timestamp leaves zero time",
			raw:  `{"timestamp":1705312800,"metrics":{"rpm":1}}`,
			want: &Payload{Metrics: map[string]float64{"rpm": 1}},
		},
		{name: "malformed JSON", raw: `invalid{{`, wantErr: true},
		{name: "empty metrics", raw: `{"metrics":{}}`, wantErr: true},
		{name: "missing metrics", raw: `{"timestamp":"2024-01-15T10:00:00Z"}`, wantErr: true},
		{name: "null metrics", raw: `{"metrics":null}`, wantErr: true},
		{name: "string metric value", raw: `{"metrics":{"state":"on"}}`, wantErr: true},
		{name: "boolean metric value", raw: `{"metrics":{"running":true}}`, wantErr: true},
		{name: "nested metric value", raw: `{"metrics":{"temp":{"value":45}}}`, wantErr: true},
		{name: "array payload", raw: `[1,2,3]`, wantErr: true},
		{name: "empty payload", raw: ``, wantErr: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ParsePayload([]byte(c.raw))
			if c.wantErr {
				if !errors.Is(err, ErrInvalidPayload) {
					t.Fatalf("expected ErrInvalidPayload, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Fatalf("unexpected payload (-want, +got): %s", diff)
			}
		})
	}
}

func TestParsePayloadPreservesNumericEquality(t *testing.T) {
	raw := `{"metrics":{"temperature":45.5,"counter":9007199254740993,"tiny":0.00001}}`
	p, err := ParsePayload([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for key, want := range map[string]float64{
		"temperature": 45.5,
		"counter":     9007199254740993,
		"tiny":        0.00001,
	} {
		if got := p.Metrics[key]; got != want {
			t.Fatalf("metric %q: got %v, want %v", key, got, want)
		}
	}
}
