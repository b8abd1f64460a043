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

// Package telemetry implements the broker-facing wire format: the topic
// grammar devices publish on and the JSON payload schema they publish.
// Everything in here is pure; the ingest pipeline does the I/O.
package telemetry

import (
	"errors"
	"fmt"
	"strings"
)

// Subscription is the broker filter matching every tenant/device telemetry topic.
const Subscription = "factories/+/devices/+/telemetry"

// ErrInvalidTopic is returned for topics that do not match the
// factories/<slug>/devices/<key>/telemetry grammar.
var ErrInvalidTopic = errors.New("invalid topic")

// TopicRef identifies the publisher of a telemetry message.
type TopicRef struct {
	TenantSlug string
	DeviceKey  string
}

// ParseTopic extracts the tenant slug and device key from a telemetry topic.
// The topic must consist of exactly five segments with the literal first,
// third and fifth segments and non-empty slug and key.
func ParseTopic(topic string) (TopicRef, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 {
		return TopicRef{}, fmt.Errorf("%w: expected 5 segments, got %d: %q", ErrInvalidTopic, len(parts), topic)
	}
	if parts[0] != "factories" || parts[2] != "devices" || parts[4] != "telemetry" {
		return TopicRef{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if parts[1] == "" || parts[3] == "" {
		return TopicRef{}, fmt.Errorf("%w: empty tenant slug or device key: %q", ErrInvalidTopic, topic)
	}
	return TopicRef{TenantSlug: parts[1], DeviceKey: parts[3]}, nil
}

// String renders the canonical topic for the reference. ParseTopic followed by
// String yields the input topic unchanged.
func (r TopicRef) String() string {
	return "factories/" + r.TenantSlug + "/devices/" + r.DeviceKey + "/telemetry"
}
