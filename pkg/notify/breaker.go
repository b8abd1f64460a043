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

package notify

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/sony/gobreaker"

	"github.com/plantpulse/telemetry-engine/pkg/store"
)

const (
	breakerFailureThreshold = 5
	breakerOpenDuration     = 60 * time.Second
)

type breakerSender struct {
	inner Sender
	cb    *gobreaker.CircuitBreaker
}

// WithBreaker wraps a sender in a circuit breaker: after five consecutive
// send failures the circuit opens for a minute and further sends fail
// immediately with gobreaker.ErrOpenState. The dispatcher treats those like
// any other per-channel failure.
func WithBreaker(logger log.Logger, name string, inner Sender) Sender {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: breakerOpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			_ = level.Warn(logger).Log("msg", "notification.breaker_state",
				"sender", name, "from", from.String(), "to", to.String())
		},
	})
	return &breakerSender{inner: inner, cb: cb}
}

func (s *breakerSender) Configured() bool { return s.inner.Configured() }

func (s *breakerSender) Send(ctx context.Context, to string, alert *store.AlertNotification) error {
	_, err := s.cb.Execute(func() (any, error) {
		return nil, s.inner.Send(ctx, to, alert)
	})
	return err
}
