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

package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/plantpulse/telemetry-engine/pkg/telemetry"
)

// DefaultBootTimeout bounds the initial broker connect; a broker that stays
// unreachable this long fails the daemon.
const DefaultBootTimeout = 5 * time.Minute

const (
	qos               = 1
	messageBuffer     = 1024
	connectTimeout    = 10 * time.Second
	subscribeTimeout  = 10 * time.Second
	keepAlive         = 30 * time.Second
	reconnectInitial  = time.Second
	reconnectCap      = 60 * time.Second
	disconnectQuiesce = 250 // ms
)

// MessageSink consumes one broker message at a time.
type MessageSink interface {
	Ingest(ctx context.Context, topic string, payload []byte)
}

// SubscriberOpts configures the broker connection.
type SubscriberOpts struct {
	// BrokerURL in paho form, e.g. tcp://mqtt:1883.
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	// BootTimeout caps the initial connect retries. Defaults to
	// DefaultBootTimeout when zero.
	BootTimeout time.Duration
}

type inbound struct {
	topic   string
	payload []byte
}

// Subscriber owns the MQTT session: QoS 1 wildcard subscription, all
// messages funneled through one buffered channel into a single consuming
// goroutine so per-topic broker order survives into the pipeline.
type Subscriber struct {
	logger   log.Logger
	sink     MessageSink
	opts     SubscriberOpts
	client   mqtt.Client
	messages chan inbound

	mu  sync.Mutex
	ctx context.Context
}

func (s *Subscriber) runCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Subscriber) setRunCtx(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
}

// NewSubscriber builds the subscriber and its underlying client. The session
// is durable (fixed client id, clean session off) so the broker holds QoS 1
// messages across reconnects.
func NewSubscriber(logger log.Logger, sink MessageSink, opts SubscriberOpts) *Subscriber {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.ClientID == "" {
		opts.ClientID = "plantpulse-ingester"
	}
	if opts.BootTimeout <= 0 {
		opts.BootTimeout = DefaultBootTimeout
	}
	s := &Subscriber{
		logger:   logger,
		sink:     sink,
		opts:     opts,
		messages: make(chan inbound, messageBuffer),
		ctx:      context.Background(),
	}
	copts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetCleanSession(false).
		SetAutoReconnect(false).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost)
	if opts.Username != "" {
		copts.SetUsername(opts.Username)
		copts.SetPassword(opts.Password)
	}
	s.client = mqtt.NewClient(copts)
	return s
}

// Run connects (bounded retries; exhaustion is fatal to the caller) and then
// pumps messages into the sink until ctx is done. The sink never reports
// errors: a poison message must not stop the loop.
func (s *Subscriber) Run(ctx context.Context) error {
	s.setRunCtx(ctx)
	if err := s.connect(ctx); err != nil {
		return err
	}
	defer s.client.Disconnect(disconnectQuiesce)
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-s.messages:
			s.sink.Ingest(ctx, m.topic, m.payload)
		}
	}
}

func (s *Subscriber) connect(ctx context.Context) error {
	err := backoff.Retry(func() error {
		tok := s.client.Connect()
		tok.Wait()
		if err := tok.Error(); err != nil {
			_ = level.Warn(s.logger).Log("msg", "mqtt.connect_failed",
				"broker", s.opts.BrokerURL, "err", err)
			return err
		}
		return nil
	}, backoff.WithContext(s.newPolicy(s.opts.BootTimeout), ctx))
	if err != nil {
		return fmt.Errorf("connecting to broker %s: %w", s.opts.BrokerURL, err)
	}
	return nil
}

func (s *Subscriber) newPolicy(maxElapsed time.Duration) *backoff.ExponentialBackOff {
	p := backoff.NewExponentialBackOff()
	p.InitialInterval = reconnectInitial
	p.Multiplier = 2
	p.MaxInterval = reconnectCap
	p.MaxElapsedTime = maxElapsed
	return p
}

// onConnect runs on every (re)connect; the subscription does not survive a
// clean session handshake, so it is always re-issued here.
func (s *Subscriber) onConnect(c mqtt.Client) {
	_ = level.Info(s.logger).Log("msg", "mqtt.connected", "broker", s.opts.BrokerURL)
	tok := c.Subscribe(telemetry.Subscription, qos, s.onMessage)
	if !tok.WaitTimeout(subscribeTimeout) || tok.Error() != nil {
		_ = level.Error(s.logger).Log("msg", "mqtt.subscribe_failed",
			"topic", telemetry.Subscription, "err", tok.Error())
		return
	}
	_ = level.Info(s.logger).Log("msg", "mqtt.subscribed", "topic", telemetry.Subscription)
}

func (s *Subscriber) onConnectionLost(_ mqtt.Client, err error) {
	_ = level.Warn(s.logger).Log("msg", "mqtt.disconnected", "err", err)
	go s.reconnect()
}

// reconnect retries without an elapsed-time bound: a steady-state outage must
// not kill the daemon the way a failed boot does.
func (s *Subscriber) reconnect() {
	err := backoff.Retry(func() error {
		tok := s.client.Connect()
		tok.Wait()
		return tok.Error()
	}, backoff.WithContext(s.newPolicy(0), s.runCtx()))
	if err != nil {
		_ = level.Error(s.logger).Log("msg", "mqtt.reconnect_abandoned", "err", err)
	}
}

func (s *Subscriber) onMessage(_ mqtt.Client, m mqtt.Message) {
	select {
	case s.messages <- inbound{topic: m.Topic(), payload: m.Payload()}:
	case <-s.runCtx().Done():
	}
}
