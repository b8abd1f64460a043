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
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/plantpulse/telemetry-engine/pkg/store"
)

const smtpTimeout = 10 * time.Second

type EmailOpts struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailSender delivers alert mail over SMTP. With no host configured it
// stays inert: Configured reports false and Send is a no-op, so local
// deployments run without a mail relay.
type EmailSender struct {
	opts   EmailOpts
	client *mail.Client
}

func NewEmailSender(opts EmailOpts) (*EmailSender, error) {
	s := &EmailSender{opts: opts}
	if opts.Host == "" {
		return s, nil
	}
	copts := []mail.Option{
		mail.WithPort(opts.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(smtpTimeout),
	}
	if opts.Username != "" {
		copts = append(copts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(opts.Username),
			mail.WithPassword(opts.Password))
	}
	client, err := mail.NewClient(opts.Host, copts...)
	if err != nil {
		return nil, fmt.Errorf("building smtp client: %w", err)
	}
	s.client = client
	return s, nil
}

func (s *EmailSender) Configured() bool { return s.client != nil }

func (s *EmailSender) Send(ctx context.Context, to string, alert *store.AlertNotification) error {
	if s.client == nil {
		return nil
	}
	m := mail.NewMsg()
	if err := m.From(s.opts.From); err != nil {
		return fmt.Errorf("setting sender: %w", err)
	}
	if err := m.To(to); err != nil {
		return fmt.Errorf("setting recipient: %w", err)
	}
	m.Subject(emailSubject(alert))
	m.SetBodyString(mail.TypeTextPlain, emailBody(alert))
	return s.client.DialAndSendWithContext(ctx, m)
}

func emailSubject(alert *store.AlertNotification) string {
	return fmt.Sprintf("[%s] Alert: %s", strings.ToUpper(string(alert.Severity)), alert.RuleName)
}

func emailBody(alert *store.AlertNotification) string {
	var b strings.Builder
	b.WriteString("Alert Notification\n\n")
	fmt.Fprintf(&b, "Rule: %s\n", alert.RuleName)
	fmt.Fprintf(&b, "Device: %s (%s)\n", alert.DeviceName, alert.DeviceKey)
	fmt.Fprintf(&b, "Severity: %s\n", strings.ToUpper(string(alert.Severity)))
	fmt.Fprintf(&b, "Triggered: %s\n", alert.TriggeredAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "\nMessage:\n%s\n", alert.Message)
	if len(alert.TelemetrySnapshot) > 0 {
		b.WriteString("\nTelemetry Snapshot:\n")
		for _, param := range sortedParams(alert.TelemetrySnapshot) {
			fmt.Fprintf(&b, "  %s: %s\n", param,
				strconv.FormatFloat(alert.TelemetrySnapshot[param], 'f', -1, 64))
		}
	}
	return b.String()
}

func sortedParams(m store.FloatMap) []string {
	params := make([]string, 0, len(m))
	for p := range m {
		params = append(params, p)
	}
	sort.Strings(params)
	return params
}
