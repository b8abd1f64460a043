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
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/plantpulse/telemetry-engine/pkg/store"
)

type WhatsAppOpts struct {
	AccountSID string
	AuthToken  string
	// From is the Twilio WhatsApp sender in E.164 form, without the
	// "whatsapp:" scheme.
	From string
}

// WhatsAppSender delivers alert messages through the Twilio WhatsApp API.
// Missing credentials leave it inert, same as EmailSender.
type WhatsAppSender struct {
	opts   WhatsAppOpts
	client *twilio.RestClient
}

func NewWhatsAppSender(opts WhatsAppOpts) *WhatsAppSender {
	s := &WhatsAppSender{opts: opts}
	if opts.AccountSID == "" || opts.AuthToken == "" {
		return s
	}
	s.client = twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: opts.AccountSID,
		Password: opts.AuthToken,
	})
	return s
}

func (s *WhatsAppSender) Configured() bool { return s.client != nil }

func (s *WhatsAppSender) Send(_ context.Context, to string, alert *store.AlertNotification) error {
	if s.client == nil {
		return nil
	}
	params := &twilioapi.CreateMessageParams{}
	params.SetFrom("whatsapp:" + s.opts.From)
	params.SetTo("whatsapp:" + to)
	params.SetBody(whatsappBody(alert))
	_, err := s.client.Api.CreateMessage(params)
	return err
}

func whatsappBody(alert *store.AlertNotification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 *%s ALERT*\n\n", strings.ToUpper(string(alert.Severity)))
	fmt.Fprintf(&b, "*Rule:* %s\n", alert.RuleName)
	fmt.Fprintf(&b, "*Device:* %s\n", alert.DeviceName)
	fmt.Fprintf(&b, "*Time:* %s\n\n", alert.TriggeredAt.UTC().Format(time.RFC3339))
	b.WriteString(alert.Message)
	return b.String()
}
