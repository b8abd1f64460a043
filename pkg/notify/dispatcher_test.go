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
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/hibiken/asynq"

	"github.com/plantpulse/telemetry-engine/pkg/jobs"
	"github.com/plantpulse/telemetry-engine/pkg/store"
)

// fakeSender records recipients behind a mutex: the dispatcher fans out
// concurrently.
type fakeSender struct {
	mu         sync.Mutex
	configured bool
	sent       []string
	failFor    map[string]error
	calls      int
}

func (f *fakeSender) Configured() bool { return f.configured }

func (f *fakeSender) Send(_ context.Context, to string, _ *store.AlertNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.failFor[to]; err != nil {
		return err
	}
	f.sent = append(f.sent, to)
	return nil
}

func (f *fakeSender) recipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.sent...)
	sort.Strings(out)
	return out
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type markCall struct {
	tenantID int64
	alertID  int64
}

type fakeNotifyStore struct {
	alert    *store.AlertNotification
	alertErr error
	users    []store.User
	usersErr error
	markErr  error
	marked   []markCall
}

func (f *fakeNotifyStore) AlertForNotification(_ context.Context, alertID int64) (*store.AlertNotification, error) {
	if f.alertErr != nil {
		return nil, f.alertErr
	}
	if f.alert == nil || f.alert.ID != alertID {
		return nil, store.ErrNotFound
	}
	return f.alert, nil
}

func (f *fakeNotifyStore) ListActiveUsers(_ context.Context, _ int64) ([]store.User, error) {
	if f.usersErr != nil {
		return nil, f.usersErr
	}
	return f.users, nil
}

func (f *fakeNotifyStore) MarkNotificationSent(_ context.Context, tenantID, alertID int64) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, markCall{tenantID: tenantID, alertID: alertID})
	return nil
}

func strPtr(s string) *string { return &s }

func testAlert() *store.AlertNotification {
	return &store.AlertNotification{
		Alert: store.Alert{
			ID:                9,
			TenantID:          7,
			RuleID:            1,
			DeviceID:          42,
			TriggeredAt:       time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
			Severity:          store.SeverityHigh,
			Message:           "[High Voltage] voltage (245.5) gt 100",
			TelemetrySnapshot: store.FloatMap{"voltage": 245.5, "current": 3.2},
		},
		RuleName:   "High Voltage",
		DeviceName: "Main Compressor",
		DeviceKey:  "M01",
	}
}

func dispatchTask(channels map[string]bool) jobs.NotificationTask {
	return jobs.NotificationTask{AlertID: 9, Channels: channels}
}

func TestHandleDispatchFansOutToActiveUsers(t *testing.T) {
	st := &fakeNotifyStore{
		alert: testAlert(),
		users: []store.User{
			{ID: 1, Email: "alice@plant.example"},
			{ID: 2, Email: "bob@plant.example", WhatsAppNumber: strPtr("+14155551234")},
			{ID: 3, Email: ""},
		},
	}
	email := &fakeSender{configured: true}
	whatsapp := &fakeSender{configured: true}
	d := New(log.NewNopLogger(), nil, st, email, whatsapp)

	err := d.HandleDispatch(context.Background(), dispatchTask(map[string]bool{"email": true, "whatsapp": true}))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"alice@plant.example", "bob@plant.example"}, email.recipients()); diff != "" {
		t.Errorf("email recipients (-want,+got): %s", diff)
	}
	if diff := cmp.Diff([]string{"+14155551234"}, whatsapp.recipients()); diff != "" {
		t.Errorf("whatsapp recipients (-want,+got): %s", diff)
	}
	want := []markCall{{tenantID: 7, alertID: 9}}
	if diff := cmp.Diff(want, st.marked, cmp.AllowUnexported(markCall{})); diff != "" {
		t.Errorf("marked alerts (-want,+got): %s", diff)
	}
}

func TestHandleDispatchHonorsDisabledChannels(t *testing.T) {
	st := &fakeNotifyStore{
		alert: testAlert(),
		users: []store.User{
			{ID: 1, Email: "alice@plant.example", WhatsAppNumber: strPtr("+14155551234")},
		},
	}
	email := &fakeSender{configured: true}
	whatsapp := &fakeSender{configured: true}
	d := New(log.NewNopLogger(), nil, st, email, whatsapp)

	err := d.HandleDispatch(context.Background(), dispatchTask(map[string]bool{"email": true, "whatsapp": false}))
	if err != nil {
		t.Fatal(err)
	}
	if got := whatsapp.callCount(); got != 0 {
		t.Errorf("disabled channel sent %d messages", got)
	}
	if diff := cmp.Diff([]string{"alice@plant.example"}, email.recipients()); diff != "" {
		t.Errorf("email recipients (-want,+got): %s", diff)
	}
}

func TestHandleDispatchIsolatesSendFailures(t *testing.T) {
	st := &fakeNotifyStore{
		alert: testAlert(),
		users: []store.User{
			{ID: 1, Email: "dead@plant.example"},
			{ID: 2, Email: "alive@plant.example"},
		},
	}
	email := &fakeSender{
		configured: true,
		failFor:    map[string]error{"dead@plant.example": errors.New("smtp: mailbox unavailable")},
	}
	d := New(log.NewNopLogger(), nil, st, email, &fakeSender{configured: true})

	err := d.HandleDispatch(context.Background(), dispatchTask(map[string]bool{"email": true}))
	if err != nil {
		t.Fatalf("send failure surfaced as a task failure: %v", err)
	}
	if diff := cmp.Diff([]string{"alive@plant.example"}, email.recipients()); diff != "" {
		t.Errorf("email recipients (-want,+got): %s", diff)
	}
	if len(st.marked) != 1 {
		t.Errorf("alert not marked after partial failure: %+v", st.marked)
	}
}

func TestHandleDispatchSkipsUnconfiguredSender(t *testing.T) {
	st := &fakeNotifyStore{
		alert: testAlert(),
		users: []store.User{{ID: 1, Email: "alice@plant.example"}},
	}
	email := &fakeSender{configured: false}
	d := New(log.NewNopLogger(), nil, st, email, &fakeSender{})

	err := d.HandleDispatch(context.Background(), dispatchTask(map[string]bool{"email": true}))
	if err != nil {
		t.Fatal(err)
	}
	if got := email.callCount(); got != 0 {
		t.Errorf("unconfigured sender was called %d times", got)
	}
	if len(st.marked) != 1 {
		t.Errorf("alert not marked: %+v", st.marked)
	}
}

func TestHandleDispatchMissingAlertIsDropped(t *testing.T) {
	st := &fakeNotifyStore{}
	email := &fakeSender{configured: true}
	d := New(log.NewNopLogger(), nil, st, email, &fakeSender{})

	err := d.HandleDispatch(context.Background(), dispatchTask(map[string]bool{"email": true}))
	if err != nil {
		t.Fatalf("missing alert should not fail the task: %v", err)
	}
	if got := email.callCount(); got != 0 {
		t.Errorf("missing alert still sent %d messages", got)
	}
	if len(st.marked) != 0 {
		t.Errorf("missing alert was marked: %+v", st.marked)
	}
}

func TestHandleDispatchUserLoadFailureFailsTask(t *testing.T) {
	st := &fakeNotifyStore{alert: testAlert(), usersErr: errors.New("db down")}
	d := New(log.NewNopLogger(), nil, st, &fakeSender{configured: true}, &fakeSender{})

	if err := d.HandleDispatch(context.Background(), dispatchTask(map[string]bool{"email": true})); err == nil {
		t.Fatal("expected the task to fail for retry")
	}
}

func TestHandleDispatchMarkFailureFailsTask(t *testing.T) {
	st := &fakeNotifyStore{
		alert:   testAlert(),
		users:   []store.User{{ID: 1, Email: "alice@plant.example"}},
		markErr: errors.New("db down"),
	}
	d := New(log.NewNopLogger(), nil, st, &fakeSender{configured: true}, &fakeSender{})

	if err := d.HandleDispatch(context.Background(), dispatchTask(map[string]bool{"email": true})); err == nil {
		t.Fatal("expected the task to fail for retry")
	}
}

func TestHandleTaskDecodesPayload(t *testing.T) {
	st := &fakeNotifyStore{
		alert: testAlert(),
		users: []store.User{{ID: 1, Email: "alice@plant.example"}},
	}
	email := &fakeSender{configured: true}
	d := New(log.NewNopLogger(), nil, st, email, &fakeSender{})

	task := asynq.NewTask(jobs.KindNotification, []byte(`{"alert_id":9,"channels":{"email":true}}`))
	if err := d.HandleTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"alice@plant.example"}, email.recipients()); diff != "" {
		t.Errorf("email recipients (-want,+got): %s", diff)
	}
}

func TestHandleTaskMalformedPayloadSkipsRetry(t *testing.T) {
	d := New(log.NewNopLogger(), nil, &fakeNotifyStore{}, &fakeSender{}, &fakeSender{})

	err := d.HandleTask(context.Background(), asynq.NewTask(jobs.KindNotification, []byte(`{not json`)))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("error %v does not skip retries", err)
	}
}

func TestMaskEmail(t *testing.T) {
	cases := []struct{ in, want string }{
		{"alice@plant.example", "al***@plant.example"},
		{"a@b.c", "a***@b.c"},
		{"no-at-sign", "no-at-sign"},
	}
	for _, c := range cases {
		if got := maskEmail(c.in); got != c.want {
			t.Errorf("maskEmail(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestMaskNumber(t *testing.T) {
	cases := []struct{ in, want string }{
		{"+14155551234", "+141***234"},
		{"+4420", "+4420"},
	}
	for _, c := range cases {
		if got := maskNumber(c.in); got != c.want {
			t.Errorf("maskNumber(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
