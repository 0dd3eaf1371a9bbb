/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package action

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	modconfig "github.com/foxcpp/spoold/framework/config/module"
	"github.com/foxcpp/spoold/framework/exterrors"
	"github.com/foxcpp/spoold/framework/module"
	"github.com/foxcpp/spoold/internal/testutils"
)

func newBounce(t *testing.T, q *testutils.Enqueuer) *Bounce {
	t.Helper()
	globals := modconfig.WithEnqueuer(map[string]interface{}{"hostname": "mx.example.org"}, q)
	mod, err := newAction(t, "bounce", globals, nil)
	if err != nil {
		t.Fatal(err)
	}
	b := mod.(*Bounce)
	b.log = testutils.Logger(t, "bounce")
	b.now = func() time.Time { return time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC) }
	return b
}

func TestBounce(t *testing.T) {
	q := &testutils.Enqueuer{}
	b := newBounce(t, q)

	msg := testMessage(t, "bad@example.invalid", "later@example.invalid")
	msg.State = module.StateError
	msg.ErrorMessage = "delivery failed"
	msg.RemoteHost = "client.example.org"
	msg.SetFailure("bad@example.invalid", &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
		Message:      "mx.example.invalid said: No such user",
	})
	apply(t, b, msg)

	checkRcpts(t, msg)
	if _, ok := msg.Failure("bad@example.invalid"); ok {
		t.Error("failure is not cleared")
	}

	reports, bodies := q.Messages()
	if len(reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reports))
	}
	report := reports[0]
	if report.Sender != "" {
		t.Errorf("report sender should be null, got %s", report.Sender)
	}
	if len(report.Recipients) != 1 || report.Recipients[0] != "sender@example.org" {
		t.Errorf("wrong report recipients: %v", report.Recipients)
	}
	if report.State != module.StateRoot {
		t.Errorf("wrong report state: %s", report.State)
	}
	if report.Attr(AttrDSNFor) != "abcd" {
		t.Errorf("wrong %s attribute: %v", AttrDSNFor, report.Attributes)
	}
	if got := report.Header.Get("From"); got != "MAILER-DAEMON@mx.example.org" {
		t.Errorf("wrong From: %s", got)
	}

	body := string(bodies[0])
	for _, want := range []string{
		"Reporting-MTA: dns; mx.example.org",
		"Received-From-MTA: dns; client.example.org",
		"Final-Recipient: rfc822; bad@example.invalid",
		"Diagnostic-Code: smtp; 550 5.1.1 mx.example.invalid said: No such user",
		"Final-Recipient: rfc822; later@example.invalid",
		"Diagnostic-Code: smtp; 554 5.0.0 delivery failed",
		"Subject: hello",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in the report:\n%s", want, body)
		}
	}
}

func TestBounce_NullSender(t *testing.T) {
	q := &testutils.Enqueuer{}
	b := newBounce(t, q)

	msg := testMessage(t, "bad@example.invalid")
	msg.Sender = ""
	apply(t, b, msg)

	checkRcpts(t, msg)
	if reports, _ := q.Messages(); len(reports) != 0 {
		t.Errorf("null sender message is bounced: %+v", reports)
	}
}

func TestBounce_EnqueueError(t *testing.T) {
	q := &testutils.Enqueuer{Err: errors.New("spool is full")}
	b := newBounce(t, q)

	if err := b.Apply(context.Background(), testMessage(t, "bad@example.invalid")); err == nil {
		t.Error("enqueue error is not returned")
	}
}

func TestBounce_NoSpool(t *testing.T) {
	if _, err := newAction(t, "bounce", map[string]interface{}{"hostname": "mx.example.org"}, nil); err == nil {
		t.Error("bounce is created without a spool")
	}
}

func TestNotifyPostmaster(t *testing.T) {
	q := &testutils.Enqueuer{}
	globals := modconfig.WithEnqueuer(map[string]interface{}{
		"local_domains": []string{"example.org"},
	}, q)
	mod, err := newAction(t, "notify_postmaster", globals, nil)
	if err != nil {
		t.Fatal(err)
	}
	n := mod.(*NotifyPostmaster)
	n.log = testutils.Logger(t, "notify_postmaster")

	msg := testMessage(t, "bad@example.invalid")
	msg.ErrorMessage = "delivery failed"
	apply(t, n, msg)

	checkRcpts(t, msg, "bad@example.invalid")

	copies, bodies := q.Messages()
	if len(copies) != 1 {
		t.Fatalf("expected 1 copy, got %d", len(copies))
	}
	cpy := copies[0]
	if cpy.Sender != "" {
		t.Errorf("copy sender should be null, got %s", cpy.Sender)
	}
	if len(cpy.Recipients) != 1 || cpy.Recipients[0] != "postmaster@example.org" {
		t.Errorf("wrong copy recipients: %v", cpy.Recipients)
	}
	if cpy.Header.Get("X-Spoold-Original-Key") != "abcd" || cpy.Header.Get("X-Spoold-Error") != "delivery failed" {
		t.Errorf("wrong copy header: %v", cpy.Header)
	}
	if cpy.Header.Get("Subject") != "hello" {
		t.Error("original header is not copied")
	}
	if string(bodies[0]) != "body text\r\n" {
		t.Errorf("wrong copy body: %q", bodies[0])
	}
	if msg.Header.Has("X-Spoold-Original-Key") {
		t.Error("original message header is modified")
	}
}
