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
	"net"
	"sort"
	"strings"
	"testing"

	"github.com/foxcpp/go-mockdns"
	"github.com/foxcpp/spoold/framework/config"
	"github.com/foxcpp/spoold/framework/exterrors"
	"github.com/foxcpp/spoold/framework/module"
	"github.com/foxcpp/spoold/internal/testutils"
)

func testZones() map[string]mockdns.Zone {
	return map[string]mockdns.Zone{
		"example.invalid.": {
			MX: []net.MX{{Host: "mx.example.invalid.", Pref: 10}},
		},
		"mx.example.invalid.": {
			A: []string{"127.0.0.1"},
		},
		"implicit.invalid.": {
			A: []string{"127.0.0.1"},
		},
		"nullmx.invalid.": {
			MX: []net.MX{{Host: ".", Pref: 0}},
		},
		"broken.invalid.": {
			MX: []net.MX{{Host: "mx.broken.invalid.", Pref: 10}},
		},
	}
}

func newDeliverRemote(t *testing.T, srv *testutils.SMTPServer, extra ...config.Node) *DeliverRemote {
	t.Helper()
	mod, err := newAction(t, "deliver_remote", map[string]interface{}{"hostname": "mx.example.org"},
		append([]config.Node{{Name: "max_parallel", Args: []string{"2"}}}, extra...))
	if err != nil {
		t.Fatal(err)
	}
	rd := mod.(*DeliverRemote)

	resolver := &mockdns.Resolver{Zones: testZones()}
	rd.resolver = resolver
	rd.dialer = resolver.DialContext
	rd.port = srv.Port()
	rd.log = testutils.Logger(t, "deliver_remote")
	return rd
}

func testMessage(t *testing.T, rcpts ...string) *module.Message {
	hdr, body := testutils.BodyFromStr(t, "Subject: hello\r\n\r\nbody text\r\n")
	return &module.Message{
		Key:        "abcd",
		Sender:     "sender@example.org",
		Recipients: rcpts,
		State:      "outbound",
		Header:     hdr,
		Body:       body,
	}
}

func TestDeliverRemote(t *testing.T) {
	srv := testutils.NewSMTPServer(t)
	rd := newDeliverRemote(t, srv)

	msg := testMessage(t, "a@example.invalid", "b@example.invalid", "c@implicit.invalid")
	apply(t, rd, msg)

	checkRcpts(t, msg)
	if msg.State != "outbound" {
		t.Errorf("state changed on success: %s", msg.State)
	}

	msgs := srv.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected one transaction per domain, got %d", len(msgs))
	}
	var rcpts []string
	for _, m := range msgs {
		if m.From != "sender@example.org" {
			t.Errorf("wrong sender: %s", m.From)
		}
		if !strings.Contains(string(m.Data), "Subject: hello") || !strings.Contains(string(m.Data), "body text") {
			t.Errorf("wrong data: %q", m.Data)
		}
		rcpts = append(rcpts, m.To...)
	}
	sort.Strings(rcpts)
	if strings.Join(rcpts, " ") != "a@example.invalid b@example.invalid c@implicit.invalid" {
		t.Errorf("wrong recipients: %v", rcpts)
	}
}

func checkFailure(t *testing.T, msg *module.Message, rcpt string, code int) {
	t.Helper()
	failure, ok := msg.Failure(rcpt)
	if !ok {
		t.Errorf("no failure recorded for %s", rcpt)
		return
	}
	if failure.Code != code {
		t.Errorf("wrong code for %s: want %d, got %d (%s)", rcpt, code, failure.Code, failure.Message)
	}
}

func TestDeliverRemote_Failures(t *testing.T) {
	srv := testutils.NewSMTPServer(t)
	srv.RcptReplies["bad@example.invalid"] = "550 5.1.1 No such user"
	srv.RcptReplies["later@example.invalid"] = "451 4.2.0 Try again later"
	rd := newDeliverRemote(t, srv)

	msg := testMessage(t,
		"good@example.invalid",
		"bad@example.invalid",
		"later@example.invalid",
		"x@nullmx.invalid",
		"y@nxdomain.invalid",
		"postmaster",
	)
	apply(t, rd, msg)

	checkRcpts(t, msg,
		"bad@example.invalid",
		"later@example.invalid",
		"x@nullmx.invalid",
		"y@nxdomain.invalid",
		"postmaster",
	)
	if msg.State != module.StateError {
		t.Errorf("wrong state: %s", msg.State)
	}
	if !strings.Contains(msg.ErrorMessage, "5 recipient(s)") {
		t.Errorf("wrong error message: %s", msg.ErrorMessage)
	}

	checkFailure(t, msg, "bad@example.invalid", 550)
	checkFailure(t, msg, "later@example.invalid", 451)
	checkFailure(t, msg, "x@nullmx.invalid", 556)
	checkFailure(t, msg, "y@nxdomain.invalid", 550)
	checkFailure(t, msg, "postmaster", 550)

	if failure, _ := msg.Failure("bad@example.invalid"); !strings.Contains(failure.Message, "No such user") {
		t.Errorf("server reply is not included: %s", failure.Message)
	}
	if _, ok := msg.Failure("good@example.invalid"); ok {
		t.Error("failure recorded for a delivered recipient")
	}

	msgs := srv.Messages()
	if len(msgs) != 1 || len(msgs[0].To) != 1 || msgs[0].To[0] != "good@example.invalid" {
		t.Errorf("wrong delivered messages: %+v", msgs)
	}
}

func TestDeliverRemote_Sequential(t *testing.T) {
	srv := testutils.NewSMTPServer(t)
	rd := newDeliverRemote(t, srv)
	rd.maxParallel = 1

	msg := testMessage(t, "a@example.invalid", "x@nullmx.invalid", "c@implicit.invalid")
	apply(t, rd, msg)

	// Results of all domains are collected before they are applied.
	checkRcpts(t, msg, "x@nullmx.invalid")
	checkFailure(t, msg, "x@nullmx.invalid", 556)
	if len(srv.Messages()) != 2 {
		t.Errorf("expected one transaction per domain, got %d", len(srv.Messages()))
	}
}

func TestDeliverRemote_DataRejected(t *testing.T) {
	srv := testutils.NewSMTPServer(t)
	srv.DataReply = "554 5.6.0 Message rejected"
	rd := newDeliverRemote(t, srv)

	msg := testMessage(t, "a@example.invalid", "b@example.invalid")
	apply(t, rd, msg)

	checkRcpts(t, msg, "a@example.invalid", "b@example.invalid")
	checkFailure(t, msg, "a@example.invalid", 554)
	checkFailure(t, msg, "b@example.invalid", 554)
}

func TestDeliverRemote_NoUsableMX(t *testing.T) {
	srv := testutils.NewSMTPServer(t)
	rd := newDeliverRemote(t, srv)

	msg := testMessage(t, "a@broken.invalid")
	apply(t, rd, msg)

	checkRcpts(t, msg, "a@broken.invalid")
	failure, ok := msg.Failure("a@broken.invalid")
	if !ok {
		t.Fatal("failure is not recorded")
	}
	if !strings.HasPrefix(failure.Message, "No usable MXs") {
		t.Errorf("wrong message: %s", failure.Message)
	}
	if srv.Connections() != 0 {
		t.Error("unexpected connection")
	}
}

func TestDeliverRemote_TemporaryDNSError(t *testing.T) {
	srv := testutils.NewSMTPServer(t)
	rd := newDeliverRemote(t, srv)
	rd.resolver = &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"example.invalid.": {
			Err: &net.DNSError{Err: "SERVFAIL", Name: "example.invalid", IsTemporary: true},
		},
	}}

	msg := testMessage(t, "a@example.invalid")
	apply(t, rd, msg)

	failure, ok := msg.Failure("a@example.invalid")
	if !ok {
		t.Fatal("failure is not recorded")
	}
	if !failure.Temporary() || failure.EnhancedCode != (exterrors.EnhancedCode{4, 4, 4}) {
		t.Errorf("expected a temporary MX lookup failure, got %+v", failure)
	}
}

func TestDeliverRemote_Limits(t *testing.T) {
	srv := testutils.NewSMTPServer(t)
	rd := newDeliverRemote(t, srv, config.Node{
		Name: "limits",
		Children: []config.Node{
			{Name: "destination", Args: []string{"concurrency", "1"}},
		},
	})
	if rd.limits == nil {
		t.Fatal("limits are not set")
	}

	if err := rd.limits.TakeDelivery(context.Background(), "example.org", "example.invalid"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	msg := testMessage(t, "a@example.invalid")
	if err := rd.Apply(ctx, msg); err != nil {
		t.Fatal(err)
	}
	failure, ok := msg.Failure("a@example.invalid")
	if !ok {
		t.Fatal("failure is not recorded")
	}
	if failure.EnhancedCode != (exterrors.EnhancedCode{4, 4, 5}) {
		t.Errorf("expected a limit failure, got %+v", failure)
	}
	if srv.Connections() != 0 {
		t.Error("unexpected connection")
	}

	rd.limits.ReleaseDelivery("example.org", "example.invalid")
	msg = testMessage(t, "a@example.invalid")
	apply(t, rd, msg)
	checkRcpts(t, msg)
}

func TestDeliverRemote_Config(t *testing.T) {
	if _, err := newAction(t, "deliver_remote", nil, nil); err == nil {
		t.Error("missing hostname is accepted")
	}
	if _, err := newAction(t, "deliver_remote", map[string]interface{}{"hostname": "mx.example.org"},
		[]config.Node{{Name: "port", Args: []string{"70000"}}}); err == nil {
		t.Error("invalid port is accepted")
	}
	if _, err := newAction(t, "deliver_remote", map[string]interface{}{"hostname": "mx.example.org"},
		[]config.Node{{Name: "limits", Children: []config.Node{{Name: "ip", Args: []string{"rate", "1"}}}}}); err == nil {
		t.Error("unknown limit scope is accepted")
	}
	if _, err := newAction(t, "deliver_remote", nil, nil, "arg"); err == nil {
		t.Error("inline arguments are accepted")
	}
}
