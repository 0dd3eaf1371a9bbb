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

package dsn

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/spoold/framework/exterrors"
)

// containsFold reports whether s contains substr ignoring case. Field
// names are written in the canonical form (Reporting-Mta).
func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func TestGenerateDSN(t *testing.T) {
	failedHdr := textproto.Header{}
	failedHdr.Add("Subject", "hello")

	var body bytes.Buffer
	hdr, err := GenerateDSN(false, Envelope{
		MsgID: "<dsn-1@mx.example.org>",
		From:  "MAILER-DAEMON@mx.example.org",
		To:    "sender@example.org",
	}, ReportingMTAInfo{
		ReportingMTA:    "mx.example.org",
		XSender:         "sender@example.org",
		XMessageID:      "abcd",
		ArrivalDate:     time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		LastAttemptDate: time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC),
	}, []RecipientInfo{
		{
			FinalRecipient: "rcpt@тест.example",
			RemoteMTA:      "mx.тест.example",
			Action:         ActionFailed,
			Status:         exterrors.EnhancedCode{5, 1, 1},
			DiagnosticCode: &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
				Message:      "no such\r\nuser",
			},
		},
	}, failedHdr, &body)
	if err != nil {
		t.Fatal(err)
	}

	if got := hdr.Get("Subject"); got != "Undelivered Mail Returned to Sender" {
		t.Error("Wrong subject:", got)
	}
	if got := hdr.Get("Auto-Submitted"); got != "auto-replied" {
		t.Error("Wrong Auto-Submitted:", got)
	}
	if !strings.HasPrefix(hdr.Get("Content-Type"), "multipart/report; report-type=delivery-status") {
		t.Error("Wrong Content-Type:", hdr.Get("Content-Type"))
	}

	for _, want := range []string{
		"Reporting-MTA: dns; mx.example.org",
		"X-Spoold-Sender: rfc822; sender@example.org",
		"X-Spoold-MsgID: abcd",
		"Final-Recipient: rfc822; rcpt@xn--e1aybc.example",
		"Remote-MTA: dns; mx.xn--e1aybc.example",
		"Action: failed",
		"Status: 5.1.1",
		"Diagnostic-Code: smtp; 550 5.1.1 no such  user",
		"Content-Type: message/rfc822-headers",
		"Subject: hello",
		"Delivery to rcpt@тест.example failed",
	} {
		if !containsFold(body.String(), want) {
			t.Errorf("Missing %q in the report:\n%s", want, body.String())
		}
	}
}

func TestGenerateDSN_UTF8(t *testing.T) {
	var body bytes.Buffer
	_, err := GenerateDSN(true, Envelope{
		MsgID: "<dsn-2@mx.example.org>",
		From:  "MAILER-DAEMON@mx.example.org",
		To:    "sender@example.org",
	}, ReportingMTAInfo{
		ReportingMTA: "mx.example.org",
	}, []RecipientInfo{
		{
			FinalRecipient: "rcpt@xn--e1aybc.example",
			Action:         ActionFailed,
			Status:         exterrors.EnhancedCode{4, 4, 2},
			DiagnosticCode: errors.New("connection reset"),
		},
	}, textproto.Header{}, &body)
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"Content-Type: message/global-delivery-status",
		"Final-Recipient: utf8; rcpt@тест.example",
		"Diagnostic-Code: X-Spoold; connection reset",
		"Content-Type: message/global-headers",
	} {
		if !containsFold(body.String(), want) {
			t.Errorf("Missing %q in the report:\n%s", want, body.String())
		}
	}
}

func TestRecipientInfo_Required(t *testing.T) {
	err := RecipientInfo{Action: ActionFailed, Status: exterrors.EnhancedCode{5, 0, 0}}.WriteTo(false, io.Discard)
	if err == nil {
		t.Error("Expected an error for missing Final-Recipient")
	}
	err = RecipientInfo{FinalRecipient: "a@example.org", Status: exterrors.EnhancedCode{5, 0, 0}}.WriteTo(false, io.Discard)
	if err == nil {
		t.Error("Expected an error for missing Action")
	}
	err = RecipientInfo{FinalRecipient: "a@example.org", Action: ActionFailed}.WriteTo(false, io.Discard)
	if err == nil {
		t.Error("Expected an error for missing Status")
	}
	err = ReportingMTAInfo{}.WriteTo(false, io.Discard)
	if err == nil {
		t.Error("Expected an error for missing Reporting-MTA")
	}
}

func TestReportingMTAInfo_Dates(t *testing.T) {
	var buf bytes.Buffer
	err := ReportingMTAInfo{
		ReportingMTA: "mx.example.org",
		ArrivalDate:  time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	}.WriteTo(false, &buf)
	if err != nil {
		t.Fatal(err)
	}
	hdr, err := textproto.ReadHeader(bufio.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Get("Arrival-Date") != "Wed, 1 Jan 2020 00:00:00 +0000" {
		t.Error("Wrong Arrival-Date:", hdr.Get("Arrival-Date"))
	}
	if hdr.Has("Last-Attempt-Date") {
		t.Error("Last-Attempt-Date should be omitted if not set")
	}
}
