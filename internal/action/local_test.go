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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foxcpp/spoold/framework/buffer"
	"github.com/foxcpp/spoold/framework/config"
	"github.com/foxcpp/spoold/framework/module"
	"github.com/foxcpp/spoold/internal/testutils"
)

func newDeliverLocal(t *testing.T) (*DeliverLocal, string) {
	t.Helper()
	root := t.TempDir()
	mod, err := newAction(t, "deliver_local", map[string]interface{}{"hostname": "mx.example.org"},
		[]config.Node{{Name: "root", Args: []string{root}}})
	if err != nil {
		t.Fatal(err)
	}
	dl := mod.(*DeliverLocal)
	dl.log = testutils.Logger(t, "deliver_local")
	return dl, root
}

func readMaildir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(dir, "new"))
	if err != nil {
		t.Fatal(err)
	}
	var res []string
	for _, e := range entries {
		blob, err := os.ReadFile(filepath.Join(dir, "new", e.Name()))
		if err != nil {
			t.Fatal(err)
		}
		res = append(res, string(blob))
	}
	return res
}

func TestDeliverLocal(t *testing.T) {
	dl, root := newDeliverLocal(t)

	hdr, body := testutils.BodyFromStr(t, "Subject: hello\r\n\r\nbody text\r\n")
	msg := &module.Message{
		Key:        "abcd",
		Sender:     "sender@example.com",
		Recipients: []string{"User@Example.org", "other@example.org"},
		State:      "local",
		Header:     hdr,
		Body:       body,
	}
	apply(t, dl, msg)

	checkRcpts(t, msg)
	if msg.State != "local" {
		t.Errorf("state changed on success: %s", msg.State)
	}

	msgs := readMaildir(t, filepath.Join(root, "user@example.org"))
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message in the mailbox, got %d", len(msgs))
	}
	for _, want := range []string{"Return-Path: <sender@example.com>", "Delivered-To: User@Example.org", "Subject: hello", "body text"} {
		if !strings.Contains(msgs[0], want) {
			t.Errorf("missing %q in the delivered message:\n%s", want, msgs[0])
		}
	}
	if len(readMaildir(t, filepath.Join(root, "other@example.org"))) != 1 {
		t.Error("second recipient did not get the message")
	}

	tmp, err := os.ReadDir(filepath.Join(root, "user@example.org", "tmp"))
	if err != nil {
		t.Fatal(err)
	}
	if len(tmp) != 0 {
		t.Errorf("leftover files in tmp: %v", tmp)
	}
	if msg.Header.Has("Delivered-To") {
		t.Error("message header is modified")
	}
}

func TestDeliverLocal_UnsafeName(t *testing.T) {
	dl, root := newDeliverLocal(t)

	msg := &module.Message{
		Key:        "abcd",
		Recipients: []string{"../../etc@example.org", ".hidden@example.org", "ok@example.org"},
		State:      "local",
		Body:       buffer.MemoryBuffer{Slice: []byte("body\r\n")},
	}
	apply(t, dl, msg)

	checkRcpts(t, msg, "../../etc@example.org", ".hidden@example.org")
	if msg.State != module.StateError {
		t.Errorf("wrong state: %s", msg.State)
	}
	if msg.ErrorMessage == "" {
		t.Error("error message is not set")
	}
	for _, rcpt := range msg.Recipients {
		failure, ok := msg.Failure(rcpt)
		if !ok {
			t.Errorf("failure is not recorded for %s", rcpt)
			continue
		}
		if failure.Temporary() {
			t.Errorf("unsafe name failure should be permanent: %+v", failure)
		}
	}
	if len(readMaildir(t, filepath.Join(root, "ok@example.org"))) != 1 {
		t.Error("valid recipient did not get the message")
	}
}

func TestDeliverLocal_BodyError(t *testing.T) {
	dl, _ := newDeliverLocal(t)

	msg := &module.Message{
		Key:        "abcd",
		Recipients: []string{"a@example.org"},
		Body:       testutils.FailingBuffer{Blob: []byte("body"), IOError: errors.New("disk error")},
	}
	apply(t, dl, msg)

	checkRcpts(t, msg, "a@example.org")
	failure, ok := msg.Failure("a@example.org")
	if !ok || !failure.Temporary() {
		t.Errorf("expected a temporary failure, got %+v", failure)
	}
}

func TestDeliverLocal_Cancelled(t *testing.T) {
	dl, _ := newDeliverLocal(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := dl.Apply(ctx, &module.Message{
		Recipients: []string{"a@example.org"},
		Body:       buffer.MemoryBuffer{Slice: []byte("body")},
	})
	if err == nil {
		t.Error("cancelled context is ignored")
	}
}
