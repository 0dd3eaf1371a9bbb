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

package s3

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/spoold/framework/config"
	"github.com/foxcpp/spoold/framework/module"
	"github.com/foxcpp/spoold/internal/spool"
	"github.com/foxcpp/spoold/internal/storage/blob/blobtest"
	"github.com/foxcpp/spoold/internal/testutils"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	backend := s3mem.New()
	ts := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(ts.Close)

	if err := backend.CreateBucket("spoold-test"); err != nil {
		t.Fatal(err)
	}

	st := &Store{instName: "test"}
	err := st.Init(config.NewMap(map[string]interface{}{}, config.Node{
		Children: []config.Node{
			{Name: "endpoint", Args: []string{ts.Listener.Addr().String()}},
			{Name: "secure", Args: []string{"false"}},
			{Name: "access_key", Args: []string{"access-key"}},
			{Name: "secret_key", Args: []string{"secret-key"}},
			{Name: "bucket", Args: []string{"spoold-test"}},
			{Name: "object_prefix", Args: []string{"bodies/"}},
		},
	}))
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestS3(t *testing.T) {
	blobtest.TestStore(t, func() module.BlobStore {
		return newTestStore(t)
	})
}

func TestS3_SpoolStoreNew(t *testing.T) {
	st := newTestStore(t)
	q := spool.New(spool.NewMemoryBackend(), st, spool.Options{
		Name: "test",
		Log:  testutils.Logger(t, "spool"),
	})
	t.Cleanup(func() { q.Close() })
	ctx := context.Background()

	msg := &module.Message{
		Sender:     "sender@example.org",
		Recipients: []string{"rcpt@example.com"},
		Header:     textproto.Header{},
	}
	msg.Header.Add("Subject", "test")
	if err := q.StoreNew(ctx, msg, strings.NewReader("Hello!\r\n")); err != nil {
		t.Fatal(err)
	}

	got, err := q.Retrieve(ctx, msg.Key)
	if err != nil {
		t.Fatal(err)
	}
	if got.Body == nil {
		t.Fatal("no body after Retrieve")
	}
	r, err := got.Body.Open()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "Hello!\r\n" {
		t.Errorf("body = %q", body)
	}
}

func TestS3_MissingCreds(t *testing.T) {
	st := &Store{instName: "test"}
	err := st.Init(config.NewMap(nil, config.Node{
		Children: []config.Node{
			{Name: "endpoint", Args: []string{"127.0.0.1:1"}},
			{Name: "secure", Args: []string{"false"}},
			{Name: "bucket", Args: []string{"spoold-test"}},
		},
	}))
	if err == nil {
		t.Fatal("expected error for missing access_key")
	}
}
