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


package openmetrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/foxcpp/spoold/framework/config"
	modconfig "github.com/foxcpp/spoold/framework/config/module"
	"github.com/foxcpp/spoold/framework/module"
	"github.com/foxcpp/spoold/internal/spool"
	"github.com/foxcpp/spoold/internal/testutils"
)

func newEndpoint(t *testing.T, globals map[string]interface{}) *Endpoint {
	t.Helper()

	mod, err := New(modName, "", nil, []string{"127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	e := mod.(*Endpoint)
	e.logger = testutils.Logger(t, modName)
	if err := e.Init(config.NewMap(globals, config.Node{})); err != nil {
		t.Fatal(err)
	}
	return e
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatal(err)
	}
	return rec.Code, string(body)
}

func TestEndpoint_Spool(t *testing.T) {
	q := spool.New(spool.NewMemoryBackend(), nil, spool.Options{Log: testutils.Logger(t, "spool")})
	err := q.StoreNew(context.Background(), &module.Message{
		Key:        "k1",
		Sender:     "sender@example.org",
		Recipients: []string{"rcpt@example.com"},
		State:      "outbound",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	e := newEndpoint(t, modconfig.WithEnqueuer(nil, q))

	code, body := get(t, e.router, "/spool")
	if code != http.StatusOK {
		t.Fatalf("GET /spool: %d %s", code, body)
	}
	var list []messageInfo
	if err := json.Unmarshal([]byte(body), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Key != "k1" || list[0].State != "outbound" {
		t.Fatalf("Wrong listing: %+v", list)
	}

	code, body = get(t, e.router, "/spool/k1")
	if code != http.StatusOK {
		t.Fatalf("GET /spool/k1: %d %s", code, body)
	}
	var info messageInfo
	if err := json.Unmarshal([]byte(body), &info); err != nil {
		t.Fatal(err)
	}
	if info.Sender != "sender@example.org" || len(info.Recipients) != 1 {
		t.Fatalf("Wrong message info: %+v", info)
	}

	code, _ = get(t, e.router, "/spool/missing")
	if code != http.StatusNotFound {
		t.Fatal("Expected 404 for a missing message, got", code)
	}
}

func TestEndpoint_Metrics(t *testing.T) {
	e := newEndpoint(t, nil)

	code, body := get(t, e.router, "/metrics")
	if code != http.StatusOK {
		t.Fatalf("GET /metrics: %d", code)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("metrics output does not contain default collectors")
	}

	code, _ = get(t, e.router, "/spool")
	if code != http.StatusNotFound {
		t.Error("/spool should not be served without a spool, got", code)
	}
}

func TestEndpoint_StartStop(t *testing.T) {
	e := newEndpoint(t, nil)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestParseEndpoint(t *testing.T) {
	test := func(in, network, addr string, fail bool) {
		t.Helper()

		n, a, err := parseEndpoint(in)
		if (err != nil) != fail {
			t.Fatalf("%s: unexpected error status: %v", in, err)
		}
		if fail {
			return
		}
		if n != network || a != addr {
			t.Errorf("%s: got %s %s, want %s %s", in, n, a, network, addr)
		}
	}

	test("127.0.0.1:9749", "tcp", "127.0.0.1:9749", false)
	test("localhost:9749", "tcp", "localhost:9749", false)
	test("tcp://[::1]:9749", "tcp", "[::1]:9749", false)
	test("unix:///run/spoold/metrics.sock", "unix", "/run/spoold/metrics.sock", false)
	test("http://localhost:9749", "", "", true)
	test("nonsense", "", "", true)
}
