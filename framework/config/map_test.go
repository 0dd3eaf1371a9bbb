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

package config

import (
	"testing"
	"time"
)

func TestMapProcess_Typed(t *testing.T) {
	cfg := Node{
		Children: []Node{
			{Name: "threads", Args: []string{"4"}},
			{Name: "retry_delay", Args: []string{"1m", "30s"}},
			{Name: "debug"},
			{Name: "backend", Args: []string{"sql"}},
		},
	}

	var (
		threads int
		delay   time.Duration
		debug   bool
		backend string
		grace   time.Duration
	)
	m := NewMap(nil, cfg)
	m.Int("threads", false, false, 10, &threads)
	m.Duration("retry_delay", false, false, 0, &delay)
	m.Bool("debug", false, false, &debug)
	m.Enum("backend", false, true, []string{"fs", "sql", "memory"}, "fs", &backend)
	m.Duration("shutdown_grace", false, false, 30*time.Second, &grace)

	if _, err := m.Process(); err != nil {
		t.Fatalf("Unexpected failure: %v", err)
	}

	if threads != 4 || delay != 90*time.Second || !debug || backend != "sql" || grace != 30*time.Second {
		t.Errorf("Wrong values: %v %v %v %v %v", threads, delay, debug, backend, grace)
	}
}

func TestMapProcess_MissingRequired(t *testing.T) {
	m := NewMap(nil, Node{Children: []Node{}})

	foo := ""
	m.String("foo", false, true, "", &foo)

	if _, err := m.Process(); err == nil {
		t.Errorf("Expected failure")
	}
}

func TestMapProcess_InheritGlobal(t *testing.T) {
	m := NewMap(map[string]interface{}{"hostname": "mx.example.org"}, Node{Children: []Node{}})

	hostname := ""
	m.String("hostname", true, true, "", &hostname)

	if _, err := m.Process(); err != nil {
		t.Fatalf("Unexpected failure: %v", err)
	}
	if hostname != "mx.example.org" {
		t.Errorf("Incorrect value stored in variable, want 'mx.example.org', got '%s'", hostname)
	}
}

func TestMapProcess_Unknown(t *testing.T) {
	cfg := Node{Children: []Node{{Name: "what", Args: []string{"x"}}}}

	m := NewMap(nil, cfg)
	if _, err := m.Process(); err == nil {
		t.Fatal("Expected failure for unknown directive")
	}

	m = NewMap(nil, cfg)
	m.AllowUnknown()
	unknown, err := m.Process()
	if err != nil {
		t.Fatalf("Unexpected failure: %v", err)
	}
	if len(unknown) != 1 || unknown[0].Name != "what" {
		t.Errorf("Wrong unknown directives: %+v", unknown)
	}
}

func TestMapProcess_DuplicateAndCallback(t *testing.T) {
	cfg := Node{
		Children: []Node{
			{Name: "entry", Args: []string{"a", "b"}},
			{Name: "entry", Args: []string{"c", "d"}},
		},
	}

	entries := map[string]string{}
	m := NewMap(nil, cfg)
	m.Callback("entry", func(_ *Map, n Node) error {
		entries[n.Args[0]] = n.Args[1]
		return nil
	})
	if _, err := m.Process(); err != nil {
		t.Fatalf("Unexpected failure: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("Callback not called for every directive: %v", entries)
	}

	m = NewMap(nil, cfg)
	var s []string
	m.StringList("entry", false, false, nil, &s)
	if _, err := m.Process(); err == nil {
		t.Error("Expected failure for duplicate directive")
	}
}

func TestParseDataSize(t *testing.T) {
	for in, want := range map[string]int{
		"1K":    1024,
		"1M 1K": 1024*1024 + 1024,
		"0":     0,
		"10B":   10,
	} {
		got, err := ParseDataSize(in)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("%s: want %d, got %d", in, want, got)
		}
	}

	if _, err := ParseDataSize("1X"); err == nil {
		t.Error("Expected failure for unknown suffix")
	}
}
