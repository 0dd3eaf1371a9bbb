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


package limits

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/spoold/framework/cfgparser"
	"github.com/foxcpp/spoold/framework/config"
)

func newGroup(t *testing.T, cfg string) (*Group, error) {
	t.Helper()
	nodes, err := cfgparser.Read(strings.NewReader(cfg), "test.conf")
	if err != nil {
		t.Fatal(err)
	}
	mod, err := New("limits", "test", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	g := mod.(*Group)
	return g, g.Init(config.NewMap(nil, nodes[0]))
}

func TestGroup_Destination(t *testing.T) {
	g, err := newGroup(t, `limits {
		destination concurrency 1
		all rate 100 1s
	}`)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	ctx := context.Background()
	if err := g.TakeDelivery(ctx, "example.org", "example.com"); err != nil {
		t.Fatal(err)
	}
	// Other destination is not affected.
	if err := g.TakeDelivery(ctx, "example.org", "example.net"); err != nil {
		t.Fatal(err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := g.TakeDelivery(shortCtx, "example.org", "example.com"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected the destination to be limited, got", err)
	}

	g.ReleaseDelivery("example.org", "example.com")
	if err := g.TakeDelivery(ctx, "example.org", "example.com"); err != nil {
		t.Fatal(err)
	}
	g.ReleaseDelivery("example.org", "example.com")
	g.ReleaseDelivery("example.org", "example.net")
}

func TestGroup_Empty(t *testing.T) {
	g, err := newGroup(t, `limits { }`)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	for i := 0; i < 10; i++ {
		if err := g.TakeDelivery(context.Background(), "a", "b"); err != nil {
			t.Fatal(err)
		}
	}
}

func TestGroup_Config(t *testing.T) {
	for _, cfg := range []string{
		`limits { ip rate 10 }`,
		`limits { all speed 10 }`,
		`limits { all rate }`,
		`limits { all rate 10 1s 2 }`,
		`limits { all rate 10 0s }`,
		`limits { all rate -1 }`,
		`limits { sender concurrency a }`,
		`limits { sender concurrency 1 2 }`,
	} {
		if _, err := newGroup(t, cfg); err == nil {
			t.Errorf("expected an error for %q", cfg)
		}
	}
}
