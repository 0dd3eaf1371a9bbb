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


package table

import (
	"context"
	"reflect"
	"testing"

	"github.com/foxcpp/spoold/framework/config"
	"github.com/foxcpp/spoold/framework/module"
	"github.com/foxcpp/spoold/internal/testutils"
)

func initTable(t *testing.T, newMod module.FuncNewModule, modName string, args []string, children ...config.Node) module.Table {
	t.Helper()

	mod, err := newMod(modName, "", nil, args)
	if err != nil {
		t.Fatal(err)
	}
	if err := mod.Init(config.NewMap(nil, config.Node{Children: children})); err != nil {
		t.Fatal(err)
	}
	return mod.(module.Table)
}

func TestStatic(t *testing.T) {
	tbl := initTable(t, NewStatic, "table.static", nil,
		config.Node{Name: "entry", Args: []string{"a", "b"}},
		config.Node{Name: "entry", Args: []string{"c", "d", "e"}},
		config.Node{Name: "entry", Args: []string{"c", "f"}},
	)

	val, ok, err := tbl.Lookup(context.Background(), "a")
	if err != nil || !ok || val != "b" {
		t.Error("Lookup a:", val, ok, err)
	}
	if _, ok, _ := tbl.Lookup(context.Background(), "b"); ok {
		t.Error("Lookup b should fail")
	}
	vals, err := tbl.(module.MultiTable).LookupMulti(context.Background(), "c")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(vals, []string{"d", "e", "f"}) {
		t.Error("LookupMulti c:", vals)
	}
}

func TestStatic_InstanceName(t *testing.T) {
	mod, err := NewStatic("table.static", "local_domains", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if mod.InstanceName() != "local_domains" {
		t.Error("Wrong instance name:", mod.InstanceName())
	}
}

func TestStatic_EntryWithoutValue(t *testing.T) {
	mod, _ := NewStatic("table.static", "", nil, nil)
	err := mod.Init(config.NewMap(nil, config.Node{
		Children: []config.Node{{Name: "entry", Args: []string{"a"}}},
	}))
	if err == nil {
		t.Error("entry without a value should be rejected")
	}
}

func TestRegexp(t *testing.T) {
	test := func(pattern, replacement string, flags []string, key, expected string, expectedOk bool) {
		t.Helper()

		args := []string{pattern}
		if replacement != "" {
			args = append(args, replacement)
		}
		var children []config.Node
		for _, f := range flags {
			children = append(children, config.Node{Name: f})
		}
		tbl := initTable(t, NewRegexp, "table.regexp", args, children...)

		val, ok, err := tbl.Lookup(context.Background(), key)
		if err != nil {
			t.Fatal(err)
		}
		if ok != expectedOk {
			t.Fatalf("ok = %v, want %v", ok, expectedOk)
		}
		if val != expected {
			t.Fatalf("val = %q, want %q", val, expected)
		}
	}

	test("a", "b", nil, "xay", "b", true)
	test("a", "b", []string{"full_match"}, "xay", "", false)
	test("a", "b", []string{"full_match"}, "a", "b", true)
	test("A", "b", []string{"case_insensitive"}, "a", "b", true)
	test("(.+)@example.org", "$1@example.com", []string{"full_match", "expand_placeholders"},
		"user@example.org", "user@example.com", true)
	test("(.+)@example.org", "$1@example.com", []string{"full_match"},
		"user@example.org", "$1@example.com", true)
	test("(?P<user>.+)@example.org", "${user}@example.com", []string{"expand_placeholders"},
		"user@example.org", "user@example.com", true)
}

func TestRegexp_Config(t *testing.T) {
	for _, args := range [][]string{nil, {"a", "b", "c"}, {"("}} {
		mod, _ := NewRegexp("table.regexp", "", nil, args)
		if err := mod.Init(config.NewMap(nil, config.Node{})); err == nil {
			t.Errorf("args %v should be rejected", args)
		}
	}
}

func TestChain(t *testing.T) {
	chain := &Chain{
		modName: "table.chain",
		steps: []module.Table{
			testutils.MultiTable{M: map[string][]string{
				"a": {"b", "c"},
				"x": {"y"},
			}},
			testutils.Table{M: map[string]string{
				"b": "B",
				"c": "C",
			}},
		},
		optional: []bool{false, false},
	}

	vals, err := chain.LookupMulti(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(vals, []string{"B", "C"}) {
		t.Error("Wrong result:", vals)
	}

	if _, ok, _ := chain.Lookup(context.Background(), "x"); ok {
		t.Error("Lookup should fail when a required step has no value")
	}

	chain.optional[1] = true
	val, ok, err := chain.Lookup(context.Background(), "x")
	if err != nil || !ok || val != "y" {
		t.Error("Optional step should pass the value through:", val, ok, err)
	}
}

func TestChain_Config(t *testing.T) {
	mod, _ := NewChain("table.chain", "", nil, nil)
	err := mod.Init(config.NewMap(nil, config.Node{
		Children: []config.Node{
			{Name: "step", Args: []string{"regexp", "(.+)@example.org", "$1"}, Children: []config.Node{{Name: "expand_placeholders"}}},
			{Name: "step", Args: []string{"static"}, Children: []config.Node{{Name: "entry", Args: []string{"user", "user@example.com"}}}},
		},
	}))
	if err != nil {
		t.Fatal(err)
	}

	val, ok, err := mod.(module.Table).Lookup(context.Background(), "user@example.org")
	if err != nil || !ok || val != "user@example.com" {
		t.Error("Wrong result:", val, ok, err)
	}

	mod, _ = NewChain("table.chain", "", nil, nil)
	if err := mod.Init(config.NewMap(nil, config.Node{})); err == nil {
		t.Error("chain without steps should be rejected")
	}
}
