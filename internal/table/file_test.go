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
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/foxcpp/spoold/framework/config"
	"github.com/foxcpp/spoold/internal/testutils"
)

func TestReadFile(t *testing.T) {
	test := func(file string, expected map[string][]string) {
		t.Helper()

		path := filepath.Join(t.TempDir(), "table")
		if err := os.WriteFile(path, []byte(file), 0o600); err != nil {
			t.Fatal(err)
		}

		actual := map[string][]string{}
		err := readFile(path, actual)
		if expected == nil {
			if err == nil {
				t.Errorf("expected failure, got %+v", actual)
			}
			return
		}
		if err != nil {
			t.Errorf("unexpected failure: %v", err)
			return
		}

		if !reflect.DeepEqual(actual, expected) {
			t.Errorf("wrong results\n want %+v\n got %+v", expected, actual)
		}
	}

	test("a: b", map[string][]string{"a": {"b"}})
	test("a@example.org: b@example.com", map[string][]string{"a@example.org": {"b@example.com"}})
	test(`"a @ a"@example.org: b@example.com`, map[string][]string{`"a @ a"@example.org`: {"b@example.com"}})
	test("a: b, c", map[string][]string{"a": {"b", "c"}})
	test("a: b\na: c", map[string][]string{"a": {"b", "c"}})
	test(": b", nil)
	test(":", nil)
	test("aaa", map[string][]string{"aaa": {""}})
	test("     testing@example.com   :  arbitrary-whitespace@example.org   ",
		map[string][]string{"testing@example.com": {"arbitrary-whitespace@example.org"}})
	test("# skip comments\na: b", map[string][]string{"a": {"b"}})
	test("# and empty lines\n\n   \na: b", map[string][]string{"a": {"b"}})
	test("   # indented comment\na: b", map[string][]string{"a": {"b"}})
}

func newFileTable(t *testing.T, path string) *File {
	t.Helper()

	mod, err := NewFile(FileModName, "", nil, []string{path})
	if err != nil {
		t.Fatal(err)
	}
	f := mod.(*File)
	f.log = testutils.Logger(t, FileModName)
	if err := f.Init(config.NewMap(nil, config.Node{})); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestFile_Lookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aliases")
	if err := os.WriteFile(path, []byte("cat: dog, mouse\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	f := newFileTable(t, path)

	val, ok, err := f.Lookup(context.Background(), "cat")
	if err != nil || !ok || val != "dog" {
		t.Fatalf("Lookup: %v %v %v", val, ok, err)
	}
	_, ok, err = f.Lookup(context.Background(), "dog")
	if err != nil || ok {
		t.Fatalf("Lookup of a missing key: %v %v", ok, err)
	}
	vals, err := f.LookupMulti(context.Background(), "cat")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(vals, []string{"dog", "mouse"}) {
		t.Fatal("Wrong LookupMulti result:", vals)
	}
}

func TestFile_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aliases")
	if err := os.WriteFile(path, []byte("cat: dog"), 0o600); err != nil {
		t.Fatal(err)
	}
	f := newFileTable(t, path)

	if err := os.WriteFile(path, []byte("dog: cat"), 0o600); err != nil {
		t.Fatal(err)
	}
	f.reload(true)

	if _, ok, _ := f.Lookup(context.Background(), "dog"); !ok {
		t.Fatal("new contents were not loaded")
	}
	if _, ok, _ := f.Lookup(context.Background(), "cat"); ok {
		t.Fatal("old contents were not replaced")
	}
}

func TestFile_ReloadBroken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aliases")
	if err := os.WriteFile(path, []byte("cat: dog"), 0o600); err != nil {
		t.Fatal(err)
	}
	f := newFileTable(t, path)

	if err := os.WriteFile(path, []byte(": broken"), 0o600); err != nil {
		t.Fatal(err)
	}
	f.reload(true)

	if _, ok, _ := f.Lookup(context.Background(), "cat"); !ok {
		t.Fatal("old contents should be kept if the file is malformed")
	}
}

func TestFile_Removed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aliases")
	if err := os.WriteFile(path, []byte("cat: dog"), 0o600); err != nil {
		t.Fatal(err)
	}
	f := newFileTable(t, path)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	f.reload(false)

	if _, ok, _ := f.Lookup(context.Background(), "cat"); ok {
		t.Fatal("table should be empty after the file is removed")
	}
}

func TestFile_Missing(t *testing.T) {
	f := newFileTable(t, filepath.Join(t.TempDir(), "nonexistent"))

	if _, ok, err := f.Lookup(context.Background(), "cat"); ok || err != nil {
		t.Fatal("unexpected lookup result:", ok, err)
	}
}

func TestFile_Config(t *testing.T) {
	if _, err := NewFile(FileModName, "", nil, []string{"a", "b"}); err == nil {
		t.Error("multiple files should be rejected")
	}

	mod, err := NewFile(FileModName, "", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := mod.Init(config.NewMap(nil, config.Node{})); err == nil {
		t.Error("missing path should be rejected")
	}

	mod, err = NewFile(FileModName, "", nil, []string{"a"})
	if err != nil {
		t.Fatal(err)
	}
	err = mod.Init(config.NewMap(nil, config.Node{
		Children: []config.Node{{Name: "file", Args: []string{"b"}}},
	}))
	if err == nil {
		t.Error("path set twice should be rejected")
	}
}
